// Package dockerrelease resolves a static Docker release tarball URL
// for a given CPU architecture and version selector (spec §4.5 step
// 6), supplementing the distillation with the exact scraping strategy
// from original_source/src/docker_releases.rs: fetch the public
// download index, regex-match tarball anchors, and pick the greatest
// version satisfying the caller's go-semver constraint.
package dockerrelease

import (
	"fmt"
	"io"
	"net/http"
	"regexp"

	"github.com/coreos/go-semver/semver"
	"github.com/pkg/errors"
)

const indexURLTemplate = "https://download.docker.com/linux/static/stable/%s/"

var tarballPattern = regexp.MustCompile(`href="docker-([0-9]+\.[0-9]+\.[0-9]+)\.tgz"`)

// Arch is a normalized instance CPU architecture.
type Arch string

const (
	ArchAMD64 Arch = "amd64"
	ArchARM64 Arch = "arm64"
)

// archDirs maps our Arch enum to the path segment the download site
// uses, which does not match GOARCH naming (amd64 -> "x86_64").
var archDirs = map[Arch]string{
	ArchAMD64: "x86_64",
	ArchARM64: "aarch64",
}

// ArchFromUname maps the output of `uname -m` on the VM to our Arch
// enum. Returns an error naming every architecture it doesn't
// recognize, matching the property in spec §8 ("Provider selection is
// total over the Arch enum").
func ArchFromUname(machine string) (Arch, error) {
	switch machine {
	case "x86_64":
		return ArchAMD64, nil
	case "aarch64", "arm64":
		return ArchARM64, nil
	default:
		return "", errors.Errorf("unsupported instance type architectures: %q", machine)
	}
}

// Resolve fetches the release index for arch and returns the tarball
// URL of the greatest listed version that satisfies selector. selector
// is either "any" (no constraint, the CLI's --dockerd-version default)
// or a single X.Y.Z version that acts as a minimum: releases below it
// are skipped. Comparison operators and ranges are not accepted.
func Resolve(httpClient *http.Client, arch Arch, selector string) (string, error) {
	dir, ok := archDirs[arch]
	if !ok {
		return "", errors.Errorf("unsupported instance type architectures: %q", arch)
	}

	indexURL := fmt.Sprintf(indexURLTemplate, dir)

	resp, err := httpClient.Get(indexURL)
	if err != nil {
		return "", errors.Wrap(err, "fetching docker release index")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("fetching %s: status %s", indexURL, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "reading docker release index")
	}

	best, err := bestVersion(body, selector)
	if err != nil {
		return "", err
	}

	return indexURL + "docker-" + best.String() + ".tgz", nil
}

func bestVersion(indexHTML []byte, selector string) (*semver.Version, error) {
	matches := tarballPattern.FindAllSubmatch(indexHTML, -1)
	if len(matches) == 0 {
		return nil, errors.New("no docker release tarballs found in index")
	}

	var constraint *semver.Version
	if selector != "" && selector != "any" {
		v, err := semver.NewVersion(selector)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing --dockerd-version %q", selector)
		}
		constraint = v
	}

	var best *semver.Version
	for _, m := range matches {
		v, err := semver.NewVersion(string(m[1]))
		if err != nil {
			continue
		}
		if constraint != nil && v.LessThan(*constraint) {
			continue
		}
		if best == nil || best.LessThan(*v) {
			best = v
		}
	}

	if best == nil {
		return nil, errors.Errorf("no docker release satisfies version selector %q", selector)
	}

	return best, nil
}
