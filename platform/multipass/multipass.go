// Package multipass implements the VM Provider capability (spec
// §4.7) on top of Canonical's Multipass, the local hypervisor used for
// development and CI without a cloud account. There is no Go SDK for
// Multipass in the retrieved corpus; this shells out to the `multipass`
// CLI the way the teacher's own system/exec package shells out to
// sudo/reexec'd helpers (see DESIGN.md).
package multipass

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/coreos/pkg/capnslog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var plog = capnslog.NewPackageLogger("github.com/jakajancar/fleeting", "platform/multipass")

// Options selects the local instance's image and shape.
type Options struct {
	Image string // e.g. "22.04", "lts"
	CPUs  string
	Mem   string
	Disk  string
}

// Provider spawns local Multipass instances.
type Provider struct {
	opts Options
}

func New(opts Options) *Provider {
	return &Provider{opts: opts}
}

// Spawn implements platform.Provider. Multipass accepts the same
// shebang'd shell script as cloud-init user-data that the cloud
// providers accept as instance user-data, so bootstrapScript needs no
// translation.
func (p *Provider) Spawn(ctx context.Context, bootstrapScript string) (net.IP, error) {
	cloudInitFile, err := os.CreateTemp("", "fleeting-cloud-init-*.sh")
	if err != nil {
		return nil, errors.Wrap(err, "writing cloud-init file")
	}
	defer os.Remove(cloudInitFile.Name())
	if _, err := cloudInitFile.WriteString(bootstrapScript); err != nil {
		cloudInitFile.Close()
		return nil, errors.Wrap(err, "writing cloud-init file")
	}
	if err := cloudInitFile.Close(); err != nil {
		return nil, errors.Wrap(err, "writing cloud-init file")
	}

	name := fmt.Sprintf("fleeting-%s", uuid.NewString())

	args := []string{"launch", "--name", name, "--cloud-init", cloudInitFile.Name()}
	if p.opts.CPUs != "" {
		args = append(args, "--cpus", p.opts.CPUs)
	}
	if p.opts.Mem != "" {
		args = append(args, "--memory", p.opts.Mem)
	}
	if p.opts.Disk != "" {
		args = append(args, "--disk", p.opts.Disk)
	}
	if p.opts.Image != "" {
		args = append(args, p.opts.Image)
	}

	plog.Infof("launching multipass instance %s", name)
	if _, err := runMultipass(ctx, args...); err != nil {
		return nil, errors.Wrap(err, "multipass launch")
	}

	ip, err := p.waitForIP(ctx, name)
	if err != nil {
		p.delete(name)
		return nil, err
	}

	plog.Infof("multipass instance %s reachable at %s", name, ip)
	return ip, nil
}

func (p *Provider) waitForIP(ctx context.Context, name string) (net.IP, error) {
	deadline := time.Now().Add(2 * time.Minute)
	for {
		ip, err := instanceIP(ctx, name)
		if err == nil && ip != nil {
			return ip, nil
		}

		if time.Now().After(deadline) {
			if err == nil {
				err = errors.New("no IPv4 address reported yet")
			}
			return nil, errors.Wrap(err, "timed out waiting for multipass instance IP")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

// instanceIP shells out to `multipass info --format csv` and parses
// the "IPv4" column, since Multipass has no stable JSON schema across
// releases but does guarantee the CSV header names.
func instanceIP(ctx context.Context, name string) (net.IP, error) {
	out, err := runMultipass(ctx, "info", name, "--format", "csv")
	if err != nil {
		return nil, err
	}
	return parseInfoCSV(out)
}

func parseInfoCSV(csvOutput string) (net.IP, error) {
	r := csv.NewReader(strings.NewReader(csvOutput))
	records, err := r.ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, "parsing multipass info output")
	}
	if len(records) < 2 {
		return nil, errors.New("multipass info returned no data rows")
	}

	header, row := records[0], records[1]
	for i, col := range header {
		if strings.EqualFold(col, "IPv4") && i < len(row) {
			ip := net.ParseIP(strings.TrimSpace(row[i]))
			if ip == nil {
				return nil, nil
			}
			return ip, nil
		}
	}
	return nil, errors.New("multipass info output had no IPv4 column")
}

func (p *Provider) delete(name string) {
	if _, err := runMultipass(context.Background(), "delete", "--purge", name); err != nil {
		plog.Errorf("deleting multipass instance %s after failed bring-up: %v", name, err)
	}
}

func runMultipass(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "multipass", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", errors.Wrapf(err, "multipass %s: %s", strings.Join(args, " "), strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
