// Package gce implements the VM Provider capability (spec §4.7) on
// Google Compute Engine, adapted from the teacher's
// platform/api/gcloud wrapper: the same image-reference normalization
// and compute/v1 client construction, narrowed to the single Spawn
// operation this tool needs and using Application Default Credentials
// instead of the interactive OAuth flow the teacher's test harness
// uses.
package gce

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/coreos/pkg/capnslog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/oauth2/google"
	compute "google.golang.org/api/compute/v1"
	"google.golang.org/api/option"
)

var plog = capnslog.NewPackageLogger("github.com/jakajancar/fleeting", "platform/gce")

const firewallName = "fleeting"

// Options selects the GCE image and shape to launch.
type Options struct {
	Project     string
	Zone        string
	MachineType string
	Image       string // short name, "projects/..." path, or full API endpoint
	Network     string // defaults to "default"
}

// Provider spawns VMs on Google Compute Engine.
type Provider struct {
	compute *compute.Service
	opts    Options
}

// New builds a Provider authenticated via Application Default
// Credentials (GOOGLE_APPLICATION_CREDENTIALS or the ambient
// environment), matching the teacher's normalization of opts.Image
// into a full API endpoint.
func New(ctx context.Context, opts Options) (*Provider, error) {
	image, err := normalizeImage(opts.Project, opts.Image)
	if err != nil {
		return nil, err
	}
	opts.Image = image
	if opts.Network == "" {
		opts.Network = "default"
	}

	client, err := google.DefaultClient(ctx, compute.ComputeScope)
	if err != nil {
		return nil, errors.Wrap(err, "building google default credentials client")
	}

	svc, err := compute.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, errors.Wrap(err, "building compute service")
	}

	return &Provider{compute: svc, opts: opts}, nil
}

// normalizeImage turns a short image name, a "projects/..." path, or
// an already-full API endpoint into the full endpoint the Instance
// resource expects, matching the teacher's platform/api/gcloud.New.
func normalizeImage(project, image string) (string, error) {
	const endpointPrefix = "https://www.googleapis.com/compute/v1/"

	switch {
	case strings.HasPrefix(image, "projects/"):
		return endpointPrefix + image, nil
	case !strings.Contains(image, "/"):
		return fmt.Sprintf("%sprojects/%s/global/images/%s", endpointPrefix, project, image), nil
	case strings.HasPrefix(image, endpointPrefix):
		return image, nil
	default:
		return "", errors.New("GCE image must be a short name, a projects/... path, or the full API endpoint")
	}
}

// Spawn implements platform.Provider.
func (p *Provider) Spawn(ctx context.Context, bootstrapScript string) (net.IP, error) {
	if err := p.ensureFirewall(ctx); err != nil {
		return nil, errors.Wrap(err, "resolving firewall rule")
	}

	networkURL := fmt.Sprintf("projects/%s/global/networks/%s", p.opts.Project, p.opts.Network)

	inst := &compute.Instance{
		Name:        fmt.Sprintf("fleeting-%s", uuid.NewString()),
		MachineType: fmt.Sprintf("zones/%s/machineTypes/%s", p.opts.Zone, p.opts.MachineType),
		Disks: []*compute.AttachedDisk{{
			Boot:       true,
			AutoDelete: true,
			InitializeParams: &compute.AttachedDiskInitializeParams{
				SourceImage: p.opts.Image,
			},
		}},
		NetworkInterfaces: []*compute.NetworkInterface{{
			Network: networkURL,
			AccessConfigs: []*compute.AccessConfig{{
				Type: "ONE_TO_ONE_NAT",
				Name: "External NAT",
			}},
		}},
		Metadata: &compute.Metadata{
			Items: []*compute.MetadataItems{{
				Key:   "startup-script",
				Value: &bootstrapScript,
			}},
		},
		Labels: map[string]string{"name": "fleeting"},
		// AutomaticRestart is off, so Compute Engine does not restart
		// the instance by itself. When the watchdog inside
		// bootstrapScript shuts the guest OS down, the instance stops
		// (TERMINATED state); it and its boot disk are not deleted.
		Scheduling: &compute.Scheduling{AutomaticRestart: new(bool)},
	}

	op, err := p.compute.Instances.Insert(p.opts.Project, p.opts.Zone, inst).Context(ctx).Do()
	if err != nil {
		return nil, errors.Wrap(err, "inserting instance")
	}
	if err := p.waitZoneOp(ctx, op); err != nil {
		return nil, errors.Wrap(err, "waiting for instance insertion")
	}

	ip, err := p.waitForExternalIP(ctx, inst.Name)
	if err != nil {
		p.deleteInstance(inst.Name)
		return nil, err
	}

	plog.Infof("spawned instance %s at %s", inst.Name, ip)
	return ip, nil
}

func (p *Provider) waitForExternalIP(ctx context.Context, name string) (net.IP, error) {
	deadline := time.Now().Add(5 * time.Minute)
	for {
		inst, err := p.compute.Instances.Get(p.opts.Project, p.opts.Zone, name).Context(ctx).Do()
		if err == nil {
			for _, ni := range inst.NetworkInterfaces {
				for _, ac := range ni.AccessConfigs {
					if ac.NatIP != "" {
						if ip := net.ParseIP(ac.NatIP); ip != nil {
							return ip, nil
						}
					}
				}
			}
		}

		if time.Now().After(deadline) {
			return nil, errors.New("timed out waiting for an external IP address")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
}

func (p *Provider) deleteInstance(name string) {
	_, err := p.compute.Instances.Delete(p.opts.Project, p.opts.Zone, name).Do()
	if err != nil {
		plog.Errorf("deleting instance %s after failed bring-up: %v", name, err)
	}
}

// ensureFirewall creates a firewall rule opening tcp/22 and tcp/2376,
// mirroring the dynamic security-group resolution this tool uses on
// AWS (spec §9 open question).
func (p *Provider) ensureFirewall(ctx context.Context) error {
	_, err := p.compute.Firewalls.Get(p.opts.Project, firewallName).Context(ctx).Do()
	if err == nil {
		return nil
	}

	fw := &compute.Firewall{
		Name:         firewallName,
		Network:      fmt.Sprintf("projects/%s/global/networks/%s", p.opts.Project, p.opts.Network),
		SourceRanges: []string{"0.0.0.0/0"},
		Allowed: []*compute.FirewallAllowed{{
			IPProtocol: "tcp",
			Ports:      []string{"22", "2376"},
		}},
	}
	op, err := p.compute.Firewalls.Insert(p.opts.Project, fw).Context(ctx).Do()
	if err != nil {
		return errors.Wrap(err, "creating firewall rule")
	}
	return p.waitGlobalOp(ctx, op)
}

func (p *Provider) waitZoneOp(ctx context.Context, op *compute.Operation) error {
	for {
		cur, err := p.compute.ZoneOperations.Get(p.opts.Project, p.opts.Zone, op.Name).Context(ctx).Do()
		if err != nil {
			return err
		}
		if cur.Status == "DONE" {
			if cur.Error != nil && len(cur.Error.Errors) > 0 {
				return errors.Errorf("operation %s failed: %s", op.Name, cur.Error.Errors[0].Message)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (p *Provider) waitGlobalOp(ctx context.Context, op *compute.Operation) error {
	for {
		cur, err := p.compute.GlobalOperations.Get(p.opts.Project, op.Name).Context(ctx).Do()
		if err != nil {
			return err
		}
		if cur.Status == "DONE" {
			if cur.Error != nil && len(cur.Error.Errors) > 0 {
				return errors.Errorf("operation %s failed: %s", op.Name, cur.Error.Errors[0].Message)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}
