// Package platform defines the VM Provider capability (spec §4.7):
// the one point of contact between the bring-up orchestrator and a
// specific cloud (or local hypervisor) backend.
package platform

import (
	"context"
	"net"
)

// Provider spawns a fresh VM running the given bootstrap script and
// returns its reachable IPv4 address. Implementations are expected to
// open a firewall/security group for tcp/22 and tcp/2376, arrange for
// the VM's own shutdown to tear itself down, and tag whatever
// resources they create with the name "fleeting" (spec §4.7).
//
// bootstrapScript is plain shell text; implementations are
// responsible for any encoding (e.g. base64) their backend's
// user-data mechanism requires.
type Provider interface {
	Spawn(ctx context.Context, bootstrapScript string) (net.IP, error)
}
