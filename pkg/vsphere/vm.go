package vsphere

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/rs/zerolog/log"
)

// Datacenter is one row of the vCenter datacenter list.
type Datacenter struct {
	ID   string `json:"datacenter"`
	Name string `json:"name"`
}

// VMSummary is one row of the vCenter VM list.
type VMSummary struct {
	VM         string `json:"vm"`
	Name       string `json:"name"`
	PowerState string `json:"power_state"`
	CPUCount   int    `json:"cpu_count,omitempty"`
	MemoryMiB  int64  `json:"memory_size_MiB,omitempty"`
}

// GuestIdentity is the Tools-reported identity of a powered-on guest.
type GuestIdentity struct {
	Family    string `json:"family"`
	Name      string `json:"name"`
	HostName  string `json:"host_name"`
	IPAddress string `json:"ip_address"`
}

// ListDatacenters returns all datacenters visible to the session.
func (c *Client) ListDatacenters(ctx context.Context) ([]Datacenter, error) {
	resp, err := c.get(ctx, "/api/vcenter/datacenter")
	if err != nil {
		return nil, fmt.Errorf("list datacenters: %w", err)
	}
	defer resp.Body.Close()

	var datacenters []Datacenter
	if err := json.NewDecoder(resp.Body).Decode(&datacenters); err != nil {
		return nil, fmt.Errorf("decode datacenter list: %w", err)
	}
	return datacenters, nil
}

// ListVMs returns VM summaries, optionally restricted to one datacenter.
// vCenter caps the unfiltered list at 4000 VMs, so large inventories should
// be listed per datacenter.
func (c *Client) ListVMs(ctx context.Context, datacenter string) ([]VMSummary, error) {
	path := "/api/vcenter/vm"
	if datacenter != "" {
		path += "?datacenters=" + url.QueryEscape(datacenter)
	}

	resp, err := c.get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("list VMs: %w", err)
	}
	defer resp.Body.Close()

	var vms []VMSummary
	if err := json.NewDecoder(resp.Body).Decode(&vms); err != nil {
		return nil, fmt.Errorf("decode VM list: %w", err)
	}

	log.Debug().
		Str("datacenter", datacenter).
		Int("count", len(vms)).
		Msg("vCenter VM list fetched")
	return vms, nil
}

// GetGuestIdentity returns the guest identity for a VM. vCenter rejects the
// call when VMware Tools is not running in the guest, so callers should treat
// a failure here as "identity unavailable" rather than fatal.
func (c *Client) GetGuestIdentity(ctx context.Context, vmID string) (*GuestIdentity, error) {
	resp, err := c.get(ctx, fmt.Sprintf("/api/vcenter/vm/%s/guest/identity", url.PathEscape(vmID)))
	if err != nil {
		return nil, fmt.Errorf("get guest identity for %s: %w", vmID, err)
	}
	defer resp.Body.Close()

	var identity GuestIdentity
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		return nil, fmt.Errorf("decode guest identity for %s: %w", vmID, err)
	}
	return &identity, nil
}
