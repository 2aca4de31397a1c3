package inventory

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/rcourtman/ripcord/pkg/vsphere"
)

type fakePlatform struct {
	datacenters []vsphere.Datacenter
	vms         map[string][]vsphere.VMSummary // by datacenter ID
	identities  map[string]*vsphere.GuestIdentity

	mu            sync.Mutex
	identityCalls []string
}

func (f *fakePlatform) ListDatacenters(ctx context.Context) ([]vsphere.Datacenter, error) {
	return f.datacenters, nil
}

func (f *fakePlatform) ListVMs(ctx context.Context, datacenter string) ([]vsphere.VMSummary, error) {
	return f.vms[datacenter], nil
}

func (f *fakePlatform) GetGuestIdentity(ctx context.Context, vmID string) (*vsphere.GuestIdentity, error) {
	f.mu.Lock()
	f.identityCalls = append(f.identityCalls, vmID)
	f.mu.Unlock()

	identity, ok := f.identities[vmID]
	if !ok {
		return nil, fmt.Errorf("tools not running in %s", vmID)
	}
	return identity, nil
}

func testPlatform() *fakePlatform {
	return &fakePlatform{
		datacenters: []vsphere.Datacenter{{ID: "datacenter-3", Name: "dc-main"}},
		vms: map[string][]vsphere.VMSummary{
			"datacenter-3": {
				{VM: "vm-10", Name: "web01", PowerState: "POWERED_ON"},
				{VM: "vm-11", Name: "web01-clone", PowerState: "POWERED_ON"},
				{VM: "vm-12", Name: "db01", PowerState: "POWERED_ON"},
				{VM: "vm-13", Name: "retired", PowerState: "POWERED_OFF"},
				{VM: "vm-14", Name: "toolless", PowerState: "POWERED_ON"},
			},
		},
		identities: map[string]*vsphere.GuestIdentity{
			"vm-10": {HostName: "web01.example.com", IPAddress: "10.20.0.11"},
			"vm-11": {HostName: "web01-clone", IPAddress: "10.20.0.11"},
			"vm-12": {HostName: "DB01.example.com", IPAddress: "10.20.0.13"},
		},
	}
}

func TestBuildVMIndexSkipsUnidentifiableVMs(t *testing.T) {
	platform := testPlatform()

	ix, err := BuildVMIndex(context.Background(), platform)
	if err != nil {
		t.Fatalf("BuildVMIndex: %v", err)
	}

	if ix.Len() != 5 {
		t.Errorf("index size = %d, want 5", ix.Len())
	}

	// Powered-off VMs get no identity request.
	for _, id := range platform.identityCalls {
		if id == "vm-13" {
			t.Error("identity requested for powered-off VM")
		}
	}

	// A VM without tools stays but can never match.
	if got := ix.Matches("toolless"); len(got) != 0 {
		t.Errorf("toolless VM matched: %+v", got)
	}
}

func TestVMIndexMatches(t *testing.T) {
	ix, err := BuildVMIndex(context.Background(), testPlatform())
	if err != nil {
		t.Fatalf("BuildVMIndex: %v", err)
	}

	t.Run("by IP with duplicates", func(t *testing.T) {
		matches := ix.Matches("10.20.0.11")
		if len(matches) != 2 {
			t.Fatalf("got %d matches, want 2 (duplicate address must be visible)", len(matches))
		}
	})

	t.Run("by FQDN", func(t *testing.T) {
		matches := ix.Matches("web01.example.com")
		if len(matches) != 1 || matches[0].VMID != "vm-10" {
			t.Fatalf("matches = %+v", matches)
		}
		if matches[0].Datacenter != "dc-main" {
			t.Errorf("datacenter = %q", matches[0].Datacenter)
		}
	})

	t.Run("by short name case-insensitive", func(t *testing.T) {
		matches := ix.Matches("db01")
		if len(matches) != 1 || matches[0].VMID != "vm-12" {
			t.Fatalf("matches = %+v", matches)
		}
	})

	t.Run("no match", func(t *testing.T) {
		if matches := ix.Matches("10.99.0.1"); len(matches) != 0 {
			t.Fatalf("matches = %+v, want none", matches)
		}
	})

	t.Run("empty address", func(t *testing.T) {
		if matches := ix.Matches(""); len(matches) != 0 {
			t.Fatalf("matches = %+v, want none", matches)
		}
	})
}

func TestHostnameMatch(t *testing.T) {
	tests := []struct {
		reported string
		address  string
		want     bool
	}{
		{"web01.example.com", "web01.example.com", true},
		{"web01.example.com", "WEB01.EXAMPLE.COM", true},
		{"web01.example.com", "web01", true},
		{"web01", "web01", true},
		{"web01", "web01.example.com", false},
		{"", "web01", false},
		{"web010.example.com", "web01", false},
	}

	for _, tt := range tests {
		if got := hostnameMatch(tt.reported, tt.address); got != tt.want {
			t.Errorf("hostnameMatch(%q, %q) = %v, want %v", tt.reported, tt.address, got, tt.want)
		}
	}
}
