package inventory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rcourtman/ripcord/pkg/vsphere"
	"github.com/rs/zerolog/log"
)

// identityWorkers bounds concurrent guest-identity requests while the index
// is built.
const identityWorkers = 8

// PlatformClient is the slice of the vCenter client the index needs.
type PlatformClient interface {
	ListDatacenters(ctx context.Context) ([]vsphere.Datacenter, error)
	ListVMs(ctx context.Context, datacenter string) ([]vsphere.VMSummary, error)
	GetGuestIdentity(ctx context.Context, vmID string) (*vsphere.GuestIdentity, error)
}

// VMRecord is one VM of the platform inventory, flattened for matching.
type VMRecord struct {
	VMID       string
	Name       string
	Datacenter string
	PowerState string
	HostName   string
	IPAddress  string
}

// VMIndex is the platform inventory fetched once per run and shared
// read-only by every host workflow. It is never refreshed mid-run.
type VMIndex struct {
	records   []VMRecord
	fetchedAt time.Time
}

// ResolvedHost is an inventory host bound to exactly one platform VM.
type ResolvedHost struct {
	Host
	VMID       string
	VMName     string
	Datacenter string
}

// BuildVMIndex lists every datacenter's VMs and collects guest identities for
// the powered-on ones. VMs whose identity cannot be read (no VMware Tools,
// powered off) stay in the index without an address and can never match.
func BuildVMIndex(ctx context.Context, client PlatformClient) (*VMIndex, error) {
	datacenters, err := client.ListDatacenters(ctx)
	if err != nil {
		return nil, err
	}

	var records []VMRecord
	for _, dc := range datacenters {
		vms, err := client.ListVMs(ctx, dc.ID)
		if err != nil {
			return nil, err
		}
		for _, vm := range vms {
			records = append(records, VMRecord{
				VMID:       vm.VM,
				Name:       vm.Name,
				Datacenter: dc.Name,
				PowerState: vm.PowerState,
			})
		}
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, identityWorkers)
	)

	for i := range records {
		if records[i].PowerState != "POWERED_ON" {
			continue
		}
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(rec *VMRecord) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			identity, err := client.GetGuestIdentity(ctx, rec.VMID)
			if err != nil {
				log.Debug().
					Str("vm", rec.VMID).
					Str("name", rec.Name).
					Err(err).
					Msg("Guest identity unavailable, VM cannot be matched by address")
				return
			}

			mu.Lock()
			rec.HostName = identity.HostName
			rec.IPAddress = identity.IPAddress
			mu.Unlock()
		}(&records[i])
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	log.Info().
		Int("vms", len(records)).
		Int("datacenters", len(datacenters)).
		Msg("Platform VM index built")

	return &VMIndex{records: records, fetchedAt: time.Now()}, nil
}

// Len returns the number of indexed VMs.
func (ix *VMIndex) Len() int {
	return len(ix.records)
}

// FetchedAt returns when the index was built.
func (ix *VMIndex) FetchedAt() time.Time {
	return ix.fetchedAt
}

// Matches returns every VM whose reported identity matches the address,
// either by IP or by hostname (case-insensitive, FQDN or short name).
// Callers enforce the exactly-one invariant.
func (ix *VMIndex) Matches(address string) []VMRecord {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil
	}

	var matches []VMRecord
	for _, rec := range ix.records {
		if rec.IPAddress == "" && rec.HostName == "" {
			continue
		}
		if rec.IPAddress == address || hostnameMatch(rec.HostName, address) {
			matches = append(matches, rec)
		}
	}
	return matches
}

// hostnameMatch compares a guest-reported hostname with an inventory address.
// "web01.example.com" matches both itself and "web01".
func hostnameMatch(reported, address string) bool {
	if reported == "" {
		return false
	}
	if strings.EqualFold(reported, address) {
		return true
	}
	short, _, found := strings.Cut(reported, ".")
	return found && strings.EqualFold(short, address)
}
