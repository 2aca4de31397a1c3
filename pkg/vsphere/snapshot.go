package vsphere

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// Snapshot is one entry of a VM's snapshot list.
type Snapshot struct {
	ID          string    `json:"snapshot"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreateTime  time.Time `json:"create_time"`
	Size        int64     `json:"size,omitempty"`
}

// CreateSnapshotSpec describes the snapshot to create. Quiesce requires
// VMware Tools in the guest and flushes filesystem buffers before the
// snapshot is taken.
type CreateSnapshotSpec struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Memory      bool   `json:"memory"`
	Quiesce     bool   `json:"quiesce"`
}

// ListSnapshots returns all snapshots of a VM, oldest first.
func (c *Client) ListSnapshots(ctx context.Context, vmID string) ([]Snapshot, error) {
	resp, err := c.get(ctx, fmt.Sprintf("/api/vcenter/vm/%s/snapshots", url.PathEscape(vmID)))
	if err != nil {
		return nil, fmt.Errorf("list snapshots for %s: %w", vmID, err)
	}
	defer resp.Body.Close()

	var snapshots []Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshots); err != nil {
		return nil, fmt.Errorf("decode snapshot list for %s: %w", vmID, err)
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].CreateTime.Before(snapshots[j].CreateTime)
	})
	return snapshots, nil
}

// GetCurrentSnapshot returns the newest snapshot of the VM, which under the
// linear chains this tool creates is the platform's current restore point.
// It returns nil when the VM has no snapshots.
func (c *Client) GetCurrentSnapshot(ctx context.Context, vmID string) (*Snapshot, error) {
	snapshots, err := c.ListSnapshots(ctx, vmID)
	if err != nil {
		return nil, err
	}
	if len(snapshots) == 0 {
		return nil, nil
	}
	return &snapshots[len(snapshots)-1], nil
}

// CreateSnapshot creates a snapshot and returns its ID.
func (c *Client) CreateSnapshot(ctx context.Context, vmID string, spec CreateSnapshotSpec) (string, error) {
	log.Info().
		Str("vm", vmID).
		Str("name", spec.Name).
		Bool("quiesce", spec.Quiesce).
		Bool("memory", spec.Memory).
		Msg("Creating VM snapshot")

	resp, err := c.post(ctx, fmt.Sprintf("/api/vcenter/vm/%s/snapshots", url.PathEscape(vmID)), spec)
	if err != nil {
		return "", fmt.Errorf("create snapshot %q for %s: %w", spec.Name, vmID, err)
	}
	defer resp.Body.Close()

	// The create endpoint returns the new snapshot ID as a bare JSON string.
	var snapshotID string
	if err := json.NewDecoder(resp.Body).Decode(&snapshotID); err != nil {
		return "", fmt.Errorf("decode snapshot ID for %s: %w", vmID, err)
	}
	if snapshotID == "" {
		return "", fmt.Errorf("vcenter returned an empty snapshot ID for %s", vmID)
	}

	log.Info().
		Str("vm", vmID).
		Str("name", spec.Name).
		Str("snapshot", snapshotID).
		Msg("VM snapshot created")
	return snapshotID, nil
}

// DeleteSnapshot removes a snapshot by ID.
func (c *Client) DeleteSnapshot(ctx context.Context, vmID, snapshotID string) error {
	log.Info().
		Str("vm", vmID).
		Str("snapshot", snapshotID).
		Msg("Deleting VM snapshot")

	resp, err := c.delete(ctx, fmt.Sprintf("/api/vcenter/vm/%s/snapshots/%s",
		url.PathEscape(vmID), url.PathEscape(snapshotID)))
	if err != nil {
		return fmt.Errorf("delete snapshot %s for %s: %w", snapshotID, vmID, err)
	}
	resp.Body.Close()
	return nil
}
