// Package inventory loads the managed-host file and resolves hosts against
// the virtualization platform's VM inventory.
package inventory

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"gopkg.in/yaml.v3"
)

// Platform names accepted in the inventory file.
const (
	PlatformLinux = "linux"
	PlatformAIX   = "aix"
)

// ErrNoScope is returned when host selection is attempted without an
// explicit pattern. There is no implicit "all hosts".
var ErrNoScope = errors.New("host selection requires an explicit --limit pattern")

// Host is one managed host from the inventory file.
type Host struct {
	Name     string `yaml:"name"`
	Address  string `yaml:"address"`
	Platform string `yaml:"platform,omitempty"` // "linux" (default) or "aix"

	// Optional per-host SSH overrides.
	User    string `yaml:"user,omitempty"`
	Port    int    `yaml:"port,omitempty"`
	KeyPath string `yaml:"key_path,omitempty"`
}

// IsAIX reports whether the host is an AIX LPAR. LPARs are not VMware guests
// and skip VM resolution and snapshot handling entirely.
func (h Host) IsAIX() bool {
	return h.Platform == PlatformAIX
}

// Inventory holds the managed hosts.
type Inventory struct {
	Hosts []Host `yaml:"hosts"`
}

// Load reads and validates the inventory file.
func Load(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory file %s: %w", path, err)
	}

	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("parse inventory file %s: %w", path, err)
	}

	if err := inv.validate(); err != nil {
		return nil, fmt.Errorf("invalid inventory file %s: %w", path, err)
	}
	return &inv, nil
}

func (inv *Inventory) validate() error {
	seen := make(map[string]bool, len(inv.Hosts))

	for i := range inv.Hosts {
		h := &inv.Hosts[i]
		h.Name = strings.TrimSpace(h.Name)
		h.Address = strings.TrimSpace(h.Address)

		if h.Name == "" {
			return fmt.Errorf("host %d has no name", i+1)
		}
		if seen[h.Name] {
			return fmt.Errorf("duplicate host name %q", h.Name)
		}
		seen[h.Name] = true

		if h.Address == "" {
			return fmt.Errorf("host %q has no address", h.Name)
		}

		switch h.Platform {
		case "":
			h.Platform = PlatformLinux
		case PlatformLinux, PlatformAIX:
		default:
			return fmt.Errorf("host %q has unknown platform %q", h.Name, h.Platform)
		}

		if h.Port < 0 || h.Port > 65535 {
			return fmt.Errorf("host %q has invalid port %d", h.Name, h.Port)
		}
	}
	return nil
}

// Select returns the hosts whose names match the wildcard pattern, in file
// order. An empty pattern is rejected; '*' is an explicit everything.
func (inv *Inventory) Select(pattern string) ([]Host, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, ErrNoScope
	}

	var selected []Host
	for _, h := range inv.Hosts {
		if wildcard.Match(pattern, h.Name) {
			selected = append(selected, h)
		}
	}

	if len(selected) == 0 {
		return nil, fmt.Errorf("no inventory host matches %q", pattern)
	}
	return selected, nil
}
