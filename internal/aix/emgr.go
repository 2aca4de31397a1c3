// Package aix drives the interim-fix (ifix) lifecycle on AIX LPARs through
// a remote executor: staging an epkg artifact, previewing it for lock
// conflicts, evicting conflicting ifixes, installing, and verifying the
// label after a reboot. All state lives on the host; emgr output is the
// only contract.
package aix

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/ripcord/internal/remote"
)

// Ifix is one installed interim fix as listed by emgr -l.
type Ifix struct {
	ID    int
	State string
	Label string
}

// LabelFromArtifact derives the ifix label from an epkg artifact name:
// the basename with the .Z or .epkg.Z suffix stripped.
func LabelFromArtifact(artifact string) string {
	base := path.Base(artifact)
	base = strings.TrimSuffix(base, ".epkg.Z")
	base = strings.TrimSuffix(base, ".Z")
	return base
}

// ListInstalled returns the ifixes currently installed on the host.
// A host with no ifix history exits non-zero with an empty listing; that
// counts as an empty list, not an error.
func ListInstalled(ctx context.Context, exec remote.Executor) ([]Ifix, error) {
	res, err := exec.Run(ctx, "emgr -l")
	if err != nil {
		return nil, fmt.Errorf("run emgr -l: %w", err)
	}
	if res.ExitCode != 0 {
		if strings.TrimSpace(res.Stdout) == "" {
			return nil, nil
		}
		return nil, fmt.Errorf("emgr -l exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return parseIfixList(res.Stdout), nil
}

// HasLabel reports whether label appears in the installed set.
func HasLabel(ifixes []Ifix, label string) bool {
	for _, fix := range ifixes {
		if fix.Label == label {
			return true
		}
	}
	return false
}

// parseIfixList reads the columnar emgr -l listing. Only the ID, STATE and
// LABEL columns matter; the install time and abstract are ignored.
//
//	ID  STATE LABEL      INSTALL TIME      UPDATED BY ABSTRACT
//	=== ===== ========== ================= ========== ============
//	1    S    IJ31234s1a 04/20/24 11:12:37            FIX FOR ...
func parseIfixList(out string) []Ifix {
	var ifixes []Ifix

	inBody := false
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "===") {
			inBody = true
			continue
		}
		if !inBody {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		ifixes = append(ifixes, Ifix{ID: id, State: fields[1], Label: fields[2]})
	}

	return ifixes
}

// Preview runs an install preview of the staged package and returns the
// labels of installed ifixes that lock filesets the package needs. A clean
// preview returns no conflicts; a preview that fails without naming lock
// holders is an error.
func Preview(ctx context.Context, exec remote.Executor, stagedPath string) ([]string, error) {
	res, err := exec.Run(ctx, fmt.Sprintf("emgr -p -e %s", stagedPath))
	if err != nil {
		return nil, fmt.Errorf("run emgr preview: %w", err)
	}
	if res.ExitCode == 0 {
		return nil, nil
	}

	conflicts := parsePreviewConflicts(res.Stdout)
	if len(conflicts) == 0 {
		return nil, fmt.Errorf("emgr preview exited %d with no lock conflicts reported: %s",
			res.ExitCode, tail(res.Stdout+res.Stderr, 400))
	}

	log.Info().Strs("conflicts", conflicts).Str("package", stagedPath).
		Msg("Preview found conflicting ifixes")
	return conflicts, nil
}

// parsePreviewConflicts extracts lock-holder labels from a failed preview.
// emgr reports lock conflicts either inline after a colon
//
//	... locked by efix(es): IJ11111s1a, IJ22222s1a
//
// or as an indented block following a "lock" sentence that ends in a colon:
//
//	The following efixes lock one or more filesets required by this package:
//
//	    IJ11111s1a
//	    IJ22222s1a
func parsePreviewConflicts(out string) []string {
	var labels []string
	seen := make(map[string]bool)

	add := func(token string) {
		token = strings.Trim(token, ".,;")
		if !validLabel(token) || seen[token] {
			return
		}
		seen[token] = true
		labels = append(labels, token)
	}

	inBlock := false
	for _, line := range strings.Split(out, "\n") {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)

		if inBlock {
			fields := strings.Fields(trimmed)
			switch {
			case trimmed == "":
				// blank lines may separate the heading from the labels
				continue
			case len(fields) == 1 && validLabel(strings.Trim(fields[0], ".,;")):
				add(fields[0])
				continue
			default:
				inBlock = false
			}
		}

		if !strings.Contains(lower, "lock") || !strings.Contains(lower, "fix") {
			continue
		}

		if idx := strings.LastIndex(trimmed, ":"); idx >= 0 && idx < len(trimmed)-1 {
			for _, token := range strings.FieldsFunc(trimmed[idx+1:], func(r rune) bool {
				return r == ' ' || r == ',' || r == '\t'
			}) {
				add(token)
			}
			continue
		}
		if strings.HasSuffix(trimmed, ":") {
			inBlock = true
		}
	}

	return labels
}

// validLabel accepts emgr label tokens: IJ31234s1a and the like.
func validLabel(token string) bool {
	if len(token) < 2 {
		return false
	}
	for _, r := range token {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '.' || r == '-':
		default:
			return false
		}
	}
	return true
}

// Remove removes the ifix with the given label. The returned bool reports
// whether emgr flagged a required reboot for the removal.
func Remove(ctx context.Context, exec remote.Executor, label string) (bool, error) {
	log.Info().Str("label", label).Msg("Removing conflicting ifix")

	res, err := exec.Run(ctx, fmt.Sprintf("emgr -r -L %s", label))
	if err != nil {
		return false, fmt.Errorf("run emgr remove: %w", err)
	}
	if res.ExitCode != 0 {
		return false, fmt.Errorf("emgr remove %s exited %d: %s", label, res.ExitCode, tail(res.Stdout+res.Stderr, 400))
	}
	return rebootSignaled(res.Stdout), nil
}

// Install installs the staged package. The returned bool reports whether
// emgr flagged a required reboot.
func Install(ctx context.Context, exec remote.Executor, stagedPath string) (bool, error) {
	log.Info().Str("package", stagedPath).Msg("Installing ifix")

	res, err := exec.Run(ctx, fmt.Sprintf("emgr -e %s", stagedPath))
	if err != nil {
		return false, fmt.Errorf("run emgr install: %w", err)
	}
	if res.ExitCode != 0 {
		return false, fmt.Errorf("emgr install exited %d: %s", res.ExitCode, tail(res.Stdout+res.Stderr, 400))
	}
	return rebootSignaled(res.Stdout), nil
}

// rebootSignaled reports whether an emgr operation log demands a reboot.
// emgr prints an ATTENTION sentence containing "reboot is required" and
// also exposes a "REBOOT REQUIRED: yes" package attribute.
func rebootSignaled(out string) bool {
	lower := strings.ToLower(out)
	if strings.Contains(lower, "reboot is required") {
		return true
	}
	return strings.Contains(lower, "reboot required: yes")
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
