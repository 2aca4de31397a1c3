package aix

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/ripcord/internal/remote"
)

const fetchTimeout = 10 * time.Minute

// Fetcher pulls epkg artifacts from the configured repository and stages
// them on managed hosts over the executor's SFTP channel.
type Fetcher struct {
	repoURL string
	client  *http.Client
}

// NewFetcher returns a Fetcher for the repository base URL. A nil client
// gets a default with a generous timeout; epkg bundles can be large.
func NewFetcher(repoURL string, client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	return &Fetcher{repoURL: repoURL, client: client}
}

// ArtifactSize asks the repository for the artifact's size without
// downloading it. The staging-space gate runs before any bytes move.
func (f *Fetcher) ArtifactSize(ctx context.Context, artifact string) (int64, error) {
	u, err := url.JoinPath(f.repoURL, artifact)
	if err != nil {
		return 0, fmt.Errorf("build artifact URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return 0, fmt.Errorf("create HEAD request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("HEAD %s: %w", artifact, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("HEAD %s: repository returned %s", artifact, resp.Status)
	}
	if resp.ContentLength < 0 {
		return 0, fmt.Errorf("HEAD %s: repository did not report a size", artifact)
	}
	return resp.ContentLength, nil
}

// Stage downloads the artifact and uploads it to stagingDir on the host,
// returning the staged path. The download streams straight through to the
// SFTP upload; nothing touches the local disk.
func (f *Fetcher) Stage(ctx context.Context, exec remote.Executor, artifact, stagingDir string) (string, error) {
	u, err := url.JoinPath(f.repoURL, artifact)
	if err != nil {
		return "", fmt.Errorf("build artifact URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("create GET request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("GET %s: %w", artifact, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("GET %s: repository returned %s: %s", artifact, resp.Status, string(body))
	}

	remotePath := path.Join(stagingDir, path.Base(artifact))
	log.Info().Str("artifact", artifact).Str("path", remotePath).
		Int64("bytes", resp.ContentLength).Msg("Staging ifix artifact")

	if err := exec.Upload(ctx, resp.Body, remotePath, 0o644); err != nil {
		return "", fmt.Errorf("stage %s: %w", artifact, err)
	}
	return remotePath, nil
}
