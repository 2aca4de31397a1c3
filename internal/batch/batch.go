// Package batch fans per-host workflows out under a concurrency bound.
// A host's failure is recorded in its slot and never cancels siblings.
package batch

import (
	"context"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/ripcord/internal/inventory"
	"github.com/rcourtman/ripcord/internal/logging"
)

// Result pairs a host with whatever its workflow produced. Outcome is valid
// even when Err is set; cycles report how far they got.
type Result[T any] struct {
	Host    inventory.Host
	Outcome T
	Err     error
}

// Run executes fn for every host with at most limit workflows in flight.
// Results come back in input order. A limit below 1 is pinned to 1, which
// is also how strictly sequential cycles are requested. Each workflow's
// context carries a fresh request ID so its remote command logs correlate.
func Run[T any](ctx context.Context, hosts []inventory.Host, limit int, fn func(context.Context, inventory.Host) (T, error)) []Result[T] {
	if limit < 1 {
		limit = 1
	}

	results := make([]Result[T], len(hosts))

	var g errgroup.Group
	g.SetLimit(limit)

	for i, host := range hosts {
		g.Go(func() error {
			hostCtx, requestID := logging.WithRequestID(ctx, "")
			outcome, err := fn(hostCtx, host)
			results[i] = Result[T]{Host: host, Outcome: outcome, Err: err}
			if err != nil {
				log.Error().Str("host", host.Name).Str("requestID", requestID).Err(err).Msg("Host workflow failed")
			}
			return nil
		})
	}

	// Workers always return nil; failures live in the results.
	_ = g.Wait()
	return results
}

// Failed counts the results that carry an error.
func Failed[T any](results []Result[T]) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}
