package report

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/rs/zerolog/log"
)

// Push publishes run-level metrics to a Pushgateway, grouped by cycle so a
// later run of the same cycle replaces the group. Callers treat a push
// failure as a warning; the run already succeeded or failed on its own.
func Push(ctx context.Context, gatewayURL string, run *Run) error {
	reg := prometheus.NewRegistry()

	hosts := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ripcord_run_hosts",
		Help: "Hosts in the last run by result status.",
	}, []string{"status"})
	duration := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ripcord_run_duration_seconds",
		Help: "Wall-clock duration of the last run.",
	})
	completed := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ripcord_run_completed_timestamp_seconds",
		Help: "Unix time the last run finished.",
	})
	reg.MustRegister(hosts, duration, completed)

	counts := map[string]int{StatusOK: 0, StatusFailed: 0, StatusSkipped: 0}
	for _, h := range run.Hosts {
		counts[h.Status]++
	}
	for status, n := range counts {
		hosts.WithLabelValues(status).Set(float64(n))
	}
	duration.Set(run.Duration().Seconds())
	completed.Set(float64(run.FinishedAt.Unix()))

	err := push.New(gatewayURL, "ripcord").
		Gatherer(reg).
		Grouping("cycle", run.Cycle).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("push run metrics: %w", err)
	}

	log.Debug().Str("runId", run.ID).Str("gateway", gatewayURL).Msg("Run metrics pushed")
	return nil
}
