// Package sweep holds the periodic control loops: job dispatch, retries and
// expiry, rollout batch advancement, and node liveness. Every loop claims
// the rows it intends to mutate with conditional updates, so any number of
// sweeper processes can run the same loops concurrently; an idle tick that
// claims nothing is the normal case, not an error.
package sweep

import (
	"context"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	sweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_sweep_runs_total",
		Help: "Sweep loop iterations by loop name and result",
	}, []string{"loop", "result"})

	sweepActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_sweep_actions_total",
		Help: "Rows advanced by sweep loops",
	}, []string{"loop", "action"})
)

// Loop is one periodic sweep: a name, a cadence, and a tick function that
// returns how many rows it advanced.
type Loop struct {
	Name     string
	Interval time.Duration
	Tick     func(ctx context.Context) (int, error)
}

// Run executes the loop until the context is cancelled. Start is jittered
// so multiple sweeper processes don't tick in lockstep.
func Run(ctx context.Context, logger zerolog.Logger, loop Loop) error {
	log := logger.With().Str("loop", loop.Name).Logger()

	jitter := time.Duration(rand.Int63n(int64(loop.Interval)))
	log.Info().Dur("interval", loop.Interval).Dur("jitter", jitter).Msg("starting sweep loop")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter):
	}

	ticker := time.NewTicker(loop.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("sweep loop stopped")
			return ctx.Err()
		case <-ticker.C:
			n, err := loop.Tick(ctx)
			if err != nil {
				sweepRuns.WithLabelValues(loop.Name, "error").Inc()
				log.Error().Err(err).Msg("sweep tick failed")
				continue
			}
			sweepRuns.WithLabelValues(loop.Name, "ok").Inc()
			if n > 0 {
				log.Info().Int("advanced", n).Msg("sweep tick")
			}
		}
	}
}
