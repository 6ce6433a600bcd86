package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"report-scheduler/internal/models"
	"report-scheduler/internal/store"
	"report-scheduler/internal/telemetry"
)

// Scanner finds REGISTERED jobs due in [now-backfill, now+lookahead) and hands
// them to the dispatcher.
type Scanner struct {
	st        store.Store
	disp      *Dispatcher
	lookahead time.Duration
	backfill  time.Duration
	log       zerolog.Logger
}

func NewScanner(st store.Store, disp *Dispatcher, lookahead, backfill time.Duration, log zerolog.Logger) *Scanner {
	return &Scanner{st: st, disp: disp, lookahead: lookahead, backfill: backfill, log: log}
}

// Scan runs one tick and returns how many jobs were newly armed. A store error
// skips the tick; the next tick tries again.
func (s *Scanner) Scan(ctx context.Context, now time.Time) (int, error) {
	start, end := now.Add(-s.backfill), now.Add(s.lookahead)
	jobs, err := s.st.ListDue(ctx, start, end, models.StatusRegistered)
	if err != nil {
		telemetry.ScanErrors.Inc()
		s.log.Error().Err(err).Msg("scan skipped")
		return 0, err
	}
	armed := 0
	for _, j := range jobs {
		if s.disp.Schedule(j) {
			armed++
			telemetry.JobsDispatched.Inc()
		}
	}
	if armed > 0 {
		s.log.Info().Int("found", len(jobs)).Int("armed", armed).Time("until", end).Msg("scan")
	} else {
		s.log.Debug().Int("found", len(jobs)).Msg("scan")
	}
	return armed, nil
}
