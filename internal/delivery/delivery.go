// Package delivery ships finished report artifacts to outside systems. Delivery is
// best effort: failures are reported to the caller but never change job status.
package delivery

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"report-scheduler/internal/config"
	"report-scheduler/internal/errs"
	"report-scheduler/internal/telemetry"
)

// Artifact is a rendered report ready to send.
type Artifact struct {
	JobID   int64
	JobName string
	Owner   string
	RunID   string
	Path    string
}

// Sink is one delivery target.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, a Artifact) error
}

// Multi sends an artifact to every sink in order, throttled by a shared limiter.
type Multi struct {
	sinks   []Sink
	limiter *rate.Limiter
	timeout time.Duration
	log     zerolog.Logger
}

// NewMulti wraps sinks. ratePerSec <= 0 disables throttling.
func NewMulti(sinks []Sink, ratePerSec float64, timeout time.Duration, log zerolog.Logger) *Multi {
	lim := rate.NewLimiter(rate.Inf, 0)
	if ratePerSec > 0 {
		burst := int(ratePerSec)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(ratePerSec), burst)
	}
	return &Multi{sinks: sinks, limiter: lim, timeout: timeout, log: log}
}

// New builds the sinks enabled in cfg.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger) (*Multi, error) {
	client := &http.Client{Timeout: cfg.DeliveryTimeout}
	var sinks []Sink
	if cfg.WebhookURL != "" {
		sinks = append(sinks, NewWebhook(client, cfg.WebhookURL, cfg.WebhookChannel))
	}
	if cfg.FileServerURL != "" {
		sinks = append(sinks, NewFileServer(client, cfg.FileServerURL))
	}
	if cfg.S3Bucket != "" {
		s3, err := NewS3(ctx, cfg)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s3)
	}
	m := NewMulti(sinks, cfg.DeliveryRatePerSec, cfg.DeliveryTimeout, log)
	names := make([]string, len(sinks))
	for i, s := range sinks {
		names[i] = s.Name()
	}
	log.Info().Strs("sinks", names).Msg("delivery configured")
	return m, nil
}

// Enabled reports whether any sink is configured.
func (m *Multi) Enabled() bool { return m != nil && len(m.sinks) > 0 }

// Deliver tries every sink and joins their errors.
func (m *Multi) Deliver(ctx context.Context, a Artifact) error {
	if !m.Enabled() {
		return nil
	}
	var all error
	for _, s := range m.sinks {
		if err := m.limiter.Wait(ctx); err != nil {
			return errs.Join(all, errs.Wrap(err, "delivery throttle"))
		}
		err := m.deliverOne(ctx, s, a)
		if err != nil {
			telemetry.DeliveryFailures.WithLabelValues(s.Name()).Inc()
			all = errs.Join(all, errs.Wrap(err, s.Name()))
			continue
		}
		m.log.Debug().Int64("job_id", a.JobID).Str("sink", s.Name()).Msg("artifact delivered")
	}
	return all
}

func (m *Multi) deliverOne(ctx context.Context, s Sink, a Artifact) error {
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	return s.Deliver(ctx, a)
}
