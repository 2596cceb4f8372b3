package agent

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/pechorka/junction-agent/internal/cloud"
	"github.com/pechorka/junction-agent/internal/config"
	"github.com/pechorka/junction-agent/internal/tokens"
)

// TokenSource hands out valid access tokens and accepts registration input.
type TokenSource interface {
	EnsureValid(ctx context.Context) (string, error)
	Register(ctx context.Context, raw string) error
	Invalidate()
}

// Reporter pushes a telemetry payload to the cloud.
type Reporter interface {
	ReportHealth(ctx context.Context, accessToken string, report cloud.HealthReport) error
}

// StatsCollector samples system telemetry.
type StatsCollector interface {
	Collect(ctx context.Context) map[string]any
}

// Agent drives the periodic loops: telemetry reports on the report interval
// and token deadline checks on the check interval, so rotation happens even
// when reporting is infrequent. Registration credentials arrive on a channel
// (stdin prompt or watched file) and are consumed whenever the device is
// unregistered.
type Agent struct {
	tokens      TokenSource
	reporter    Reporter
	stats       StatsCollector
	credentials <-chan string
	timing      config.Timing
	log         *logrus.Entry

	mu           sync.Mutex
	sensors      map[string]any
	lastReportAt time.Time
}

type Config struct {
	Tokens      TokenSource
	Reporter    Reporter
	Stats       StatsCollector
	Credentials <-chan string
	Timing      config.Timing
	Log         *logrus.Logger
}

func New(cfg Config) *Agent {
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	return &Agent{
		tokens:      cfg.Tokens,
		reporter:    cfg.Reporter,
		stats:       cfg.Stats,
		credentials: cfg.Credentials,
		timing:      cfg.Timing,
		log:         cfg.Log.WithField("component", "agent"),
		sensors:     make(map[string]any),
	}
}

// AddSensor attaches an extra reading to the next telemetry report. Sensors
// are cleared after a successful send.
func (a *Agent) AddSensor(key string, value any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sensors[key] = value
}

// LastReportAt returns the time of the last successful telemetry send.
func (a *Agent) LastReportAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastReportAt
}

// Run blocks until ctx is cancelled. In-flight exchanges complete before it
// returns; the token manager's mutex guarantees no teardown mid-write.
func (a *Agent) Run(ctx context.Context) error {
	reportTick := time.NewTicker(a.timing.ReportInterval)
	defer reportTick.Stop()
	checkTick := time.NewTicker(a.timing.CheckInterval)
	defer checkTick.Stop()

	a.log.WithFields(logrus.Fields{
		"report_interval": a.timing.ReportInterval,
		"check_interval":  a.timing.CheckInterval,
	}).Info("agent started")

	for {
		select {
		case <-ctx.Done():
			a.log.Info("agent stopping")
			return ctx.Err()
		case raw := <-a.credentials:
			a.register(ctx, raw)
		case <-checkTick.C:
			a.checkDeadlines(ctx)
		case <-reportTick.C:
			a.report(ctx)
		}
	}
}

func (a *Agent) register(ctx context.Context, raw string) {
	err := a.tokens.Register(ctx, raw)
	switch {
	case err == nil:
		// report right away instead of waiting out a full interval
		a.report(ctx)
	case errors.Is(err, tokens.ErrInvalidCredential):
		a.log.WithError(err).Error("registration credential rejected, waiting for a new one")
	default:
		a.log.WithError(err).Warn("registration failed, retry with the same credential later")
	}
}

// checkDeadlines drives renewal independently of the reporting cadence.
func (a *Agent) checkDeadlines(ctx context.Context) {
	_, err := a.tokens.EnsureValid(ctx)
	if err != nil && !errors.Is(err, tokens.ErrUnregistered) {
		a.log.WithError(err).Debug("deadline check failed, will retry")
	}
}

func (a *Agent) report(ctx context.Context) {
	token, err := a.tokens.EnsureValid(ctx)
	switch {
	case errors.Is(err, tokens.ErrUnregistered):
		a.log.Info("not registered, waiting for a registration credential")
		return
	case err != nil:
		a.log.WithError(err).Warn("skipping report, no valid token this cycle")
		return
	}

	report := cloud.HealthReport{
		Status:     "online",
		SensorData: a.stats.Collect(ctx),
	}
	a.mu.Lock()
	sent := make([]string, 0, len(a.sensors))
	for k, v := range a.sensors {
		report.SensorData[k] = v
		sent = append(sent, k)
	}
	a.mu.Unlock()

	if err := a.reporter.ReportHealth(ctx, token, report); err != nil {
		if errors.Is(err, cloud.ErrUnauthorized) {
			// revoked between issuance and use
			a.log.Warn("report rejected, invalidating tokens")
			a.tokens.Invalidate()
			return
		}
		a.log.WithError(err).Warn("report failed, will retry next cycle")
		return
	}

	a.mu.Lock()
	// clear only what was sent; readings added mid-send go out next cycle
	for _, k := range sent {
		delete(a.sensors, k)
	}
	a.lastReportAt = time.Now().UTC()
	a.mu.Unlock()
	a.log.Debug("report sent")
}
