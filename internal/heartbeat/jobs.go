package heartbeat

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Maintenance runs periodic housekeeping jobs on cron schedules. Each job
// is skipped if its previous run has not finished.
type Maintenance struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
}

// NewMaintenance creates a job runner. Schedules use the robfig/cron
// syntax, e.g. "@every 30s".
func NewMaintenance(logger *zap.Logger) *Maintenance {
	cl := cronLogger{l: logger.Sugar()}
	ctx, cancel := context.WithCancel(context.Background())
	return &Maintenance{
		cron: cron.New(cron.WithChain(
			cron.Recover(cl),
			cron.SkipIfStillRunning(cl),
		)),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Add schedules fn under name.
func (m *Maintenance) Add(spec, name string, fn func(ctx context.Context)) error {
	if spec == "" {
		return nil
	}
	_, err := m.cron.AddFunc(spec, func() {
		fn(m.ctx)
		m.logger.Debug("maintenance job ran", zap.String("job", name))
	})
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, spec, err)
	}
	return nil
}

// Len returns the number of scheduled jobs.
func (m *Maintenance) Len() int { return len(m.cron.Entries()) }

// Start begins running jobs in the background.
func (m *Maintenance) Start() {
	m.cron.Start()
	m.logger.Info("maintenance jobs started", zap.Int("jobs", m.Len()))
}

// Stop halts scheduling and waits for running jobs.
func (m *Maintenance) Stop() {
	m.cancel()
	<-m.cron.Stop().Done()
}

// cronLogger routes cron's logr-style calls into zap.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
