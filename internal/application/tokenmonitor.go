package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crmmirror/crmmirror/internal/domain/model"
	"github.com/crmmirror/crmmirror/internal/domain/port/driven"
)

// proactiveErrorCeiling caps proactive refreshes: once this many errors have
// accumulated the monitor stops volunteering and leaves retries to callers.
const proactiveErrorCeiling = 3

// tokenRefresher is the slice of TokenManager the monitor needs.
type tokenRefresher interface {
	GetValidToken(ctx context.Context, force bool) (string, error)
}

// TokenMonitor is the background loop that watches credential health,
// raises deduplicated alerts, and triggers proactive refreshes before
// expiry. A tick failure never terminates the loop.
type TokenMonitor struct {
	creds    driven.CredentialStore
	alerts   driven.AlertStore
	settings driven.SettingsStore
	manager  tokenRefresher
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewTokenMonitor creates a TokenMonitor with all required dependencies.
func NewTokenMonitor(
	creds driven.CredentialStore,
	alerts driven.AlertStore,
	settings driven.SettingsStore,
	manager tokenRefresher,
	logger *slog.Logger,
) *TokenMonitor {
	return &TokenMonitor{
		creds:    creds,
		alerts:   alerts,
		settings: settings,
		manager:  manager,
		logger:   logger,
		now:      time.Now,
	}
}

// Start launches the polling loop. Starting an already-running monitor is a
// no-op. The loop runs until Stop is called or the parent context is
// canceled.
func (m *TokenMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		m.logger.Info("token monitor already running")
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.run(loopCtx, m.done)
	m.logger.Info("token monitor started")
}

// Stop cancels the loop and waits for the in-flight tick to finish.
// Stopping a monitor that is not running is a no-op.
func (m *TokenMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel, done := m.cancel, m.done
	m.running = false
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()

	cancel()
	<-done
	m.logger.Info("token monitor stopped")
}

// run executes ticks until the context is canceled. The sleep between ticks
// is itself cancellable; a stop request interrupts the wait but never a
// tick in flight.
func (m *TokenMonitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		interval := m.tick(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// tick runs one health pass and returns the interval until the next one.
// Every check is independent: a failure in one is logged and the rest still
// run.
func (m *TokenMonitor) tick(ctx context.Context) time.Duration {
	settings, err := m.settings.Load(ctx)
	if err != nil {
		m.logger.Error("load settings failed, using defaults", "error", err)
		settings = model.DefaultSettings()
	}

	active, err := m.creds.GetActive(ctx)
	if errors.Is(err, driven.ErrNoActiveCredential) {
		m.raise(ctx, model.Alert{
			Type:       model.AlertNoToken,
			Severity:   model.SeverityCritical,
			Message:    "no active credential configured",
			TargetKind: model.TargetGlobal,
		})
		return settings.MonitorInterval
	}
	if err != nil {
		m.logger.Error("load active credential failed", "error", err)
		return settings.MonitorInterval
	}

	now := m.now()

	if !active.IsExpired(now) && active.TimeUntilExpiry(now) <= settings.ExpiryWarningWindow {
		m.raise(ctx, model.Alert{
			Type:       model.AlertExpiryWarning,
			Severity:   model.SeverityMedium,
			Message:    fmt.Sprintf("credential expires in %s", active.TimeUntilExpiry(now).Round(time.Second)),
			TargetKind: model.TargetCredential,
			TargetID:   active.ID,
		})
	}

	if active.ErrorCount >= settings.ErrorThreshold {
		severity := model.SeverityHigh
		if active.ErrorCount >= 2*settings.ErrorThreshold {
			severity = model.SeverityCritical
		}
		m.raise(ctx, model.Alert{
			Type:       model.AlertErrorThreshold,
			Severity:   severity,
			Message:    fmt.Sprintf("credential has %d consecutive refresh errors: %s", active.ErrorCount, active.LastError),
			TargetKind: model.TargetCredential,
			TargetID:   active.ID,
		})
	}

	if !active.LastUsed.IsZero() && now.Sub(active.LastUsed) > settings.StaleTokenWindow {
		m.raise(ctx, model.Alert{
			Type:       model.AlertStaleToken,
			Severity:   model.SeverityLow,
			Message:    fmt.Sprintf("credential unused since %s", active.LastUsed.Format(time.RFC3339)),
			TargetKind: model.TargetCredential,
			TargetID:   active.ID,
		})
	}

	if active.IsNearExpiry(now) && active.ErrorCount < proactiveErrorCeiling {
		if _, err := m.manager.GetValidToken(ctx, true); err != nil {
			// The manager already logged, alerted, and recorded the
			// failure; the monitor only notes it and keeps running.
			m.logger.Error("proactive refresh failed", "credential_id", active.ID, "error", err)
		} else {
			m.logger.Info("proactive refresh succeeded", "credential_id", active.ID)
		}
	}

	return settings.MonitorInterval
}

// raise adds a deduplicated alert; persistence failures are logged only.
func (m *TokenMonitor) raise(ctx context.Context, alert model.Alert) {
	_, created, err := m.alerts.Raise(ctx, alert)
	if err != nil {
		m.logger.Error("raise alert failed", "type", alert.Type, "error", err)
		return
	}
	if created {
		m.logger.Info("alert raised", "type", alert.Type, "severity", alert.Severity, "target", alert.TargetID)
	}
}
