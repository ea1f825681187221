package client

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SpasticPalate/market-charts-sub001/internal/market"
)

// FailoverController owns the two provider clients and decides which one
// answers a request. It tracks a single pair of state values: whether the
// primary is active, and when a recovery probe is next allowed. Both are
// guarded by one mutex so concurrent callers never observe a half-updated
// combination; the accepted resolution for races is last writer wins.
//
// The controller surfaces transitions as FailoverEvent values instead of
// logging or publishing them itself.
type FailoverController struct {
	primary MarketDataProvider
	backup  MarketDataProvider

	retryWindow time.Duration

	mu            sync.Mutex
	primaryActive bool
	retryAfter    *time.Time

	logger *zap.Logger
	now    func() time.Time
}

// ProviderStatus is a point-in-time snapshot of the controller and both
// provider quotas, for the status endpoint.
type ProviderStatus struct {
	ActiveProvider string     `json:"active_provider"`
	PrimaryActive  bool       `json:"primary_active"`
	RetryAfter     *time.Time `json:"retry_after,omitempty"`
	Providers      []struct {
		Name           string `json:"name"`
		RemainingCalls int    `json:"remaining_calls"`
	} `json:"providers"`
}

// NewFailoverController creates a controller starting in the
// primary-active state.
func NewFailoverController(primary, backup MarketDataProvider, retryWindow time.Duration, logger *zap.Logger) *FailoverController {
	return &FailoverController{
		primary:       primary,
		backup:        backup,
		retryWindow:   retryWindow,
		primaryActive: true,
		logger:        logger,
		now:           time.Now,
	}
}

// PrimaryName reports which provider the controller treats as primary, so
// callers can decide whether a failure should be reported.
func (f *FailoverController) PrimaryName() string { return f.primary.Name() }

// SelectProvider returns the provider that should answer the next request.
// The primary is always preferred when it is known-available, regardless of
// remaining quota on either side. When the backup is active and the retry
// window has elapsed, the primary is probed and reinstated on success; a
// failed probe pushes the window forward. If the backup's own probe also
// fails, ErrAllProvidersUnavailable is returned.
func (f *FailoverController) SelectProvider(ctx context.Context) (MarketDataProvider, error) {
	f.mu.Lock()
	if f.primaryActive {
		f.mu.Unlock()
		return f.primary, nil
	}
	retryDue := f.retryAfter == nil || !f.now().Before(*f.retryAfter)
	f.mu.Unlock()

	// Probe outside the lock; transitions below re-acquire it.
	if retryDue && f.primary.IsAvailable(ctx) {
		f.restorePrimary()
		return f.primary, nil
	}
	if retryDue {
		f.rescheduleRetry()
	}

	if !f.backup.IsAvailable(ctx) {
		return nil, market.ErrAllProvidersUnavailable
	}
	return f.backup, nil
}

// ReportPrimaryFailure records a primary provider failure: the controller
// unconditionally transitions to the backup and schedules a recovery probe
// one retry window out. The returned event is the caller's hook for logging
// and alerting.
func (f *FailoverController) ReportPrimaryFailure(cause error) market.FailoverEvent {
	f.mu.Lock()
	defer f.mu.Unlock()

	retryAt := f.now().Add(f.retryWindow)
	f.primaryActive = false
	f.retryAfter = &retryAt

	causeText := ""
	if cause != nil {
		causeText = cause.Error()
	}

	return market.FailoverEvent{
		From:       f.primary.Name(),
		To:         f.backup.Name(),
		Cause:      causeText,
		RetryAfter: retryAt,
		OccurredAt: f.now(),
	}
}

// ForceResetToPrimary probes the primary immediately, ignoring the retry
// timer. It reports whether the primary was reinstated; on failure the
// retry window is rescheduled from now.
func (f *FailoverController) ForceResetToPrimary(ctx context.Context) bool {
	if f.primary.IsAvailable(ctx) {
		f.restorePrimary()
		return true
	}
	f.rescheduleRetry()
	return false
}

// AreAllUnavailable probes both providers and reports true only when both
// fail.
func (f *FailoverController) AreAllUnavailable(ctx context.Context) bool {
	return !f.primary.IsAvailable(ctx) && !f.backup.IsAvailable(ctx)
}

// Status returns a snapshot for the status endpoint.
func (f *FailoverController) Status() ProviderStatus {
	f.mu.Lock()
	primaryActive := f.primaryActive
	var retryAfter *time.Time
	if f.retryAfter != nil {
		t := *f.retryAfter
		retryAfter = &t
	}
	f.mu.Unlock()

	status := ProviderStatus{
		PrimaryActive: primaryActive,
		RetryAfter:    retryAfter,
	}
	if primaryActive {
		status.ActiveProvider = f.primary.Name()
	} else {
		status.ActiveProvider = f.backup.Name()
	}

	for _, p := range []MarketDataProvider{f.primary, f.backup} {
		status.Providers = append(status.Providers, struct {
			Name           string `json:"name"`
			RemainingCalls int    `json:"remaining_calls"`
		}{Name: p.Name(), RemainingCalls: p.RemainingCalls()})
	}
	return status
}

func (f *FailoverController) restorePrimary() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.primaryActive = true
	f.retryAfter = nil
	f.logger.Info("Primary provider reinstated",
		zap.String("provider", f.primary.Name()))
}

func (f *FailoverController) rescheduleRetry() {
	f.mu.Lock()
	defer f.mu.Unlock()

	retryAt := f.now().Add(f.retryWindow)
	f.retryAfter = &retryAt
	f.logger.Warn("Primary provider still unavailable, retry rescheduled",
		zap.String("provider", f.primary.Name()),
		zap.Time("retry_after", retryAt))
}
