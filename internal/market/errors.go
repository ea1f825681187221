package market

import (
	"errors"
	"fmt"
)

// Sentinel errors for provider and reconciliation failure modes. Callers
// branch on the kind with errors.Is / errors.As rather than matching
// message text.
var (
	// ErrQuotaExceeded is returned when a provider's daily call budget is
	// spent before a request is issued. No network call is made.
	ErrQuotaExceeded = errors.New("provider call quota exceeded")

	// ErrRateLimited is returned when a provider embeds a rate-limit notice
	// in its payload, possibly on an HTTP 200. It is expected and drives
	// failover rather than alarming.
	ErrRateLimited = errors.New("provider rate limited")

	// ErrNoDataAvailable is returned when a latest-data window yields zero
	// records, for example an exchange closure longer than the window.
	ErrNoDataAvailable = errors.New("no data available")

	// ErrAllProvidersUnavailable is returned when both the primary and the
	// backup provider fail their health probes.
	ErrAllProvidersUnavailable = errors.New("all providers unavailable")
)

// UpstreamError reports a non-success response from a provider's HTTP layer.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s upstream error: status %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s upstream error: status %d", e.Provider, e.StatusCode)
}

// ParseError reports a provider response body that could not be decoded into
// the provider's expected schema. The inner decode error is preserved for
// operators; retrying the same provider cannot help since the payload shape
// will not change.
type ParseError struct {
	Provider string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s response parse failed: %v", e.Provider, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// DataUnavailableError reports that one requested gap could not be fetched
// from any provider. Other gaps in the same request may still have
// succeeded; partial results are expected.
type DataUnavailableError struct {
	Index IndexName
	Range DateRange
	Err   error
}

func (e *DataUnavailableError) Error() string {
	return fmt.Sprintf("data unavailable for %s %s..%s: %v",
		e.Index, e.Range.Start.Format("2006-01-02"), e.Range.End.Format("2006-01-02"), e.Err)
}

func (e *DataUnavailableError) Unwrap() error { return e.Err }
