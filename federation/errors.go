package federation

import (
	"errors"
	"fmt"

	"github.com/airbusgeo/geofed/service"
)

// ErrFederationExhausted is reported when every retained provider failed.
// An empty result page from healthy providers is not exhaustion.
var ErrFederationExhausted = errors.New("all providers failed")

// ErrNoEligibleProviders is reported when translation retained no provider at all.
var ErrNoEligibleProviders = errors.New("no eligible provider for this query")

// ErrItemNotFound is reported when a provider does not know the requested item.
var ErrItemNotFound = errors.New("item not found")

// ProviderTransportError is a network-level failure of one provider call.
// The provider contributes nothing to the search but does not fail it.
type ProviderTransportError struct {
	Provider string
	Err      error
}

func (e *ProviderTransportError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderTransportError) Unwrap() error {
	return e.Err
}

// Temporary implements the service.Temporary contract
func (e *ProviderTransportError) Temporary() bool {
	return true
}

// ProviderResponseError is a malformed payload from one provider.
type ProviderResponseError struct {
	Provider string
	Err      error
}

func (e *ProviderResponseError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderResponseError) Unwrap() error {
	return e.Err
}

// CursorError is a structurally invalid composite cursor or one referencing a
// provider that was not part of the originating search. Pagination fails
// closed rather than silently dropping providers.
type CursorError struct {
	Reason string
}

func (e *CursorError) Error() string {
	return "invalid cursor: " + e.Reason
}

// NoProviderError is returned when translation retained no provider at all.
type NoProviderError struct {
	// Excluded lists every provider considered, with its exclusion reason
	Excluded []Exclusion
}

func (e *NoProviderError) Error() string {
	return fmt.Sprintf("no eligible provider (%d excluded)", len(e.Excluded))
}

// Is matches ErrNoEligibleProviders
func (e *NoProviderError) Is(target error) bool {
	return target == ErrNoEligibleProviders
}

// ExhaustedError carries the per-provider failure reasons of an exhausted search.
type ExhaustedError struct {
	// Failures maps provider name to its failure reason
	Failures map[string]string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all providers failed (%d failures)", len(e.Failures))
}

// Is matches ErrFederationExhausted
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrFederationExhausted
}

// Temporary implements the service.Temporary contract
func (e *ExhaustedError) Temporary() bool {
	return true
}

// classifyProviderError wraps a provider call failure into the transport or
// response taxonomy depending on whether the failure is retryable.
func classifyProviderError(provider string, err error) error {
	if service.Temporary(err) {
		return &ProviderTransportError{Provider: provider, Err: err}
	}
	return &ProviderResponseError{Provider: provider, Err: err}
}
