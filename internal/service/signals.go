package service

import (
	"context"
	"sync"

	"github.com/lims-autoverify-server/internal/domain"
)

// SignalRegistry is the in-memory feed of instrument, sample, and panel
// consistency signals. Interface drivers and middleware push state changes
// in; the decision path reads them. Unknown IDs default to OK so a test
// with those criteria disabled never depends on feed coverage.
type SignalRegistry struct {
	mu           sync.RWMutex
	instruments  map[string]bool
	samples      map[string]bool
	inconsistent map[string]struct{} // sample IDs flagged by panel cross-checks
}

// NewSignalRegistry creates an empty registry.
func NewSignalRegistry() *SignalRegistry {
	return &SignalRegistry{
		instruments:  make(map[string]bool),
		samples:      make(map[string]bool),
		inconsistent: make(map[string]struct{}),
	}
}

// SetInstrumentReady records the readiness of an instrument.
func (r *SignalRegistry) SetInstrumentReady(instrumentID string, ready bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instruments[instrumentID] = ready
}

// SetSampleIntact records the integrity of a sample.
func (r *SignalRegistry) SetSampleIntact(sampleID string, intact bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples[sampleID] = intact
}

// SetSampleConsistent flags or clears a panel inconsistency for a sample.
func (r *SignalRegistry) SetSampleConsistent(sampleID string, consistent bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if consistent {
		delete(r.inconsistent, sampleID)
	} else {
		r.inconsistent[sampleID] = struct{}{}
	}
}

// IsReady implements domain.InstrumentStatusSource.
func (r *SignalRegistry) IsReady(ctx context.Context, instrumentID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ready, ok := r.instruments[instrumentID]; ok {
		return ready, nil
	}
	return true, nil
}

// IsIntact implements domain.SampleIntegritySource.
func (r *SignalRegistry) IsIntact(ctx context.Context, sampleID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if intact, ok := r.samples[sampleID]; ok {
		return intact, nil
	}
	return true, nil
}

// IsConsistent implements domain.ConsistencySource.
func (r *SignalRegistry) IsConsistent(ctx context.Context, result *domain.ResultValue) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, flagged := r.inconsistent[result.SampleID]
	return !flagged, nil
}
