// Package mock provides a test double implementing adapter.Adapter:
// configurable responses, call history, error injection, thread-safe.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/devkernel/devkernel/kernel"
	"github.com/devkernel/devkernel/kernel/adapter"
)

// Call records one Execute invocation.
type Call struct {
	Manifest     kernel.Manifest
	WorkcellPath string
	Prompt       string
}

// Adapter is a configurable test double for adapter.Adapter.
type Adapter struct {
	// Proofs contains the sequence of PatchProofs to return. Each
	// Execute call returns the next one in order; once exhausted, the
	// last proof repeats.
	Proofs []kernel.PatchProof

	// Err, if set, is returned by Execute instead of a proof.
	Err error

	// Healthy controls HealthCheck's return value. Defaults to true.
	Healthy bool

	// Cost is returned verbatim by EstimateCost.
	Cost kernel.CostEstimate

	mu        sync.Mutex
	Calls     []Call
	callIndex int
	name      string
}

// New returns a named mock Adapter that reports healthy by default.
func New(name string) *Adapter {
	return &Adapter{name: name, Healthy: true}
}

func (m *Adapter) Name() string { return m.name }

// Execute implements adapter.Adapter. It records the call whether the
// configured outcome is success or failure; a call made with an already
// done ctx returns ctx.Err() without being recorded.
func (m *Adapter) Execute(ctx context.Context, manifest kernel.Manifest, workcellPath string, timeout time.Duration) (kernel.PatchProof, error) {
	if ctx.Err() != nil {
		return kernel.PatchProof{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, Call{Manifest: manifest, WorkcellPath: workcellPath, Prompt: adapter.BuildPrompt(manifest)})

	if m.Err != nil {
		return kernel.PatchProof{}, m.Err
	}
	if len(m.Proofs) == 0 {
		return kernel.PatchProof{}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Proofs) {
		idx = len(m.Proofs) - 1
	} else {
		m.callIndex++
	}
	return m.Proofs[idx], nil
}

func (m *Adapter) HealthCheck(ctx context.Context) (bool, error) {
	return m.Healthy, nil
}

func (m *Adapter) EstimateCost(manifest kernel.Manifest) kernel.CostEstimate {
	return m.Cost
}

// Reset clears call history.
func (m *Adapter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.callIndex = 0
}

// CallCount returns the number of Execute invocations so far.
func (m *Adapter) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
