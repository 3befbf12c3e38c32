// Package queue serializes runs per Monday item: at most one active run
// per external id, later requests coalesced or queued FIFO.
package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// AdmitResult is the outcome of an admission attempt.
type AdmitResult string

const (
	// Admitted means the caller owns the slot and may start a run.
	Admitted AdmitResult = "admitted"
	// Queued means an active run exists; the request waits FIFO.
	Queued AdmitResult = "queued"
	// RejectedDuplicate means the request is byte-equal to the active one.
	RejectedDuplicate AdmitResult = "rejected-duplicate"
)

// Request is a pending work submission for one external id.
type Request struct {
	QueueID    string
	ExternalID int64
	// Spec is the serialized request content used for duplicate coalescing.
	Spec       []byte
	EnqueuedAt time.Time
}

// slotState tracks the active run and waiters for one external id.
type slotState struct {
	activeQueueID     string
	activeSpecHash    string
	waitingValidation bool
	pending           []*Request
}

// Manager is the per-external-id FIFO admission controller.
// All access is serialized under one mutex; the hot path is cheap enough
// that per-id locking has never been worth the bookkeeping.
type Manager struct {
	mu     sync.Mutex
	slots  map[int64]*slotState
	logger *slog.Logger
}

// NewManager creates an empty queue manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		slots:  make(map[int64]*slotState),
		logger: logger,
	}
}

func specHash(spec []byte) string {
	sum := sha256.Sum256(spec)
	return hex.EncodeToString(sum[:])
}

// Admit tries to take the slot for externalID.
// Returns Admitted when no run is active, RejectedDuplicate when the
// incoming spec matches the active run's spec, Queued otherwise.
func (m *Manager) Admit(externalID int64, queueID string, spec []byte) AdmitResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	slot, ok := m.slots[externalID]
	if !ok || slot.activeQueueID == "" {
		m.slots[externalID] = &slotState{
			activeQueueID:  queueID,
			activeSpecHash: specHash(spec),
		}
		m.logger.Debug("Queue slot admitted", "external_id", externalID, "queue_id", queueID)
		return Admitted
	}

	if slot.activeSpecHash == specHash(spec) {
		m.logger.Debug("Duplicate request rejected", "external_id", externalID)
		return RejectedDuplicate
	}

	slot.pending = append(slot.pending, &Request{
		QueueID:    queueID,
		ExternalID: externalID,
		Spec:       spec,
		EnqueuedAt: time.Now().UTC(),
	})
	m.logger.Debug("Request queued behind active run",
		"external_id", externalID,
		"queue_depth", len(slot.pending))
	return Queued
}

// MarkWaitingValidation flags the active run as suspended on a human.
// The slot stays held; only the owner may call this.
func (m *Manager) MarkWaitingValidation(externalID int64, queueID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	slot, err := m.ownedSlot(externalID, queueID)
	if err != nil {
		return err
	}
	slot.waitingValidation = true
	return nil
}

// MarkCompleted releases the slot and returns the next queued request, if any.
// The returned request is already promoted to active under its own queue id.
func (m *Manager) MarkCompleted(externalID int64, queueID string) (*Request, error) {
	return m.release(externalID, queueID, "")
}

// MarkFailed releases the slot with error context and pops the next request.
func (m *Manager) MarkFailed(externalID int64, queueID string, errMsg string) (*Request, error) {
	return m.release(externalID, queueID, errMsg)
}

func (m *Manager) release(externalID int64, queueID, errMsg string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	slot, err := m.ownedSlot(externalID, queueID)
	if err != nil {
		return nil, err
	}

	if errMsg != "" {
		m.logger.Warn("Run released with error", "external_id", externalID, "error", errMsg)
	}

	if len(slot.pending) == 0 {
		delete(m.slots, externalID)
		return nil, nil
	}

	next := slot.pending[0]
	slot.pending = slot.pending[1:]
	slot.activeQueueID = next.QueueID
	slot.activeSpecHash = specHash(next.Spec)
	slot.waitingValidation = false

	m.logger.Debug("Promoted queued request",
		"external_id", externalID,
		"queue_id", next.QueueID,
		"remaining", len(slot.pending))
	return next, nil
}

// ownedSlot returns the slot only when queueID matches the active owner.
func (m *Manager) ownedSlot(externalID int64, queueID string) (*slotState, error) {
	slot, ok := m.slots[externalID]
	if !ok {
		return nil, fmt.Errorf("no active slot for external id %d", externalID)
	}
	if slot.activeQueueID != queueID {
		return nil, fmt.Errorf("queue id %s does not own the slot for external id %d", queueID, externalID)
	}
	return slot, nil
}

// IsWaitingValidation reports whether the active run is suspended on a human.
func (m *Manager) IsWaitingValidation(externalID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	slot, ok := m.slots[externalID]
	return ok && slot.waitingValidation
}

// Depth returns the number of queued (not active) requests for an external id.
func (m *Manager) Depth(externalID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	slot, ok := m.slots[externalID]
	if !ok {
		return 0
	}
	return len(slot.pending)
}

// ActiveCount returns the number of held slots across all external ids.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}
