package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"chronicle-backend/application/ports"
	"chronicle-backend/domain/core/valueobjects"
	pkgerrors "chronicle-backend/pkg/errors"
)

type memoryLease struct {
	leaseID   string
	owner     string
	expiresAt time.Time
}

// TurnLock is the in-memory TurnLocker used by tests and single-instance
// development runs
type TurnLock struct {
	mu     sync.Mutex
	leases map[valueobjects.TurnID]memoryLease
}

// NewTurnLock creates an in-memory turn lock
func NewTurnLock() *TurnLock {
	return &TurnLock{leases: make(map[valueobjects.TurnID]memoryLease)}
}

// Acquire implements ports.TurnLocker
func (tl *TurnLock) Acquire(ctx context.Context, turnID valueobjects.TurnID, owner string, lease time.Duration) (ports.TurnLease, error) {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	if held, ok := tl.leases[turnID]; ok && time.Now().Before(held.expiresAt) {
		return nil, pkgerrors.NewDomainError(
			pkgerrors.DomainConflictError, "CONCURRENT_MODIFICATION",
			"turn is already being processed").
			WithDetail("turn_id", turnID.String()).
			WithDetail("holder", held.owner)
	}

	granted := memoryLease{
		leaseID:   uuid.NewString(),
		owner:     owner,
		expiresAt: time.Now().Add(lease),
	}
	tl.leases[turnID] = granted
	return &heldLease{lock: tl, turnID: turnID, leaseID: granted.leaseID}, nil
}

type heldLease struct {
	lock    *TurnLock
	turnID  valueobjects.TurnID
	leaseID string
}

func (l *heldLease) Release(ctx context.Context) error {
	l.lock.mu.Lock()
	defer l.lock.mu.Unlock()
	if held, ok := l.lock.leases[l.turnID]; ok && held.leaseID == l.leaseID {
		delete(l.lock.leases, l.turnID)
	}
	return nil
}

func (l *heldLease) Extend(ctx context.Context, lease time.Duration) error {
	l.lock.mu.Lock()
	defer l.lock.mu.Unlock()
	held, ok := l.lock.leases[l.turnID]
	if !ok || held.leaseID != l.leaseID {
		return pkgerrors.NewDomainError(
			pkgerrors.DomainConflictError, "CONCURRENT_MODIFICATION",
			"turn lease expired and was reassigned").
			WithDetail("turn_id", l.turnID.String())
	}
	held.expiresAt = time.Now().Add(lease)
	l.lock.leases[l.turnID] = held
	return nil
}
