// Package txn is the transaction manager (spec §4.6): local and global
// (XID-tagged, two-phase-commit) transactions, heuristic-completion
// handling, and handle-cycling after a global transaction clears.
//
// Grounded on this codebase's transaction manager (an ID-keyed map
// behind a RWMutex with a periodic expiry sweep), generalized from
// single-phase *sql.Tx bookkeeping to the XID/2PC state diagram spec
// §4.6 describes.
package txn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shardstore/occworker/driverfacade"
)

// Role is which side of a distributed transaction this worker plays.
// This worker is always a participant: it never coordinates.
type Role int

const (
	RoleLocal Role = iota
	RoleGlobalParticipant
)

// Phase tracks a global transaction through the 2PC state diagram.
type Phase int

const (
	PhaseActive Phase = iota
	PhasePrepared
	PhaseHeuristicallyCompleted
)

// Transaction is the worker's single active transaction. Spec §5 means
// there is never more than one of these live at a time — the map in
// this codebase's ancestor (built for concurrently-held transactions
// across many AMQP requests) narrows here to a single optional slot,
// since this worker serves exactly one session.
type Transaction struct {
	XID       string // empty for a local transaction
	Role      Role
	Phase     Phase
	StartTime time.Time

	tx *driverfacade.Tx
}

// Manager owns the worker's at-most-one live transaction.
type Manager struct {
	mu     sync.Mutex
	driver *driverfacade.Facade
	active *Transaction
}

func NewManager(driver *driverfacade.Facade) *Manager {
	return &Manager{driver: driver}
}

// NewGTrid synthesizes a gtrid when a global transaction start arrives
// without a client-supplied one, using a UUID the way this codebase's
// rest-of-pack configuration already depends on google/uuid for
// instance identifiers.
func NewGTrid() string { return uuid.NewString() }

// FormatXID renders the formatID:gtrid:bqual triple spec §4.6 uses to
// address a global transaction.
func FormatXID(formatID int, gtrid, bqual string) string {
	return fmt.Sprintf("%d:%s:%s", formatID, gtrid, bqual)
}

// Begin starts a transaction. An empty xid starts a local transaction;
// a non-empty xid starts this worker's participation in a global one.
func (m *Manager) Begin(ctx context.Context, xid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		return fmt.Errorf("txn: a transaction is already active")
	}

	tx, err := m.driver.TransStart(ctx, xid)
	if err != nil {
		return err
	}

	role := RoleLocal
	if xid != "" {
		role = RoleGlobalParticipant
	}
	m.active = &Transaction{
		XID:       xid,
		Role:      role,
		Phase:     PhaseActive,
		StartTime: time.Now(),
		tx:        tx,
	}
	return nil
}

// Prepare runs phase one of 2PC. Only valid for a global transaction.
func (m *Manager) Prepare(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return fmt.Errorf("txn: no active transaction")
	}
	if m.active.Role != RoleGlobalParticipant {
		return fmt.Errorf("txn: TransPrepare on a local transaction")
	}
	if err := m.driver.TransPrepare(ctx, m.active.tx); err != nil {
		return err
	}
	m.active.Phase = PhasePrepared
	return nil
}

// Commit commits the active transaction and, for a global transaction,
// cycles the handle afterward: spec §4.6 requires the transaction
// handle be freed and a fresh one obtained after every completed
// global transaction, because the driver this worker stood on
// historically reused handle state across 2PC rounds in ways that
// leaked. database/sql's *sql.Tx is already single-use per transaction,
// so "cycling" here is simply dropping the reference; no reset-in-place
// alternative is needed the way spec's Open Question allows for a
// driver that supports it.
func (m *Manager) Commit(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return fmt.Errorf("txn: no active transaction")
	}
	err := m.driver.Commit(ctx, m.active.tx)
	m.active = nil
	return err
}

// Rollback rolls back the active transaction and clears it.
func (m *Manager) Rollback(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return fmt.Errorf("txn: no active transaction")
	}
	err := m.driver.Rollback(ctx, m.active.tx)
	m.active = nil
	return err
}

// ForgetHeuristic clears a transaction the coordinator or server
// already heuristically resolved while this worker was unreachable,
// mapping onto the ORA-24764/24765 handling spec §4.6 names.
func (m *Manager) ForgetHeuristic(ctx context.Context, xid string) error {
	if err := m.driver.TransForget(ctx, xid); err != nil {
		return err
	}
	m.mu.Lock()
	if m.active != nil && m.active.XID == xid {
		m.active = nil
	}
	m.mu.Unlock()
	return nil
}

// IsInTransaction answers via the driver session, not an internal
// flag, matching spec §9's requirement.
func (m *Manager) IsInTransaction(ctx context.Context) (bool, error) {
	return m.driver.IsInTransaction(ctx)
}

// Active returns the current transaction, if any.
func (m *Manager) Active() (*Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, m.active != nil
}

// ExpireStale force-rolls-back a transaction that has outlived maxAge,
// the same inactivity-driven cleanup this codebase's transaction
// manager runs, narrowed to the single possible active transaction.
func (m *Manager) ExpireStale(ctx context.Context, maxAge time.Duration) error {
	m.mu.Lock()
	active := m.active
	m.mu.Unlock()

	if active == nil || time.Since(active.StartTime) < maxAge {
		return nil
	}
	return m.Rollback(ctx)
}
