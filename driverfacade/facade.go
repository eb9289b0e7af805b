// Package driverfacade is the worker's only collaborator that talks to
// the upstream database. It stands in for the OCI binding this
// worker's ancestor drives directly: everything here is expressed
// against database/sql and github.com/go-sql-driver/mysql instead. The
// operation set is connect/disconnect/heartbeat/prepare/close_stmt/
// execute/query/commit/rollback/trans_start/trans_prepare/trans_forget/
// break_call/reset_after_break/is_in_transaction; there are no separate
// bind or fetch operations: bind values are passed as Execute/Query
// arguments and the caller reads rows from the returned *sql.Rows.
package driverfacade

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"

	_ "github.com/go-sql-driver/mysql"

	"github.com/shardstore/occworker/internal/wlog"
)

// Facade owns exactly one upstream session, matching the one-worker
// one-connection invariant in spec §5. It is never shared across
// goroutines except for the narrow BreakCall/ResetAfterBreak path the
// control-channel watcher uses to cancel an in-flight call.
type Facade struct {
	log *wlog.Logger

	db   *sql.DB
	conn *sql.Conn // single reserved connection; XA state and session variables are connection-bound

	mu         sync.Mutex
	inFlight   context.CancelFunc
	nextHandle atomic.Uint64
}

// New creates a façade with no live connection; call Connect before any
// other operation.
func New() *Facade {
	return &Facade{log: wlog.New("driver")}
}

// Connect opens the single upstream session this worker will hold for
// its entire lifetime (barring a fatal error forcing reconnect).
func (f *Facade) Connect(ctx context.Context, dsn string) error {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return Classify(fmt.Errorf("opening database handle: %w", err))
	}
	// This worker owns exactly one session: no pooling behind it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return Classify(fmt.Errorf("reserving connection: %w", err))
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		db.Close()
		return Classify(fmt.Errorf("pinging database: %w", err))
	}

	f.db = db
	f.conn = conn
	return nil
}

// Disconnect releases the upstream session. Called on clean worker
// shutdown and before a reconnect attempt following a fatal error.
func (f *Facade) Disconnect() error {
	var err error
	if f.conn != nil {
		err = f.conn.Close()
	}
	if f.db != nil {
		if e := f.db.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}

// Heartbeat is the idle-tick driver probe (spec §4.9's "DB heartbeat"
// idle task): a cheap round trip proving the session is still alive.
func (f *Facade) Heartbeat(ctx context.Context) error {
	if err := f.conn.PingContext(ctx); err != nil {
		return Classify(err)
	}
	return nil
}

// StmtHandle is an opaque prepared-statement reference, stable across
// cache lookups, so calling code never needs to walk back from an
// entry to its owning cache or connection.
type StmtHandle struct {
	ID   uint64
	SQL  string
	stmt *sql.Stmt
}

// Prepare compiles sql against the live connection and returns a stable
// handle. The statement cache (package stmtcache) is the layer above
// this one that decides whether to call Prepare at all for a given
// normalized SQL text.
func (f *Facade) Prepare(ctx context.Context, sqlText string) (*StmtHandle, error) {
	stmt, err := f.conn.PrepareContext(ctx, sqlText)
	if err != nil {
		return nil, Classify(fmt.Errorf("preparing statement: %w", err))
	}
	return &StmtHandle{
		ID:   f.nextHandle.Add(1),
		SQL:  sqlText,
		stmt: stmt,
	}, nil
}

// CloseStmt releases a prepared statement, called when the statement
// cache evicts an entry.
func (f *Facade) CloseStmt(h *StmtHandle) error {
	if h == nil || h.stmt == nil {
		return nil
	}
	return h.stmt.Close()
}

// callCtx wires a per-call context whose cancel func BreakCall can
// invoke from the control-channel watcher goroutine. The caller must
// invoke the returned done func once the call returns, win or lose, so
// BreakCall can't fire against a stale cancel func for a later call.
func (f *Facade) callCtx(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	f.mu.Lock()
	f.inFlight = cancel
	f.mu.Unlock()
	return ctx, func() {
		f.mu.Lock()
		if f.inFlight != nil {
			f.inFlight()
		}
		f.inFlight = nil
		f.mu.Unlock()
	}
}

// BreakCall is invoked by the control-channel watcher (never by the
// main goroutine) to cancel whatever call is currently running under
// callCtx. It is the Go-idiomatic stand-in for the select-based
// non-blocking cancellation spec §4.3 describes: database/sql does not
// expose the raw socket for a select loop, so cancellation is modeled
// as context cancellation instead, with the same "the call returns early
// with an error" observable effect.
func (f *Facade) BreakCall() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inFlight != nil {
		f.inFlight()
	}
}

// ResetAfterBreak restores the connection to a usable state following
// a BreakCall. A plain context cancellation can leave a MySQL
// connection mid-result-set, so this probes with a short ping and, if
// that fails, drops and re-acquires the reserved connection from the
// pool (database/sql transparently redials).
func (f *Facade) ResetAfterBreak(ctx context.Context) error {
	if err := f.conn.PingContext(ctx); err == nil {
		return nil
	}
	f.log.Printf("connection unusable after break, re-acquiring")
	_ = f.conn.Close()
	conn, err := f.db.Conn(ctx)
	if err != nil {
		return Classify(fmt.Errorf("re-acquiring connection after break: %w", err))
	}
	f.conn = conn
	return nil
}

// Execute runs a non-SELECT statement (INSERT/UPDATE/DELETE/DDL) and
// returns the rows-affected count the EXECUTE response frame reports.
func (f *Facade) Execute(ctx context.Context, h *StmtHandle, args []any) (sql.Result, error) {
	callCtx, done := f.callCtx(ctx)
	defer done()
	res, err := h.stmt.ExecContext(callCtx, args...)
	if err != nil {
		return nil, Classify(err)
	}
	return res, nil
}

// Query runs a SELECT and returns the driver-level *sql.Rows the fetch
// pipeline consumes block by block.
func (f *Facade) Query(ctx context.Context, h *StmtHandle, args []any) (*sql.Rows, error) {
	callCtx, done := f.callCtx(ctx)
	defer done()
	rows, err := h.stmt.QueryContext(callCtx, args...)
	if err != nil {
		return nil, Classify(err)
	}
	return rows, nil
}

// Tx wraps a *sql.Tx together with the XID it's tagged with, if any.
// A nil XID means a local (non-distributed) transaction.
type Tx struct {
	tx  *sql.Tx
	xid string
}

// TransStart begins a transaction. When xid is non-empty the worker is
// acting as a 2PC participant and the transaction is started through
// MySQL's native XA SQL statements so a later TransPrepare/TransForget
// can address it by XID, matching spec §4.6's global-transaction path.
func (f *Facade) TransStart(ctx context.Context, xid string) (*Tx, error) {
	if xid == "" {
		tx, err := f.conn.BeginTx(ctx, nil)
		if err != nil {
			return nil, Classify(err)
		}
		return &Tx{tx: tx}, nil
	}

	if _, err := f.conn.ExecContext(ctx, fmt.Sprintf("XA START '%s'", xid)); err != nil {
		return nil, Classify(fmt.Errorf("XA START: %w", err))
	}
	return &Tx{xid: xid}, nil
}

// TransPrepare runs phase one of two-phase commit: XA END followed by
// XA PREPARE. Only meaningful for a global transaction.
func (f *Facade) TransPrepare(ctx context.Context, t *Tx) error {
	if t.xid == "" {
		return fmt.Errorf("driverfacade: TransPrepare called on a local transaction")
	}
	if _, err := f.conn.ExecContext(ctx, fmt.Sprintf("XA END '%s'", t.xid)); err != nil {
		return Classify(fmt.Errorf("XA END: %w", err))
	}
	if _, err := f.conn.ExecContext(ctx, fmt.Sprintf("XA PREPARE '%s'", t.xid)); err != nil {
		return Classify(fmt.Errorf("XA PREPARE: %w", err))
	}
	return nil
}

// Commit commits a local transaction, or runs XA COMMIT for a global
// one already in the prepared state.
func (f *Facade) Commit(ctx context.Context, t *Tx) error {
	if t.xid == "" {
		if err := t.tx.Commit(); err != nil {
			return Classify(err)
		}
		return nil
	}
	if _, err := f.conn.ExecContext(ctx, fmt.Sprintf("XA COMMIT '%s'", t.xid)); err != nil {
		return Classify(fmt.Errorf("XA COMMIT: %w", err))
	}
	return nil
}

// Rollback rolls back a local transaction, or runs XA ROLLBACK for a
// global one.
func (f *Facade) Rollback(ctx context.Context, t *Tx) error {
	if t.xid == "" {
		if err := t.tx.Rollback(); err != nil {
			return Classify(err)
		}
		return nil
	}
	if _, err := f.conn.ExecContext(ctx, fmt.Sprintf("XA ROLLBACK '%s'", t.xid)); err != nil {
		return Classify(fmt.Errorf("XA ROLLBACK: %w", err))
	}
	return nil
}

// TransForget clears a heuristically-completed global transaction from
// the server's XA recovery list (spec §4.6: the ORA-24764/24765
// heuristic-completion pair maps onto this same "forget" primitive).
func (f *Facade) TransForget(ctx context.Context, xid string) error {
	_, err := f.conn.ExecContext(ctx, fmt.Sprintf("XA ROLLBACK '%s'", xid))
	if err != nil {
		return Classify(fmt.Errorf("forgetting heuristically completed transaction: %w", err))
	}
	return nil
}

// IsInTransaction answers spec §9's requirement that transaction state
// be read from the driver/session rather than trusted from an internal
// flag: @@in_transaction is a MySQL session variable reflecting the
// server's own view.
func (f *Facade) IsInTransaction(ctx context.Context) (bool, error) {
	var v int
	row := f.conn.QueryRowContext(ctx, "SELECT @@in_transaction")
	if err := row.Scan(&v); err != nil {
		return false, Classify(err)
	}
	return v == 1, nil
}
