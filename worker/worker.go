// Package worker ties every collaborator together into the request
// loop spec §4.9 describes: the main goroutine reads data-channel
// frames, dispatches by opcode, and on a terminal command writes its
// response followed by an EOR sentinel; a second goroutine (the
// protocol.Watcher) is the only other thread the process ever runs.
//
// Grounded on this codebase's WorkerPool/Handler pair, narrowed from an
// N-goroutine queue-draining pool to the exactly-two-threads model
// spec §5 requires: this worker never fans a request out to another
// goroutine, since it owns exactly one upstream DB session that cannot
// be used concurrently.
package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/shardstore/occworker/bind"
	"github.com/shardstore/occworker/calclient"
	"github.com/shardstore/occworker/config"
	"github.com/shardstore/occworker/driverfacade"
	"github.com/shardstore/occworker/fetch"
	"github.com/shardstore/occworker/internal/wlog"
	"github.com/shardstore/occworker/markdown"
	"github.com/shardstore/occworker/opsconfig"
	"github.com/shardstore/occworker/protocol"
	"github.com/shardstore/occworker/shard"
	"github.com/shardstore/occworker/specialcache"
	"github.com/shardstore/occworker/stmtcache"
	"github.com/shardstore/occworker/txn"
	"github.com/shardstore/occworker/workererr"
)

// pendingBind is the bind slot currently being assembled across a
// BindName/BindOutName -> BindType -> BindNum -> BindValueMaxSize ->
// BindValue* frame sequence. The slot is added to the request's
// bind.Set as soon as its BindName arrives; later frames fill it in
// through this pointer.
type pendingBind struct {
	slot *bind.Slot
}

// request accumulates frames for one client request: zero or more
// Prepare/Bind frames followed by a terminal Execute/Fetch/Commit/
// Rollback/Ping, at which point it is dispatched and reset.
type request struct {
	seq uint32

	prepareSQL   string
	apiVersion   stmtcache.APIVersion
	specialQuery int // 0 when this is not a CmdPrepareSpecial request

	binds   bind.Set
	pending *pendingBind

	clientInfo    string
	calCorrelation string
	xid           string
}

func newRequest(seq uint32) *request {
	return &request{seq: seq, apiVersion: stmtcache.V1}
}

// cursor is the open SELECT this worker is piecewise-fetching, between
// an Execute that ran a SELECT and the Fetch calls draining it.
type cursor struct {
	rows     *sql.Rows
	cols     []fetch.ColumnMeta
	pipeline *fetch.Pipeline
}

// Worker owns every per-session collaborator and the request loop.
type Worker struct {
	cfg *config.WorkerConfig
	log *wlog.Logger

	dataR *protocol.Reader
	dataW *protocol.Writer

	driver   *driverfacade.Facade
	watcher  *protocol.Watcher
	stmts    *stmtcache.Cache
	txns     *txn.Manager
	rewriter *shard.Rewriter
	markdown *markdown.List
	special  *specialcache.Registry
	cal      *calclient.Client

	stats Stats

	startTime    time.Time
	requestCount int

	req    *request
	cursor *cursor

	// lastCols/lastRowCount describe the most recently executed or
	// fetched statement, independent of whether its cursor is still
	// open; ROWS/COLS/COLS_INFO answer from these on demand.
	lastCols     []fetch.ColumnMeta
	lastRowCount int64
}

// New wires every collaborator from cfg. dataRW is the inherited data
// channel; controlR is the inherited control channel, read-only from
// this worker's side.
func New(cfg *config.WorkerConfig, dataRW io.ReadWriter, controlR io.Reader, driver *driverfacade.Facade, cal *calclient.Client) *Worker {
	ops := opsconfig.New(cfg.OpsConfigPath)
	w := &Worker{
		cfg:       cfg,
		log:       wlog.New("worker"),
		dataR:     protocol.NewReader(dataRW),
		dataW:     protocol.NewWriter(dataRW),
		driver:    driver,
		stmts:     stmtcache.New(cfg.StmtCacheMaxSize, cfg.StmtCacheExpireAfter, cfg.StmtCacheExpireEvery),
		txns:      txn.NewManager(driver),
		markdown:  markdown.New(cfg.MarkdownDir),
		cal:       cal,
		startTime: time.Now(),
	}
	w.rewriter = shard.NewRewriter(shard.Config{
		ShardKeyColumn: cfg.ScuttleAttrName,
		ShardKeyBind:   ":" + cfg.ShardKeyName,
		Algorithm:      shard.Algorithm(cfg.Algorithm),
		MaxBuckets:     cfg.MaxScuttleBuckets,
	})
	w.special = specialcache.NewRegistry(cfg.SpecialCacheSize, opsconfig.SpecialQueryLookup(ops))
	w.watcher = protocol.NewWatcher(controlR, cfg.KeepaliveInterval, cfg.PingThrottle, w.onBreak, w.onKeepalive)
	return w
}

// Run drives the request loop until the data channel closes or ctx is
// canceled. This is the worker process's main goroutine; Run itself
// never spawns another one beyond the watcher started here.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.watcher.Start(); err != nil {
		return err
	}
	defer w.watcher.Stop()

	w.req = newRequest(0)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if w.lifecycleExpired() {
			w.log.Printf("lifecycle limit reached (%d requests, %v uptime), exiting cleanly", w.requestCount, time.Since(w.startTime))
			return nil
		}

		frame, err := w.dataR.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("worker: reading data frame: %w", err)
		}

		if w.cursor == nil && w.req.prepareSQL == "" && w.req.specialQuery == 0 && len(w.req.binds.Slots) == 0 && w.req.xid == "" {
			w.idleTick()
		}

		if err := w.dispatch(ctx, frame); err != nil {
			if workererr.Classify(err) == workererr.KindFatal {
				w.log.Printf("fatal error, exiting: %v", err)
				w.sendEOR(protocol.EORRestart, nil)
				return err
			}
			w.log.Printf("request error: %v", err)
			code := protocol.RespError
			if workererr.Classify(err) == workererr.KindRequest {
				code = protocol.RespSQLError
			}
			_ = w.dataW.WriteFrame(code, []byte(err.Error()))
			status := protocol.EORFree
			if inTx, _ := w.txns.IsInTransaction(ctx); inTx {
				status = protocol.EORInTransaction
			}
			w.finishRequest(status)
		}
	}
}

func (w *Worker) lifecycleExpired() bool {
	if w.cfg.MaxRequestsPerWorker > 0 && w.requestCount >= w.cfg.MaxRequestsPerWorker {
		return true
	}
	if w.cfg.MaxLifespanSeconds > 0 && time.Since(w.startTime) >= time.Duration(w.cfg.MaxLifespanSeconds)*time.Second {
		return true
	}
	return false
}

// idleTick runs the between-request housekeeping spec §4.9 calls out:
// statement cache expiry, a driver heartbeat, and a stale-transaction
// sweep. It never runs while a request is mid-flight.
func (w *Worker) idleTick() {
	w.stmts.SweepExpired(time.Now(), func(e *stmtcache.Entry) {
		if err := w.driver.CloseStmt(e.Handle); err != nil {
			w.log.Printf("closing expired statement handle: %v", err)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.DBTimeout)
	if err := w.driver.Heartbeat(ctx); err != nil {
		w.log.Printf("idle heartbeat failed: %v", err)
	}
	cancel()

	_ = w.txns.ExpireStale(context.Background(), 30*time.Minute)
}

// onBreak is invoked by the control-channel watcher goroutine when an
// interrupt targets the in-flight request. It must not touch anything
// the main goroutine isn't already prepared to have pulled out from
// under it; BreakCall only ever cancels the call's context.
func (w *Worker) onBreak(seq uint32) {
	w.log.Printf("break requested for seq %d", seq)
	w.stats.recordBreak()
	w.driver.BreakCall()
}

// onKeepalive is invoked by the control watcher goroutine when the
// control channel has been quiet for longer than the keepalive
// interval while a call is in flight. It writes the client-facing
// STILL_EXECUTING ping directly; the DB-facing heartbeat is a separate
// concern idleTick already covers between requests.
func (w *Worker) onKeepalive() {
	if err := w.dataW.WriteFrame(protocol.RespStillExecuting, nil); err != nil {
		w.log.Printf("writing keepalive ping: %v", err)
	}
}

// sendEOR writes the EOR sentinel closing out the current request.
func (w *Worker) sendEOR(status protocol.EORStatus, inner []byte) {
	payload := protocol.EncodeEOR(protocol.EORMessage{Status: status, SeqNum: w.req.seq, Inner: inner})
	if err := w.dataW.WriteFrame(protocol.CmdEOR, payload); err != nil {
		w.log.Printf("writing EOR frame: %v", err)
	}
}
