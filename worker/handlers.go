package worker

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shardstore/occworker/bind"
	"github.com/shardstore/occworker/fetch"
	"github.com/shardstore/occworker/protocol"
	"github.com/shardstore/occworker/stmtcache"
	"github.com/shardstore/occworker/workererr"
)

// dispatch routes one inbound frame either into the in-progress
// request accumulator or, for a terminal opcode, into the handler that
// talks to the driver and writes a response plus EOR.
func (w *Worker) dispatch(ctx context.Context, f protocol.Frame) error {
	switch f.Code {
	case protocol.CmdPrepare:
		w.req.prepareSQL = string(f.Payload)
		w.req.apiVersion = stmtcache.V1
		return nil
	case protocol.CmdPrepareV2:
		w.req.prepareSQL = string(f.Payload)
		w.req.apiVersion = stmtcache.V2
		return nil
	case protocol.CmdPrepareSpecial:
		id, err := parseUint32(f.Payload)
		if err != nil {
			return &workererr.InternalError{Detail: fmt.Sprintf("malformed special query id: %v", err)}
		}
		w.req.specialQuery = int(id)
		return nil

	case protocol.CmdBindName:
		w.req.pending = &pendingBind{slot: &bind.Slot{Name: string(f.Payload), Direction: bind.DirIn}}
		return w.req.binds.Add(w.req.pending.slot)
	case protocol.CmdBindOutName:
		w.req.pending = &pendingBind{slot: &bind.Slot{Name: string(f.Payload), Direction: bind.DirOut}}
		return w.req.binds.Add(w.req.pending.slot)
	case protocol.CmdBindType:
		if w.req.pending == nil || len(f.Payload) == 0 {
			return &workererr.InternalError{Detail: "BindType without a preceding BindName"}
		}
		w.req.pending.slot.Class = bind.Class(f.Payload[0])
		return nil
	case protocol.CmdBindNum:
		return nil // positional/array-count hint, informational only in this port
	case protocol.CmdBindValueMaxSize:
		if w.req.pending == nil {
			return &workererr.InternalError{Detail: "BindValueMaxSize without a preceding BindName"}
		}
		n, err := parseUint32(f.Payload)
		if err != nil {
			return &workererr.InternalError{Detail: fmt.Sprintf("malformed bind max size: %v", err)}
		}
		w.req.pending.slot.MaxSize = int(n)
		return nil
	case protocol.CmdBindValue:
		return w.handleBindValue(f.Payload)

	case protocol.CmdClientInfo, protocol.CmdIntClientInfo:
		w.req.clientInfo = string(f.Payload)
		return nil
	case protocol.CmdBacktrace:
		w.log.Printf("client backtrace: %s", string(f.Payload))
		return nil
	case protocol.CmdCALCorrelationID:
		w.req.calCorrelation = string(f.Payload)
		return nil
	case protocol.CmdShardKey:
		return w.req.binds.Add(&bind.Slot{
			Name:      w.cfg.ShardKeyName,
			Class:     bind.ClassString,
			Direction: bind.DirIn,
			Values:    []any{string(f.Payload)},
		})

	case protocol.CmdTransStart:
		return w.handleTransStart(ctx, f.Payload)
	case protocol.CmdTransPrepare:
		return w.handleTransPrepare(ctx)
	case protocol.CmdTransTimeout, protocol.CmdTransRole:
		return nil // recorded by the mux side; this worker doesn't act on them directly

	case protocol.CmdExecute:
		return w.handleExecute(ctx)
	case protocol.CmdFetch:
		return w.handleFetch(ctx)
	case protocol.CmdCommit:
		return w.handleCommit(ctx)
	case protocol.CmdRollback:
		return w.handleRollback(ctx)
	case protocol.CmdPing:
		return w.handlePing(ctx)
	case protocol.CmdRows:
		return w.handleRowCount(ctx)
	case protocol.CmdCols:
		return w.handleColNames(ctx)
	case protocol.CmdColsInfo:
		return w.handleColsInfo(ctx)

	default:
		return &workererr.InternalError{Detail: fmt.Sprintf("unrecognized opcode %d", f.Code)}
	}
}

func parseUint32(payload []byte) (uint32, error) {
	if len(payload) < 4 {
		return 0, fmt.Errorf("need 4 bytes, got %d", len(payload))
	}
	return binary.BigEndian.Uint32(payload[:4]), nil
}

// handleBindValue decodes one bound value and appends it to the
// pending slot. The wire rule is a null flag byte first (spec's "null
// sentinel first" rule), followed by the class-appropriate encoding.
// Fetched columns do not use this flag byte: writeRow sends a NULL
// column as the NullString sentinel instead.
func (w *Worker) handleBindValue(payload []byte) error {
	if w.req.pending == nil {
		return &workererr.InternalError{Detail: "BindValue without a preceding BindName"}
	}
	slot := w.req.pending.slot
	if len(payload) == 0 {
		return &workererr.InternalError{Detail: "empty BindValue payload"}
	}
	if payload[0] == 0 {
		slot.Values = append(slot.Values, nil)
		return nil
	}
	rest := payload[1:]

	switch slot.Class {
	case bind.ClassRaw:
		if len(rest) < 4 {
			return &workererr.InternalError{Detail: "RAW bind missing length prefix"}
		}
		n := binary.BigEndian.Uint32(rest[:4])
		if uint32(len(rest)-4) < n {
			return &workererr.InternalError{Detail: "RAW bind shorter than declared length"}
		}
		buf := make([]byte, n)
		copy(buf, rest[4:4+n])
		slot.Values = append(slot.Values, buf)
	case bind.ClassTimestamp, bind.ClassTimestampTZ:
		t, err := time.Parse("2006-01-02 15:04:05.999999", string(rest))
		if err != nil {
			return &workererr.InternalError{Detail: fmt.Sprintf("malformed timestamp bind: %v", err)}
		}
		slot.Values = append(slot.Values, t)
	case bind.ClassBlob, bind.ClassBlobOneRound:
		buf := make([]byte, len(rest))
		copy(buf, rest)
		slot.Values = append(slot.Values, buf)
	default:
		slot.Values = append(slot.Values, string(rest))
	}
	if err := slot.Validate(); err != nil {
		return err
	}
	return nil
}

func (w *Worker) handleTransStart(ctx context.Context, payload []byte) error {
	xid := string(payload)
	w.req.xid = xid
	return w.txns.Begin(ctx, xid)
}

func (w *Worker) handleTransPrepare(ctx context.Context) error {
	return w.txns.Prepare(ctx)
}

// currentShardBinds renders the request's scalar input binds, colon-
// prefixed, for the shard rewriter's bind-interception lookup.
func (w *Worker) currentShardBinds() map[string]string {
	out := map[string]string{}
	for _, slot := range w.req.binds.Slots {
		if slot.Direction == bind.DirOut || len(slot.Values) == 0 {
			continue
		}
		if s, ok := slot.Values[0].(string); ok {
			out[":"+slot.Name] = s
		}
	}
	return out
}

func normalizeSQL(sql string) string {
	return strings.Join(strings.Fields(sql), " ")
}

func classifyKind(sql string) stmtcache.StatementKind {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return stmtcache.KindUnknown
	}
	switch strings.ToUpper(fields[0]) {
	case "SELECT":
		return stmtcache.KindSelect
	case "INSERT":
		return stmtcache.KindInsert
	case "UPDATE":
		return stmtcache.KindUpdate
	case "DELETE":
		return stmtcache.KindDelete
	case "COMMIT":
		return stmtcache.KindCommit
	case "BEGIN", "DECLARE":
		return stmtcache.KindBegin
	case "CREATE", "ALTER", "DROP", "TRUNCATE":
		return stmtcache.KindDDL
	default:
		return stmtcache.KindOther
	}
}

// handleExecute prepares (or reuses) the request's statement, applies
// the markdown and shard-rewrite passes, runs it, and responds: a
// cursor-opening response for a SELECT, or an OK/affected-rows
// response otherwise.
func (w *Worker) handleExecute(ctx context.Context) error {
	if w.req.specialQuery != 0 {
		return w.handleSpecialExecute(ctx)
	}

	host, host2 := w.cfg.DBHost, ""
	if w.markdown.DoMarkdown(host, host2, w.req.prepareSQL) {
		w.stats.recordMarkdown()
		w.cal.Event("markdown", "blocked", map[string]string{"sql": w.req.prepareSQL})
		if err := w.dataW.WriteFrame(protocol.RespMarkdown, nil); err != nil {
			return err
		}
		w.finishRequest(protocol.EORFree)
		return nil
	}

	normalized := normalizeSQL(w.req.prepareSQL)
	rewritten, err := w.rewriter.Rewrite(normalized, w.currentShardBinds())
	if err != nil {
		return &workererr.InternalError{Detail: err.Error()}
	}
	if rewritten.Anomaly != "" {
		w.cal.Event("shard_rewrite_anomaly", rewritten.Anomaly, map[string]string{"sql": normalized})
	}

	entry, ok := w.stmts.Get(rewritten.SQL, w.req.apiVersion)
	if !ok {
		handle, err := w.driver.Prepare(ctx, rewritten.SQL)
		if err != nil {
			return w.respondDriverError(ctx, err)
		}
		entry = &stmtcache.Entry{
			NormalizedSQL: rewritten.SQL,
			APIVersion:    w.req.apiVersion,
			Handle:        handle,
			Kind:          classifyKind(rewritten.SQL),
			CreatedAt:     time.Now(),
			LastUsed:      time.Now(),
			ExecCount:     1,
		}
		w.stmts.Put(entry)
	}

	args, err := w.req.binds.Args(0)
	if err != nil {
		return &workererr.InternalError{Detail: err.Error()}
	}

	w.watcher.Arm(w.req.seq)
	defer w.watcher.Disarm()

	if entry.Kind == stmtcache.KindSelect {
		rows, err := w.driver.Query(ctx, entry.Handle, args)
		if w.recoverFromBreak(ctx) {
			return &workererr.InternalError{Detail: "request interrupted by control channel"}
		}
		if err != nil {
			return w.respondDriverError(ctx, err)
		}
		cols, err := fetch.DiscoverColumns(rows, w.cfg.MaxFetchBlockSize)
		if err != nil {
			rows.Close()
			return &workererr.InternalError{Detail: err.Error()}
		}
		w.cursor = &cursor{rows: rows, cols: cols, pipeline: fetch.NewPipeline(rows, cols, w.cfg.MaxFetchBlockSize)}
		w.lastCols = cols
		w.lastRowCount = 0

		if err := w.writeColumnInfo(cols); err != nil {
			return err
		}
		status := protocol.EORInCursorNotInTransaction
		if inTx, _ := w.txns.IsInTransaction(ctx); inTx {
			status = protocol.EORInCursorInTransaction
		}
		w.finishRequest(status)
		return nil
	}

	res, err := w.driver.Execute(ctx, entry.Handle, args)
	if w.recoverFromBreak(ctx) {
		return &workererr.InternalError{Detail: "request interrupted by control channel"}
	}
	if err != nil {
		return w.respondDriverError(ctx, err)
	}
	affected, _ := res.RowsAffected()
	w.lastRowCount = affected
	if err := w.dataW.WriteFrame(protocol.RespOK, encodeInt64(affected)); err != nil {
		return err
	}
	status := protocol.EORFree
	if inTx, _ := w.txns.IsInTransaction(ctx); inTx {
		status = protocol.EORInTransaction
	}
	w.finishRequest(status)
	return nil
}

// handleSpecialExecute answers a pre-configured special query from the
// special-query cache when its cached results are still valid,
// bypassing the database entirely.
func (w *Worker) handleSpecialExecute(ctx context.Context) error {
	entry, ok := w.special.GetOrCreate(w.req.specialQuery)
	if !ok {
		return &workererr.InternalError{Detail: fmt.Sprintf("special query %d is not configured", w.req.specialQuery)}
	}
	if !entry.Valid() {
		// Cache miss or stale: run the query for real and repopulate.
		handle, err := w.driver.Prepare(ctx, entry.Query)
		if err != nil {
			return w.respondDriverError(ctx, err)
		}
		rows, err := w.driver.Query(ctx, handle, nil)
		if err != nil {
			return w.respondDriverError(ctx, err)
		}
		cols, err := fetch.DiscoverColumns(rows, w.cfg.MaxFetchBlockSize)
		if err != nil {
			rows.Close()
			return &workererr.InternalError{Detail: err.Error()}
		}
		pipeline := fetch.NewPipeline(rows, cols, w.cfg.MaxFetchBlockSize)
		var flat []string
		for {
			block, done, err := pipeline.FetchBlock()
			if err != nil {
				rows.Close()
				return &workererr.InternalError{Detail: err.Error()}
			}
			for _, r := range block {
				for _, v := range r.Values {
					flat = append(flat, fmt.Sprint(v.Raw))
				}
			}
			if done {
				break
			}
		}
		rows.Close()
		entry.Populate(len(cols), flat)
	}

	if err := w.dataW.WriteFrame(protocol.RespRows, []byte(strings.Join(entry.Results(), "\x1f"))); err != nil {
		return err
	}
	if err := w.dataW.WriteFrame(protocol.RespNoMoreData, nil); err != nil {
		return err
	}
	w.finishRequest(protocol.EORFree)
	return nil
}

// recoverFromBreak checks whether the control watcher fired during the
// call that just returned and, if so, resets the driver connection to
// a usable state before the caller reports an error upstream.
func (w *Worker) recoverFromBreak(ctx context.Context) bool {
	if !w.watcher.Recovering() {
		return false
	}
	if err := w.driver.ResetAfterBreak(ctx); err != nil {
		w.log.Printf("reset after break failed: %v", err)
	}
	w.watcher.ClearRecovery()
	return true
}

func (w *Worker) writeColumnInfo(cols []fetch.ColumnMeta) error {
	members := make([]protocol.Frame, 0, len(cols))
	for _, c := range cols {
		members = append(members, protocol.Frame{Code: protocol.RespColsInfo, Payload: []byte(c.Name + "|" + c.DBType)})
	}
	return w.dataW.WriteGroup(members)
}

func (w *Worker) handleFetch(ctx context.Context) error {
	if w.cursor == nil {
		return &workererr.InternalError{Detail: "Fetch without an open cursor"}
	}
	block, done, err := w.cursor.pipeline.FetchBlock()
	if err != nil {
		w.cursor.rows.Close()
		w.cursor = nil
		return &workererr.InternalError{Detail: err.Error()}
	}
	for _, row := range block {
		if err := w.writeRow(row); err != nil {
			return err
		}
		w.lastRowCount++
	}
	if done {
		w.cursor.rows.Close()
		w.cursor = nil
		if err := w.dataW.WriteFrame(protocol.RespNoMoreData, nil); err != nil {
			return err
		}
		status := protocol.EORFree
		if inTx, _ := w.txns.IsInTransaction(ctx); inTx {
			status = protocol.EORInTransaction
		}
		w.finishRequest(status)
		return nil
	}
	w.finishRequest(protocol.EORMoreIncomingRequests)
	return nil
}

// writeRow writes one fetched row as one protocol.RespValue frame per
// column (OCCChild.cpp's fetch loop writes OCC_VALUE per column, never
// a concatenated row). A NULL column emits the configured null
// sentinel string as its VALUE payload rather than a separate marker,
// so a zero-length LOB and a NULL LOB stay wire-distinguishable as long
// as the sentinel itself is non-empty.
func (w *Worker) writeRow(row fetch.Row) error {
	for _, v := range row.Values {
		if v.IsNull {
			if err := w.writeValue(w.cfg.NullString); err != nil {
				return err
			}
			continue
		}
		var s string
		switch val := v.Raw.(type) {
		case []byte:
			s = string(val)
		case string:
			s = val
		case time.Time:
			s = fetch.FormatTimestamp(val)
		default:
			s = fmt.Sprint(val)
		}
		if err := w.writeValue(s); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) writeValue(s string) error {
	return w.dataW.WriteFrame(protocol.RespValue, []byte(s))
}

// handleRowCount answers an on-demand ROWS request with the row count
// of the statement last executed or fetched, as a single VALUE frame —
// adapted from OCCChild.cpp's row_count(), which reads
// OCI_ATTR_ROW_COUNT and writes it the same way.
func (w *Worker) handleRowCount(ctx context.Context) error {
	if err := w.writeValue(strconv.FormatInt(w.lastRowCount, 10)); err != nil {
		return err
	}
	status := protocol.EORFree
	if inTx, _ := w.txns.IsInTransaction(ctx); inTx {
		status = protocol.EORInTransaction
	}
	w.finishRequest(status)
	return nil
}

// handleColNames answers an on-demand COLS request with the column
// count followed by one VALUE per column name, matching Util.cpp's
// out_col_names.
func (w *Worker) handleColNames(ctx context.Context) error {
	if w.lastCols == nil {
		return &workererr.InternalError{Detail: "COLS requested with no prior executed statement"}
	}
	if err := w.writeValue(strconv.Itoa(len(w.lastCols))); err != nil {
		return err
	}
	for _, c := range w.lastCols {
		if err := w.writeValue(c.Name); err != nil {
			return err
		}
	}
	status := protocol.EORFree
	if inTx, _ := w.txns.IsInTransaction(ctx); inTx {
		status = protocol.EORInTransaction
	}
	w.finishRequest(status)
	return nil
}

// handleColsInfo answers an on-demand COLS_INFO request with the column
// count followed by name/type/width/precision/scale VALUE frames per
// column, matching Util.cpp's out_col_info. Precision and scale are 0
// for column types the driver doesn't report decimal sizing for.
func (w *Worker) handleColsInfo(ctx context.Context) error {
	if w.lastCols == nil {
		return &workererr.InternalError{Detail: "COLS_INFO requested with no prior executed statement"}
	}
	if err := w.writeValue(strconv.Itoa(len(w.lastCols))); err != nil {
		return err
	}
	for _, c := range w.lastCols {
		if err := w.writeValue(c.Name); err != nil {
			return err
		}
		if err := w.writeValue(c.DBType); err != nil {
			return err
		}
		if err := w.writeValue(strconv.FormatInt(c.Length, 10)); err != nil {
			return err
		}
		if err := w.writeValue(strconv.FormatInt(c.Precision, 10)); err != nil {
			return err
		}
		if err := w.writeValue(strconv.FormatInt(c.Scale, 10)); err != nil {
			return err
		}
	}
	status := protocol.EORFree
	if inTx, _ := w.txns.IsInTransaction(ctx); inTx {
		status = protocol.EORInTransaction
	}
	w.finishRequest(status)
	return nil
}

func (w *Worker) handleCommit(ctx context.Context) error {
	if err := w.txns.Commit(ctx); err != nil {
		return w.respondDriverError(ctx, err)
	}
	if err := w.dataW.WriteFrame(protocol.RespOK, nil); err != nil {
		return err
	}
	w.finishRequest(protocol.EORFree)
	return nil
}

func (w *Worker) handleRollback(ctx context.Context) error {
	if err := w.txns.Rollback(ctx); err != nil {
		return w.respondDriverError(ctx, err)
	}
	if err := w.dataW.WriteFrame(protocol.RespOK, nil); err != nil {
		return err
	}
	w.finishRequest(protocol.EORFree)
	return nil
}

func (w *Worker) handlePing(ctx context.Context) error {
	if err := w.driver.Heartbeat(ctx); err != nil {
		return w.respondDriverError(ctx, err)
	}
	if err := w.dataW.WriteFrame(protocol.RespAlive, nil); err != nil {
		return err
	}
	w.finishRequest(protocol.EORFree)
	return nil
}

// respondDriverError writes a SQL_ERROR or MARKDOWN response per the
// classified error kind. A fatal error is returned so the caller's loop
// can exit; a non-fatal error ends the request here and nil is
// returned. A non-fatal error's EOR status
// reflects whether the session is still in a transaction, the same
// check handleExecute/handleFetch make on their own success paths.
func (w *Worker) respondDriverError(ctx context.Context, err error) error {
	switch workererr.Classify(err) {
	case workererr.KindFatal:
		_ = w.dataW.WriteFrame(protocol.RespMarkdown, []byte(err.Error()))
		return err
	default:
		w.stats.recordSQLError()
		_ = w.dataW.WriteFrame(protocol.RespSQLError, []byte(err.Error()))
		status := protocol.EORFree
		if inTx, _ := w.txns.IsInTransaction(ctx); inTx {
			status = protocol.EORInTransaction
		}
		w.finishRequest(status)
		return nil
	}
}

func (w *Worker) finishRequest(status protocol.EORStatus) {
	w.sendEOR(status, nil)
	w.requestCount++
	w.stats.recordRequest()
	w.req = newRequest(w.req.seq + 1)
}

func encodeInt64(n int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(n))
	return buf
}
