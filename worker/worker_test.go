package worker

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/shardstore/occworker/bind"
	"github.com/shardstore/occworker/config"
	"github.com/shardstore/occworker/fetch"
	"github.com/shardstore/occworker/internal/wlog"
	"github.com/shardstore/occworker/protocol"
	"github.com/shardstore/occworker/stmtcache"
	"github.com/shardstore/occworker/workererr"
)

// newTestWorker builds a Worker with just enough wired up to exercise
// the frame-handling paths that never touch the driver façade: bind
// accumulation, SQL classification, row/column encoding, and error
// response plumbing.
func newTestWorker(t *testing.T) (*Worker, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	w := &Worker{
		cfg:   &config.WorkerConfig{ShardKeyName: "shard_id", NullString: "<NULL>"},
		log:   wlog.New("test"),
		dataW: protocol.NewWriter(&out),
		req:   newRequest(1),
	}
	return w, &out
}

func TestDispatchAccumulatesPrepareAndBinds(t *testing.T) {
	w, _ := newTestWorker(t)

	if err := w.dispatch(nil, protocol.Frame{Code: protocol.CmdPrepareV2, Payload: []byte("SELECT 1")}); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if w.req.prepareSQL != "SELECT 1" {
		t.Fatalf("prepareSQL = %q", w.req.prepareSQL)
	}

	if err := w.dispatch(nil, protocol.Frame{Code: protocol.CmdBindName, Payload: []byte("acct_id")}); err != nil {
		t.Fatalf("bind name: %v", err)
	}
	if err := w.dispatch(nil, protocol.Frame{Code: protocol.CmdBindValue, Payload: append([]byte{1}, []byte("42")...)}); err != nil {
		t.Fatalf("bind value: %v", err)
	}

	slot, ok := w.req.binds.ByName("acct_id")
	if !ok {
		t.Fatalf("expected a bind slot named acct_id")
	}
	if len(slot.Values) != 1 || slot.Values[0] != "42" {
		t.Fatalf("got values %v, want [\"42\"]", slot.Values)
	}
}

func TestDispatchBindValueNullSentinel(t *testing.T) {
	w, _ := newTestWorker(t)
	if err := w.dispatch(nil, protocol.Frame{Code: protocol.CmdBindName, Payload: []byte("note")}); err != nil {
		t.Fatalf("bind name: %v", err)
	}
	if err := w.dispatch(nil, protocol.Frame{Code: protocol.CmdBindValue, Payload: []byte{0}}); err != nil {
		t.Fatalf("bind value: %v", err)
	}
	slot, _ := w.req.binds.ByName("note")
	if len(slot.Values) != 1 || slot.Values[0] != nil {
		t.Fatalf("got values %v, want [nil]", slot.Values)
	}
}

func TestDispatchShardKeyAddsStringBind(t *testing.T) {
	w, _ := newTestWorker(t)
	if err := w.dispatch(nil, protocol.Frame{Code: protocol.CmdShardKey, Payload: []byte("778899")}); err != nil {
		t.Fatalf("shard key: %v", err)
	}
	slot, ok := w.req.binds.ByName("shard_id")
	if !ok {
		t.Fatalf("expected a bind slot named shard_id")
	}
	if slot.Class != bind.ClassString || slot.Values[0] != "778899" {
		t.Fatalf("got slot %+v", slot)
	}
}

func TestDispatchUnrecognizedOpcodeIsInternalError(t *testing.T) {
	w, _ := newTestWorker(t)
	err := w.dispatch(nil, protocol.Frame{Code: 9999})
	if err == nil {
		t.Fatalf("expected an error for an unrecognized opcode")
	}
	if workererr.Classify(err) != workererr.KindInternal {
		t.Fatalf("classify = %v, want KindInternal", workererr.Classify(err))
	}
}

func TestBindValueWithoutPrecedingNameIsRejected(t *testing.T) {
	w, _ := newTestWorker(t)
	err := w.dispatch(nil, protocol.Frame{Code: protocol.CmdBindValue, Payload: []byte{1, '1'}})
	if err == nil {
		t.Fatalf("expected an error for BindValue with no pending slot")
	}
}

func TestCurrentShardBindsSkipsOutAndEmptySlots(t *testing.T) {
	w, _ := newTestWorker(t)
	w.req.binds.Slots = []*bind.Slot{
		{Name: "in_slot", Direction: bind.DirIn, Values: []any{"abc"}},
		{Name: "out_slot", Direction: bind.DirOut, Values: []any{"ignored"}},
		{Name: "empty_slot", Direction: bind.DirIn},
	}
	got := w.currentShardBinds()
	want := map[string]string{":in_slot": "abc"}
	if len(got) != len(want) || got[":in_slot"] != "abc" {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestNormalizeSQLCollapsesWhitespace(t *testing.T) {
	got := normalizeSQL("SELECT  *\nFROM   accounts\t WHERE id = 1")
	want := "SELECT * FROM accounts WHERE id = 1"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestClassifyKindCoversEachLeadingKeyword(t *testing.T) {
	cases := map[string]stmtcache.StatementKind{
		"SELECT 1":                 stmtcache.KindSelect,
		"insert into t values (1)": stmtcache.KindInsert,
		"UPDATE t SET a = 1":       stmtcache.KindUpdate,
		"delete from t":            stmtcache.KindDelete,
		"BEGIN":                    stmtcache.KindBegin,
		"CREATE TABLE t (a int)":   stmtcache.KindDDL,
		"CALL proc()":              stmtcache.KindOther,
		"":                         stmtcache.KindUnknown,
	}
	for sql, want := range cases {
		if got := classifyKind(sql); got != want {
			t.Errorf("classifyKind(%q) = %v, want %v", sql, got, want)
		}
	}
}

func TestWriteRowEncodesNullAndTypedValues(t *testing.T) {
	w, out := newTestWorker(t)
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	row := fetch.Row{Values: []fetch.Value{
		{IsNull: true},
		{Raw: "hello"},
		{Raw: []byte("world")},
		{Raw: ts},
	}}
	if err := w.writeRow(row); err != nil {
		t.Fatalf("writeRow: %v", err)
	}

	want := []string{"<NULL>", "hello", "world", fetch.FormatTimestamp(ts)}
	r := protocol.NewReader(out)
	for i, wantVal := range want {
		f, err := r.ReadFrame()
		if err != nil {
			t.Fatalf("reading value %d: %v", i, err)
		}
		if f.Code != protocol.RespValue {
			t.Fatalf("value %d: code = %d, want RespValue", i, f.Code)
		}
		if string(f.Payload) != wantVal {
			t.Fatalf("value %d: payload = %q, want %q", i, f.Payload, wantVal)
		}
	}
}

func TestWriteColumnInfoWritesOneGroupMemberPerColumn(t *testing.T) {
	w, out := newTestWorker(t)
	cols := []fetch.ColumnMeta{{Name: "id", DBType: "INT"}, {Name: "name", DBType: "VARCHAR"}}
	if err := w.writeColumnInfo(cols); err != nil {
		t.Fatalf("writeColumnInfo: %v", err)
	}
	f, err := protocol.NewReader(out).ReadFrame()
	if err != nil {
		t.Fatalf("reading back frame: %v", err)
	}
	if !f.IsGroup() || len(f.Sub) != 2 {
		t.Fatalf("got frame %+v, want a 2-member group", f)
	}
	if string(f.Sub[0].Payload) != "id|INT" || string(f.Sub[1].Payload) != "name|VARCHAR" {
		t.Fatalf("unexpected member payloads: %q, %q", f.Sub[0].Payload, f.Sub[1].Payload)
	}
}

// respondDriverError's non-fatal branch now also calls
// txns.IsInTransaction, which reads a live session variable off the
// driver connection (see driverfacade.Facade.IsInTransaction) — not
// something this pure-unit harness can exercise without a connected
// database, the same gap handleExecute/handleFetch's own transaction
// checks already have. No test in this repository covers that branch;
// the fatal branch below never touches txns and stays unit testable.

func TestRespondDriverErrorReturnsFatalForCallerToHandle(t *testing.T) {
	w, out := newTestWorker(t)
	err := w.respondDriverError(context.Background(), &workererr.FatalError{Reason: "connection lost"})
	if err == nil {
		t.Fatalf("expected respondDriverError to return the fatal error")
	}

	f, readErr := protocol.NewReader(out).ReadFrame()
	if readErr != nil {
		t.Fatalf("reading markdown frame: %v", readErr)
	}
	if f.Code != protocol.RespMarkdown {
		t.Fatalf("code = %d, want RespMarkdown", f.Code)
	}
}
