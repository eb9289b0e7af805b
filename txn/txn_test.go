package txn

import "testing"

func TestFormatXID(t *testing.T) {
	got := FormatXID(1, "gtrid1", "bqual1")
	want := "1:gtrid1:bqual1"
	if got != want {
		t.Fatalf("FormatXID = %q, want %q", got, want)
	}
}

func TestNewGTridIsUnique(t *testing.T) {
	a := NewGTrid()
	b := NewGTrid()
	if a == b {
		t.Fatalf("expected two distinct gtrids, got %q twice", a)
	}
	if a == "" {
		t.Fatalf("expected a non-empty gtrid")
	}
}

func TestPrepareWithoutActiveTransactionErrors(t *testing.T) {
	m := NewManager(nil)
	if err := m.Prepare(nil); err == nil {
		t.Fatalf("expected an error preparing with no active transaction")
	}
}

func TestCommitWithoutActiveTransactionErrors(t *testing.T) {
	m := NewManager(nil)
	if err := m.Commit(nil); err == nil {
		t.Fatalf("expected an error committing with no active transaction")
	}
}

func TestRollbackWithoutActiveTransactionErrors(t *testing.T) {
	m := NewManager(nil)
	if err := m.Rollback(nil); err == nil {
		t.Fatalf("expected an error rolling back with no active transaction")
	}
}

func TestActiveReportsNoneInitially(t *testing.T) {
	m := NewManager(nil)
	if _, ok := m.Active(); ok {
		t.Fatalf("expected no active transaction on a fresh manager")
	}
}
