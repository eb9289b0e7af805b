package shard

import "testing"

func testConfig() Config {
	return Config{
		ShardKeyColumn: "scuttle.id",
		ShardKeyBind:   ":shard_key",
		Algorithm:      ModOnly,
		MaxBuckets:     1024,
	}
}

func TestRewriteSelectAddsPredicateToExistingWhere(t *testing.T) {
	r := NewRewriter(testConfig())
	out, err := r.Rewrite("SELECT * FROM accounts WHERE owner = :owner", map[string]string{":shard_key": "42"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Rewrote {
		t.Fatalf("expected the statement to be rewritten")
	}
	want := "SELECT * FROM accounts WHERE scuttle.id = 42 AND owner = :owner"
	if out.SQL != want {
		t.Fatalf("SQL = %q, want %q", out.SQL, want)
	}
}

func TestRewriteSelectAddsWhereClauseWhenAbsent(t *testing.T) {
	r := NewRewriter(testConfig())
	out, err := r.Rewrite("SELECT * FROM accounts ORDER BY id", map[string]string{":shard_key": "42"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "SELECT * FROM accounts WHERE scuttle.id = 42 ORDER BY id"
	if out.SQL != want {
		t.Fatalf("SQL = %q, want %q", out.SQL, want)
	}
}

func TestRewriteInsertAddsColumnAndValue(t *testing.T) {
	r := NewRewriter(testConfig())
	out, err := r.Rewrite("INSERT INTO accounts (id, owner) VALUES (:id, :owner)", map[string]string{":shard_key": "7"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "INSERT INTO accounts (id, owner, scuttle.id) VALUES (:id, :owner, 7)"
	if out.SQL != want {
		t.Fatalf("SQL = %q, want %q", out.SQL, want)
	}
}

func TestRewritePassesThroughWithoutShardKeyBind(t *testing.T) {
	r := NewRewriter(testConfig())
	sql := "SELECT * FROM accounts WHERE owner = :owner"
	out, err := r.Rewrite(sql, map[string]string{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Rewrote || out.SQL != sql {
		t.Fatalf("expected pass-through, got %+v", out)
	}
}

func TestRewriteFlagsAnomalyOnUnbalancedParentheses(t *testing.T) {
	r := NewRewriter(testConfig())
	sql := "SELECT * FROM accounts WHERE (owner = :owner"
	out, err := r.Rewrite(sql, map[string]string{":shard_key": "1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Anomaly == "" || out.Rewrote {
		t.Fatalf("expected an anomaly and no rewrite, got %+v", out)
	}
	if out.SQL != sql {
		t.Fatalf("expected the anomalous statement to pass through unchanged")
	}
}

func TestRewriteFlagsAnomalyOnUnbalancedQuotes(t *testing.T) {
	r := NewRewriter(testConfig())
	sql := "SELECT * FROM accounts WHERE owner = 'bob"
	out, err := r.Rewrite(sql, map[string]string{":shard_key": "1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Anomaly == "" {
		t.Fatalf("expected an anomaly for unbalanced quotes")
	}
}
