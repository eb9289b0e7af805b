package stmtcache

// StatementKind classifies a prepared statement by what it does,
// mirroring the numeric statement-kind enumeration this worker's
// ancestor keeps on every cache entry so the fetch/bind paths can
// branch on it without re-parsing the SQL text.
type StatementKind int

const (
	KindUnknown StatementKind = iota
	KindSelect
	KindInsert
	KindUpdate
	KindDelete
	KindBegin // PL/SQL-style anonymous block, carried through unchanged by the shard rewriter
	KindDDL
	KindCommit
	KindOther
)
