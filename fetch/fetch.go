// Package fetch implements the block fetch pipeline (spec §4.5's fetch
// loop): pulling rows from the driver façade's *sql.Rows a block at a
// time and serializing each column per its typed wire rule, so memory
// use is bounded by block size rather than total result size.
//
// The per-column typed conversion is generalized from this codebase's
// convertDatabaseValue/handleSQL (a single flat JSON response) into the
// column-metadata-driven, block-at-a-time shape spec §4.5 requires.
package fetch

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shardstore/occworker/bind"
)

// ColumnMeta describes one result column, discovered once from the
// driver after the first successful SELECT execute. Length/Precision/
// Scale back the on-demand COLS_INFO response and are left at 0 when
// the driver doesn't report them (sql.ColumnType.Length/DecimalSize
// both report an ok bool for exactly this reason).
type ColumnMeta struct {
	Name      string
	DBType    string
	Nullable  bool
	Length    int64
	Precision int64
	Scale     int64
	Slot      bind.DefineSlot
}

// DiscoverColumns builds ColumnMeta from *sql.Rows' own metadata,
// sizing each define slot per spec §4.5 (CLOB at 4x+1, BLOB to its
// known length when the driver reports one).
func DiscoverColumns(rows *sql.Rows, blockRows int) ([]ColumnMeta, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("fetch: reading column types: %w", err)
	}
	cols := make([]ColumnMeta, len(types))
	for i, t := range types {
		nullable, _ := t.Nullable()
		goType, charLen, byteLen := classify(t)
		length, _ := t.Length()
		precision, scale, _ := t.DecimalSize()
		cols[i] = ColumnMeta{
			Name:      t.Name(),
			DBType:    t.DatabaseTypeName(),
			Nullable:  nullable,
			Length:    length,
			Precision: precision,
			Scale:     scale,
			Slot:      bind.NewDefineSlot(t.Name(), goType, blockRows, charLen, byteLen),
		}
	}
	return cols, nil
}

func classify(t *sql.ColumnType) (goType string, charLen, byteLen int) {
	length, ok := t.Length()
	switch t.DatabaseTypeName() {
	case "TEXT", "MEDIUMTEXT", "LONGTEXT":
		if ok {
			return "clob", int(length), 0
		}
		return "clob", 4096, 0
	case "BLOB", "MEDIUMBLOB", "LONGBLOB":
		if ok {
			return "blob", 0, int(length)
		}
		return "blob", 0, 0
	case "VARBINARY", "BINARY":
		return "raw", 0, 0
	case "DATETIME", "TIMESTAMP", "DATE":
		return "time", 0, 0
	default:
		return "scalar", 0, 0
	}
}

// Row is one decoded row: one Value per column, in column order.
type Row struct {
	Values []Value
}

// Value is a single column's decoded value. IsNull is checked before
// anything else, matching the "null sentinel first" fetch loop rule.
type Value struct {
	IsNull bool
	Raw    any
}

// Pipeline pulls rows from an open *sql.Rows in blocks of at most
// BlockSize, bounding peak memory the way spec §4.5 requires.
type Pipeline struct {
	rows      *sql.Rows
	cols      []ColumnMeta
	blockSize int
	scanBuf   []any
}

func NewPipeline(rows *sql.Rows, cols []ColumnMeta, blockSize int) *Pipeline {
	scanBuf := make([]any, len(cols))
	for i := range scanBuf {
		scanBuf[i] = new(sql.RawBytes)
	}
	return &Pipeline{rows: rows, cols: cols, blockSize: blockSize, scanBuf: scanBuf}
}

// FetchBlock pulls up to BlockSize rows. done is true once the
// underlying rows are exhausted (the caller should still process any
// rows returned alongside done==true).
func (p *Pipeline) FetchBlock() (rows []Row, done bool, err error) {
	for len(rows) < p.blockSize {
		if !p.rows.Next() {
			if err := p.rows.Err(); err != nil {
				return rows, true, fmt.Errorf("fetch: row iteration: %w", err)
			}
			return rows, true, nil
		}
		if err := p.rows.Scan(p.scanBuf...); err != nil {
			return rows, false, fmt.Errorf("fetch: scanning row: %w", err)
		}
		row, err := p.decodeRow()
		if err != nil {
			return rows, false, err
		}
		rows = append(rows, row)
	}
	return rows, false, nil
}

func (p *Pipeline) decodeRow() (Row, error) {
	vals := make([]Value, len(p.cols))
	for i, col := range p.cols {
		raw := *(p.scanBuf[i].(*sql.RawBytes))
		if raw == nil {
			vals[i] = Value{IsNull: true}
			continue
		}
		v, err := decodeColumn(col, raw)
		if err != nil {
			return Row{}, fmt.Errorf("fetch: column %s: %w", col.Name, err)
		}
		vals[i] = Value{Raw: v}
	}
	return Row{Values: vals}, nil
}

func decodeColumn(col ColumnMeta, raw sql.RawBytes) (any, error) {
	switch col.Slot.GoType {
	case "time":
		t, err := parseTimestamp(string(raw))
		if err != nil {
			return nil, err
		}
		return t, nil
	case "raw":
		// emitted as the bare column bytes, with no length prefix;
		// the 4-byte prefix belongs to the bind side's RAW rule only.
		buf := make([]byte, len(raw))
		copy(buf, raw)
		return buf, nil
	case "clob", "blob":
		buf := make([]byte, len(raw))
		copy(buf, raw)
		return buf, nil
	default:
		s := make([]byte, len(raw))
		copy(s, raw)
		return string(s), nil
	}
}

// canonicalTimestampLayout is the wire format every TIMESTAMP/
// TIMESTAMP_TZ value is rendered as, matching spec §4.5's
// "canonical formatting" rule.
const canonicalTimestampLayout = "2006-01-02 15:04:05.000000"

func parseTimestamp(s string) (time.Time, error) {
	layouts := []string{
		"2006-01-02 15:04:05.999999",
		"2006-01-02 15:04:05",
		"2006-01-02",
	}
	var firstErr error
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		} else if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, firstErr)
}

// FormatTimestamp renders t in the canonical wire layout.
func FormatTimestamp(t time.Time) string {
	return t.Format(canonicalTimestampLayout)
}
