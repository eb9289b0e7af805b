// Package bind implements the bind engine (spec §4.5): classifying
// each bind by wire type, holding array-bind and OUT/IN-OUT buffers,
// and enforcing the one-piece-only LOB write restriction spec §9
// calls out ("piecewise DML is not supported, only piecewise fetch").
package bind

import "fmt"

// Class is the wire-level bind classification. LOB binds split into a
// one-round variant (the whole value fits in one frame) because that's
// the only shape this worker accepts for writes.
type Class int

const (
	ClassString Class = iota
	ClassBlob
	ClassClob
	ClassBlobOneRound
	ClassClobOneRound
	ClassRaw
	ClassTimestamp
	ClassTimestampTZ
)

func (c Class) String() string {
	switch c {
	case ClassString:
		return "STRING"
	case ClassBlob:
		return "BLOB"
	case ClassClob:
		return "CLOB"
	case ClassBlobOneRound:
		return "BLOB_ONE_ROUND"
	case ClassClobOneRound:
		return "CLOB_ONE_ROUND"
	case ClassRaw:
		return "RAW"
	case ClassTimestamp:
		return "TIMESTAMP"
	case ClassTimestampTZ:
		return "TIMESTAMP_TZ"
	default:
		return "UNKNOWN"
	}
}

// Direction is whether a bind is an input, an output the caller reads
// back after execute, or both.
type Direction int

const (
	DirIn Direction = iota
	DirOut
	DirInOut
)

// MaxBindNameLen is the boundary spec §8 names: bind names longer than
// this are rejected rather than silently truncated.
const MaxBindNameLen = 31

// MaxArrayRowNum bounds an array bind's row count; spec §8 requires the
// request to be cleanly closed out past this rather than accepted.
const MaxArrayRowNum = 1000

// Slot is one bind variable. For an array bind, Values holds one entry
// per row; for a scalar bind, len(Values) == 1. OUT and IN-OUT slots
// own every row's buffer up front (spec §9's callback-driven design:
// the database driver callback only ever selects which pre-allocated
// row buffer to write into, it never allocates).
type Slot struct {
	Name      string
	Class     Class
	Direction Direction
	MaxSize   int // per-value buffer size for OUT/IN-OUT slots
	Values    []any
}

// Validate enforces the bind-name-length and array-row-count boundary
// cases spec §8 requires callers to reject rather than truncate.
func (s *Slot) Validate() error {
	if len(s.Name) > MaxBindNameLen {
		return fmt.Errorf("bind: name %q exceeds %d characters", s.Name, MaxBindNameLen)
	}
	if len(s.Values) > MaxArrayRowNum {
		return fmt.Errorf("bind: array bind %q has %d rows, exceeds max of %d", s.Name, len(s.Values), MaxArrayRowNum)
	}
	return nil
}

// IsLOB reports whether this slot's class requires one-piece LOB
// handling on write.
func (c Class) IsLOB() bool {
	switch c {
	case ClassBlob, ClassClob, ClassBlobOneRound, ClassClobOneRound:
		return true
	default:
		return false
	}
}

// Set holds every bind for one execution, in positional bind order.
type Set struct {
	Slots []*Slot
}

func (s *Set) Add(slot *Slot) error {
	if err := slot.Validate(); err != nil {
		return err
	}
	s.Slots = append(s.Slots, slot)
	return nil
}

// ByName finds a slot by its bind name (without the leading ':'),
// matching spec §4.7's bind-interception lookup for the shard-key bind.
func (s *Set) ByName(name string) (*Slot, bool) {
	for _, slot := range s.Slots {
		if slot.Name == name {
			return slot, true
		}
	}
	return nil, false
}

// Args renders the bind set as positional arguments for a single row
// (row 0 for a scalar execute, or the given row index for an array
// bind driving a batched execute).
func (s *Set) Args(row int) ([]any, error) {
	args := make([]any, 0, len(s.Slots))
	for _, slot := range s.Slots {
		if slot.Direction == DirOut {
			continue // pure OUT binds are not sent as input arguments
		}
		if row >= len(slot.Values) {
			return nil, fmt.Errorf("bind: slot %q has no value for row %d", slot.Name, row)
		}
		args = append(args, slot.Values[row])
	}
	return args, nil
}
