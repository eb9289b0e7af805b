package stmtcache

import (
	"testing"
	"time"
)

func newEntry(text string, ver APIVersion, created time.Time, execCount int64) *Entry {
	return &Entry{NormalizedSQL: text, APIVersion: ver, CreatedAt: created, LastUsed: created, ExecCount: execCount}
}

func TestBinarySearchMatchesLinearSearch(t *testing.T) {
	c := New(100, time.Hour, time.Minute)
	texts := []string{"select b", "select a", "select c", "insert into t", "select a"}
	base := time.Now()
	for i, txt := range texts {
		ver := V1
		if i%2 == 0 {
			ver = V2
		}
		c.Put(newEntry(txt, ver, base.Add(time.Duration(i)*time.Second), int64(i)))
	}

	for i, txt := range texts {
		ver := V1
		if i%2 == 0 {
			ver = V2
		}
		binIdx, binFound := c.indexOf(txt, ver)
		linIdx, linFound := c.LinearIndexOf(txt, ver)
		if binFound != linFound {
			t.Fatalf("text=%q ver=%v: binary found=%v, linear found=%v", txt, ver, binFound, linFound)
		}
		if binFound && c.entries[binIdx] != c.entries[linIdx] {
			t.Fatalf("text=%q ver=%v: binary and linear search disagree on entry identity", txt, ver)
		}
	}
}

func TestV1V2CacheSplit(t *testing.T) {
	c := New(10, time.Hour, time.Minute)
	c.Put(newEntry("select now()", V1, time.Now(), 0))
	c.Put(newEntry("select now()", V2, time.Now(), 0))

	if c.Len() != 2 {
		t.Fatalf("expected two distinct entries for v1/v2 split, got %d", c.Len())
	}
	if _, ok := c.Get("select now()", V1); !ok {
		t.Fatalf("expected a v1 hit")
	}
	if _, ok := c.Get("select now()", V2); !ok {
		t.Fatalf("expected a v2 hit")
	}
}

func TestEvictsOldestTieBreakLowestExecCount(t *testing.T) {
	c := New(2, time.Hour, time.Minute)
	base := time.Now()
	c.Put(newEntry("a", V1, base, 5))
	c.Put(newEntry("b", V1, base, 1)) // same timestamp, lower exec count -> evicted first
	c.Put(newEntry("c", V1, base.Add(time.Second), 0))

	if c.Len() != 2 {
		t.Fatalf("expected cache capped at 2 entries, got %d", c.Len())
	}
	if _, ok := c.Get("b", V1); ok {
		t.Fatalf("expected entry 'b' (oldest timestamp, lowest exec count) to have been evicted")
	}
	if _, ok := c.Get("a", V1); !ok {
		t.Fatalf("expected entry 'a' to survive")
	}
}

func TestSweepExpiredRemovesOldEntries(t *testing.T) {
	c := New(10, time.Minute, 0)
	old := newEntry("old", V1, time.Now().Add(-time.Hour), 0)
	fresh := newEntry("fresh", V1, time.Now(), 0)
	c.entries = []*Entry{old, fresh}

	var closed []*Entry
	c.SweepExpired(time.Now(), func(e *Entry) { closed = append(closed, e) })

	if len(closed) != 1 || closed[0].NormalizedSQL != "old" {
		t.Fatalf("expected only 'old' to be swept, got %+v", closed)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 surviving entry, got %d", c.Len())
	}
}

func TestSweepRespectsMinimumInterval(t *testing.T) {
	c := New(10, time.Minute, time.Hour)
	c.lastSweep = time.Now()
	old := newEntry("old", V1, time.Now().Add(-time.Hour), 0)
	c.entries = []*Entry{old}

	c.SweepExpired(time.Now(), nil)

	if c.Len() != 1 {
		t.Fatalf("sweep should not have run before expireEvery elapsed")
	}
}
