package specialcache

import (
	"testing"
	"time"
)

func staticLookup(cfgs map[int]QueryConfig) ConfigLookup {
	return func(queryID int) (QueryConfig, bool) {
		cfg, ok := cfgs[queryID]
		return cfg, ok
	}
}

func TestGetOrCreateReturnsFalseForUnconfiguredQuery(t *testing.T) {
	r := NewRegistry(8, staticLookup(nil))
	if _, ok := r.GetOrCreate(42); ok {
		t.Fatalf("expected no entry for an unconfigured query id")
	}
}

func TestGetOrCreateReusesTheSameEntry(t *testing.T) {
	r := NewRegistry(8, staticLookup(map[int]QueryConfig{
		1: {Text: "SELECT * FROM ref_data", MaxAge: time.Minute},
	}))
	a, ok := r.GetOrCreate(1)
	if !ok {
		t.Fatalf("expected entry 1 to be configured")
	}
	b, _ := r.GetOrCreate(1)
	if a != b {
		t.Fatalf("expected GetOrCreate to return the same entry on repeat calls")
	}
}

func TestEntryNotValidUntilPopulated(t *testing.T) {
	r := NewRegistry(8, staticLookup(map[int]QueryConfig{
		1: {Text: "SELECT 1", MaxAge: time.Minute},
	}))
	e, _ := r.GetOrCreate(1)
	if e.Valid() {
		t.Fatalf("expected a freshly created entry to be invalid before population")
	}
	e.Populate(1, []string{"1"})
	if !e.Valid() {
		t.Fatalf("expected the entry to be valid right after population")
	}
}

func TestEntryDisabledWithZeroMaxAge(t *testing.T) {
	r := NewRegistry(8, staticLookup(map[int]QueryConfig{
		1: {Text: "SELECT 1", MaxAge: 0},
	}))
	e, _ := r.GetOrCreate(1)
	e.Populate(1, []string{"1"})
	if e.Enabled() {
		t.Fatalf("expected caching disabled for a zero max age")
	}
	if e.Valid() {
		t.Fatalf("expected a disabled entry to never be valid")
	}
}

func TestEntryExpireClearsResults(t *testing.T) {
	r := NewRegistry(8, staticLookup(map[int]QueryConfig{
		1: {Text: "SELECT 1", MaxAge: time.Minute},
	}))
	e, _ := r.GetOrCreate(1)
	e.Populate(2, []string{"a", "b"})
	e.Expire()
	if e.Valid() {
		t.Fatalf("expected an expired entry to be invalid")
	}
	if len(e.Results()) != 0 {
		t.Fatalf("expected expire to clear cached results")
	}
}
