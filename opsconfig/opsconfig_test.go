package opsconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func TestGetReturnsParsedValue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ops.config")
	writeConfigFile(t, path, "max_connections=50\nhost_name = dbhost1\n")

	c := New(path)
	if v, ok := c.Get("max_connections"); !ok || v != "50" {
		t.Fatalf("got (%q, %v), want (\"50\", true)", v, ok)
	}
	if v, ok := c.Get("host_name"); !ok || v != "dbhost1" {
		t.Fatalf("got (%q, %v), want (\"dbhost1\", true)", v, ok)
	}
}

func TestGetMissingKeyReturnsFalse(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ops.config")
	writeConfigFile(t, path, "max_connections=50\n")

	c := New(path)
	if _, ok := c.Get("does_not_exist"); ok {
		t.Fatalf("expected ok=false for a missing key")
	}
}

func TestGetIgnoresBlankAndCommentLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ops.config")
	writeConfigFile(t, path, "\n# a comment\nmax_connections=50\n")

	c := New(path)
	if v, ok := c.Get("max_connections"); !ok || v != "50" {
		t.Fatalf("got (%q, %v), want (\"50\", true)", v, ok)
	}
}

func TestNewWithMissingFileHasNoValues(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "missing.config"))
	if _, ok := c.Get("anything"); ok {
		t.Fatalf("expected ok=false with no backing file")
	}
}

func TestReloadPicksUpFileChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ops.config")
	writeConfigFile(t, path, "max_connections=50\n")

	c := New(path)
	if v, _ := c.Get("max_connections"); v != "50" {
		t.Fatalf("got %q, want \"50\"", v)
	}

	writeConfigFile(t, path, "max_connections=100\n")
	future := time.Now().Add(time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("setting mtime: %v", err)
	}

	if v, _ := c.Get("max_connections"); v != "100" {
		t.Fatalf("got %q, want \"100\" after reload", v)
	}
}

func TestSpecialQueryLookupResolvesTextAndMaxAge(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ops.config")
	writeConfigFile(t, path, ""+
		"special_query_7_text=SELECT NOW() FROM DUAL\n"+
		"special_query_7_max_age=30\n")

	lookup := SpecialQueryLookup(New(path))
	cfg, ok := lookup(7)
	if !ok {
		t.Fatalf("expected special query 7 to resolve")
	}
	if cfg.Text != "SELECT NOW() FROM DUAL" {
		t.Fatalf("got text %q", cfg.Text)
	}
	if cfg.MaxAge != 30*time.Second {
		t.Fatalf("got max age %v, want 30s", cfg.MaxAge)
	}
}

func TestSpecialQueryLookupMissingIDReturnsFalse(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ops.config")
	writeConfigFile(t, path, "special_query_7_text=SELECT 1\nspecial_query_7_max_age=30\n")

	lookup := SpecialQueryLookup(New(path))
	if _, ok := lookup(8); ok {
		t.Fatalf("expected no entry for an unconfigured query id")
	}
}

func TestSpecialQueryLookupRequiresBothKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ops.config")
	writeConfigFile(t, path, "special_query_7_text=SELECT 1\n")

	lookup := SpecialQueryLookup(New(path))
	if _, ok := lookup(7); ok {
		t.Fatalf("expected no entry when max_age is missing")
	}
}

func TestSpecialQueryLookupRejectsNonNumericMaxAge(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ops.config")
	writeConfigFile(t, path, "special_query_7_text=SELECT 1\nspecial_query_7_max_age=soon\n")

	lookup := SpecialQueryLookup(New(path))
	if _, ok := lookup(7); ok {
		t.Fatalf("expected no entry when max_age doesn't parse")
	}
}
