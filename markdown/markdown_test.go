package markdown

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeRuleFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
}

func TestDoMarkdownMatchesTableRule(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "rule_table", "ACCOUNTS|100\n")
	writeRuleFile(t, dir, "rule_sql", "")

	l := New(dir)
	if !l.DoMarkdown("", "", "SELECT * FROM accounts WHERE id = 1") {
		t.Fatalf("expected a markdown match against the ACCOUNTS table rule")
	}
}

func TestDoMarkdownRequiresAllSQLKeywords(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "rule_table", "")
	writeRuleFile(t, dir, "rule_sql", "DROP~TABLE|100\n")

	l := New(dir)
	if l.DoMarkdown("", "", "SELECT * FROM accounts") {
		t.Fatalf("expected no match: statement doesn't contain DROP or TABLE")
	}
	if !l.DoMarkdown("", "", "DROP TABLE accounts") {
		t.Fatalf("expected a match: statement contains both keywords")
	}
}

func TestDoMarkdownRespectsHostScope(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "rule_table", "")
	writeRuleFile(t, dir, "rule_sql", "ACCOUNTS|100|DBHOST1\n")

	l := New(dir)
	if l.DoMarkdown("dbhost2", "", "SELECT * FROM accounts") {
		t.Fatalf("expected no match: rule is scoped to a different host")
	}
	if !l.DoMarkdown("dbhost1", "", "SELECT * FROM accounts") {
		t.Fatalf("expected a match: host matches the rule's scope")
	}
}

func TestIsEmptyWithNoRuleFiles(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)
	if !l.IsEmpty() {
		t.Fatalf("expected an empty rule list with no control files present")
	}
	if l.DoMarkdown("", "", "SELECT 1") {
		t.Fatalf("expected no match with no rules loaded")
	}
}

func TestReloadPicksUpRuleFileChanges(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "rule_table", "ACCOUNTS|100\n")
	writeRuleFile(t, dir, "rule_sql", "")

	l := New(dir)
	if !l.DoMarkdown("", "", "SELECT * FROM accounts") {
		t.Fatalf("expected initial rule to match")
	}

	writeRuleFile(t, dir, "rule_table", "ORDERS|100\n")
	future := time.Now().Add(time.Second)
	if err := os.Chtimes(filepath.Join(dir, "rule_table"), future, future); err != nil {
		t.Fatalf("setting mtime: %v", err)
	}
	if l.DoMarkdown("", "", "SELECT * FROM accounts") {
		t.Fatalf("expected reload to replace the ACCOUNTS rule with ORDERS")
	}
	if !l.DoMarkdown("", "", "SELECT * FROM orders") {
		t.Fatalf("expected the reloaded ORDERS rule to match")
	}
}
