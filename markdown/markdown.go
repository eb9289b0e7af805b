// Package markdown implements the ops-config "markdown" mechanism
// (spec §4.8): operators drop keyword-list rule files into a watched
// directory to tell a worker to refuse matching statements without a
// code change or restart.
//
// Grounded on this codebase's Markdown.h/Markdown.cpp: two rule files,
// rule_table (table-name keyword matches, checked against the leading
// SELECT/UPDATE/INSERT/DELETE verb) and rule_sql (arbitrary keyword-set
// matches anywhere in the statement), each line carrying a pipe-
// separated keyword-list, frequency percentage and optional host
// scope. Reload-on-mtime-change is kept; this port adds an fsnotify
// watch so a reload happens promptly instead of only on the next
// lookup.
package markdown

import (
	"bufio"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/shardstore/occworker/internal/wlog"
)

// Kind distinguishes the two rule files' matching rules.
type Kind int

const (
	KindTable Kind = iota
	KindSQL
)

// Filter is one parsed rule line.
type Filter struct {
	Keywords []string
	Freq     int // percent, 0-100
	Host     string

	lastSrc string // last statement this filter matched, for the "don't repeat immediately" rule
}

// ruleFileNames matches this codebase's two control files.
var ruleFileNames = [2]string{"rule_table", "rule_sql"}

// List holds the loaded table/sql rule sets for one markdown directory.
type List struct {
	log  *wlog.Logger
	path string

	mu      sync.Mutex
	filters [2][]*Filter
	modTime [2]int64
}

func New(path string) *List {
	return &List{log: wlog.New("markdown"), path: path}
}

// IsEmpty reports whether no rules are currently loaded.
func (l *List) IsEmpty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.filters[0]) == 0 && len(l.filters[1]) == 0
}

// Reload re-parses any rule file whose mtime changed since the last
// load, matching the C++ implementation's lazy-reload-on-lookup
// behavior. The fsnotify-driven watch in loader.go calls this
// proactively too.
func (l *List) Reload() {
	if l.path == "" {
		return
	}
	for i, name := range ruleFileNames {
		full := filepath.Join(l.path, name)
		info, err := os.Stat(full)
		if err != nil {
			continue
		}
		mt := info.ModTime().UnixNano()

		l.mu.Lock()
		unchanged := mt == l.modTime[i]
		l.mu.Unlock()
		if unchanged {
			continue
		}

		filters, err := parseRuleFile(full)
		if err != nil {
			l.log.Printf("failed to reload %s: %v", full, err)
			continue
		}
		l.mu.Lock()
		l.filters[i] = filters
		l.modTime[i] = mt
		l.mu.Unlock()
		l.log.Printf("loaded %d rules from %s", len(filters), full)
	}
}

func parseRuleFile(path string) ([]*Filter, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var filters []*Filter
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.Split(line, "|")
		kwField := strings.ToUpper(strings.TrimSpace(parts[0]))
		if kwField == "" {
			continue
		}

		filter := &Filter{Freq: 100}
		if strings.Contains(kwField, "~") {
			for _, kw := range strings.Split(kwField, "~") {
				kw = strings.TrimSpace(kw)
				if kw != "" {
					filter.Keywords = append(filter.Keywords, kw)
				}
			}
		} else {
			filter.Keywords = []string{kwField}
		}

		if len(parts) > 1 {
			freqStr := strings.TrimSpace(parts[1])
			if freqStr != "" {
				if n, err := strconv.Atoi(freqStr); err == nil {
					filter.Freq = n
				}
			}
			if filter.Freq > 100 || filter.Freq < 0 {
				filter.Freq = 0
			}
		}
		if len(parts) > 2 {
			filter.Host = strings.ToUpper(strings.TrimSpace(parts[2]))
		}
		filters = append(filters, filter)
	}
	return filters, scanner.Err()
}

// DoMarkdown reports whether raw should be refused, reloading rule
// files first if they changed on disk.
func (l *List) DoMarkdown(host, host2, raw string) bool {
	if l.IsEmpty() {
		l.Reload()
		if l.IsEmpty() {
			return false
		}
	} else {
		l.Reload()
	}

	src := strings.ToUpper(strings.TrimSpace(raw))
	host = strings.ToUpper(host)
	host2 = strings.ToUpper(host2)

	l.mu.Lock()
	defer l.mu.Unlock()
	for k := 0; k < 2; k++ {
		for _, f := range l.filters[k] {
			if f.match(src, Kind(k) == KindTable, host, host2) {
				return true
			}
		}
	}
	return false
}

// match mirrors MarkdownFilter::match: verb-leading check for table
// rules, then every keyword must appear, then host scope, then the
// frequency dice roll with its "skip an immediate repeat" rule.
func (f *Filter) match(src string, isTable bool, host, host2 string) bool {
	off := 0
	if isTable {
		verb := leadingVerb(src)
		if verb == "" {
			return false
		}
		off = len(verb)
	}

	for _, kw := range f.Keywords {
		searchFrom := 0
		if isTable {
			searchFrom = off
		}
		if !strings.Contains(src[minInt(searchFrom, len(src)):], kw) {
			return false
		}
	}

	if f.Host != "" && f.Host != host && f.Host != host2 {
		return false
	}

	if f.Freq < 100 {
		w := rand.Float64() * 100
		if isTable && strings.HasPrefix(src[off:], "") && leadingVerb(src) == "SELECT" {
			w *= 2
		}
		if w > float64(f.Freq) {
			return false
		}
		if f.lastSrc == src {
			f.lastSrc = ""
			return false
		}
	}

	f.lastSrc = src
	return true
}

func leadingVerb(src string) string {
	src = strings.TrimPrefix(src, "/*")
	if idx := strings.Index(src, "*/"); idx >= 0 {
		src = src[idx+2:]
	}
	src = strings.TrimLeft(src, " \t")
	for _, verb := range []string{"SELECT", "UPDATE", "INSERT", "DELETE"} {
		if strings.HasPrefix(src, verb) {
			return verb
		}
	}
	return ""
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
