// Package opsconfig loads the worker's flat key=value ops-config file
// and resolves the special-query cache's per-id configuration from it.
//
// Grounded on original_source/worker/cppworker/config/SimpleConfig.cpp: a
// single file of "key=value" lines read into a map, with no sections or
// nesting. This port keeps that shape and adds the same mtime-gated
// reload convention the markdown rule files use, since both are the same
// "operators drop a file, the worker picks it up without a restart" idiom.
package opsconfig

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shardstore/occworker/internal/wlog"
	"github.com/shardstore/occworker/specialcache"
)

// Config is the loaded key=value ops-config file.
type Config struct {
	log  *wlog.Logger
	path string

	mu      sync.RWMutex
	values  map[string]string
	modTime int64
}

// New loads path immediately; a missing file is not an error; Get simply
// returns false for every key until the file appears and Reload is called.
func New(path string) *Config {
	c := &Config{log: wlog.New("opsconfig"), path: path, values: map[string]string{}}
	c.Reload()
	return c
}

// Reload re-parses the file if its mtime changed since the last load,
// the same lazy-reload convention markdown.List.Reload uses.
func (c *Config) Reload() {
	if c.path == "" {
		return
	}
	info, err := os.Stat(c.path)
	if err != nil {
		return
	}
	mt := info.ModTime().UnixNano()

	c.mu.RLock()
	unchanged := mt == c.modTime
	c.mu.RUnlock()
	if unchanged {
		return
	}

	values, err := parseFile(c.path)
	if err != nil {
		c.log.Printf("failed to reload %s: %v", c.path, err)
		return
	}
	c.mu.Lock()
	c.values = values
	c.modTime = mt
	c.mu.Unlock()
	c.log.Printf("loaded %d keys from %s", len(values), c.path)
}

func parseFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	values := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" || strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		if key == "" {
			continue
		}
		values[key] = val
	}
	return values, scanner.Err()
}

// Get returns the value for name, reloading the backing file first if it
// changed on disk.
func (c *Config) Get(name string) (string, bool) {
	c.Reload()
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[name]
	return v, ok
}

// SpecialQueryLookup adapts Config into a specialcache.ConfigLookup,
// resolving "special_query_<id>_text"/"_max_age" the way
// OCCCachedResults::get_cache_entry reads them from its Config
// collaborator.
func SpecialQueryLookup(c *Config) specialcache.ConfigLookup {
	return func(queryID int) (specialcache.QueryConfig, bool) {
		prefix := "special_query_" + strconv.Itoa(queryID)
		text, ok := c.Get(prefix + "_text")
		if !ok {
			return specialcache.QueryConfig{}, false
		}
		maxAgeStr, ok := c.Get(prefix + "_max_age")
		if !ok {
			return specialcache.QueryConfig{}, false
		}
		seconds, err := strconv.Atoi(maxAgeStr)
		if err != nil {
			return specialcache.QueryConfig{}, false
		}
		return specialcache.QueryConfig{Text: text, MaxAge: time.Duration(seconds) * time.Second}, true
	}
}
