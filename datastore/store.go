package datastore

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/iedon/assetpipe/assets"
)

// CacheBustKey is the template key holding the process-lifetime cache busting token.
const CacheBustKey = "cacheBust"

// UnitError records a data unit that could not be read or parsed.
type UnitError struct {
	Input string
	Err   error
}

func (e *UnitError) Error() string { return fmt.Sprintf("data %s: %v", e.Input, e.Err) }
func (e *UnitError) Unwrap() error { return e.Err }

// Context is the merged data every page of one render pass sees.
type Context struct {
	Data      map[string]any
	CacheBust string
}

// TemplateData returns the map handed to a page template: all data units as
// top level keys, the cache busting token and the page front matter.
func (c Context) TemplateData(page map[string]any) map[string]any {
	out := make(map[string]any, len(c.Data)+2)
	for k, v := range c.Data {
		out[k] = v
	}
	out[CacheBustKey] = c.CacheBust
	if page == nil {
		page = map[string]any{}
	}
	out["page"] = page
	return out
}

type unit struct {
	key     string
	modTime time.Time
	size    int64
	value   any
	// err is the parse failure, reported on every load until the file changes.
	err error
}

// Store loads data units and keeps them keyed by input path and modification time.
type Store struct {
	mu    sync.Mutex
	paths *assets.PathSet
	token string
	units map[string]unit
}

// New returns a store reading the DataUnit inputs of paths.
func New(paths *assets.PathSet, token string) *Store {
	return &Store{paths: paths, token: token, units: make(map[string]unit)}
}

// Token returns the cache busting token exposed to templates.
func (s *Store) Token() string { return s.token }

// Load refreshes stale units and returns the merged context. changed reports
// whether any unit was added, replaced or evicted since the previous call.
// Malformed units are kept as empty mappings and reported in errs on every
// call until they are fixed.
func (s *Store) Load() (Context, bool, []error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	files, err := s.paths.Files(assets.DataUnit)
	if err != nil {
		errs = append(errs, err)
	}

	changed := false
	seen := make(map[string]struct{}, len(files))
	keys := make(map[string]string, len(files))
	for _, rel := range files {
		key := unitKey(rel)
		if owner, dup := keys[key]; dup {
			errs = append(errs, &UnitError{Input: rel, Err: fmt.Errorf("key %q already provided by %s", key, owner)})
			continue
		}
		keys[key] = rel
		seen[rel] = struct{}{}

		info, err := os.Stat(s.paths.Abs(rel))
		if err != nil {
			errs = append(errs, &UnitError{Input: rel, Err: err})
			delete(seen, rel)
			delete(keys, key)
			continue
		}
		if prev, ok := s.units[rel]; ok && prev.modTime.Equal(info.ModTime()) && prev.size == info.Size() {
			if prev.err != nil {
				errs = append(errs, prev.err)
			}
			continue
		}

		u := unit{key: key, modTime: info.ModTime(), size: info.Size()}
		if u.value, err = s.parse(rel); err != nil {
			u.err = &UnitError{Input: rel, Err: err}
			u.value = map[string]any{}
			errs = append(errs, u.err)
		}
		s.units[rel] = u
		changed = true
	}

	for rel := range s.units {
		if _, ok := seen[rel]; !ok {
			delete(s.units, rel)
			changed = true
		}
	}

	data := make(map[string]any, len(s.units))
	for _, u := range s.units {
		data[u.key] = u.value
	}
	return Context{Data: data, CacheBust: s.token}, changed, errs
}

// Keys returns the sorted unit keys currently cached.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.units))
	for _, u := range s.units {
		keys = append(keys, u.key)
	}
	sort.Strings(keys)
	return keys
}

func (s *Store) parse(rel string) (any, error) {
	raw, err := os.ReadFile(s.paths.Abs(rel))
	if err != nil {
		return nil, err
	}
	var value any
	switch strings.ToLower(path.Ext(rel)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &value); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	default:
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	}
	if value == nil {
		value = map[string]any{}
	}
	return value, nil
}

func unitKey(rel string) string {
	base := path.Base(rel)
	return strings.TrimSuffix(base, path.Ext(base))
}
