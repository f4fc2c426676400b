// Package registry maintains the aggregate, namespaced tool catalog: one
// entry per upstream-qualified tool name, visibility state, and the fixed
// set of proxy-native core tools layered on top.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/centianhq/aproxy/internal/upstream"
)

// SearchMode controls how multiple keywords combine in Search.
type SearchMode string

const (
	SearchAND SearchMode = "AND"
	SearchOR  SearchMode = "OR"
)

// Entry is one namespaced tool: its descriptor plus visibility state.
// "discovered" is implicit in an entry's presence in the registry;
// enabled/exposed are tracked explicitly per the exposed⇒enabled invariant.
type Entry struct {
	Descriptor upstream.ToolDescriptor
	Enabled    bool
}

// FullName returns the namespaced name this entry is indexed under.
func (e Entry) FullName() string { return e.Descriptor.FullName() }

// Exposed reports whether this entry is counted in the public tools/list.
// Core tools and upstream tools share the same rule: exposed iff enabled.
func (e Entry) Exposed() bool { return e.Enabled }

// ListChangedObserver is notified once per Enable, Disable, Remove or
// RemoveFromSession call that changed the registry, and once per
// AddFromSession or Put call whether or not anything changed.
type ListChangedObserver func()

// Registry is the full-name index over every upstream session's tools plus
// the core tools. All mutating operations are exclusive; reads see a
// consistent snapshot.
type Registry struct {
	mu                 sync.RWMutex
	entries            map[string]Entry
	shortNameResolve   bool
	listChangedObserver ListChangedObserver
}

// New constructs an empty registry. shortNameResolution enables the
// local-name → full-name convenience lookup in Resolve when unambiguous.
func New(shortNameResolution bool) *Registry {
	return &Registry{
		entries:          make(map[string]Entry),
		shortNameResolve: shortNameResolution,
	}
}

// OnListChanged registers the callback invoked when the exposed tool set
// changes. Only one observer is supported; the proxy coordinator is the
// sole subscriber in practice (it forwards to the downstream transport).
func (r *Registry) OnListChanged(fn ListChangedObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listChangedObserver = fn
}

// AddFromSession inserts descriptors from one upstream session, overwriting
// any prior entries carrying that session's id prefix and leaving every
// other session's entries untouched. New entries default to enabled.
func (r *Registry) AddFromSession(sessionID string, descriptors []upstream.ToolDescriptor) {
	r.mu.Lock()
	prefix := sessionID + "__"
	for name := range r.entries {
		if strings.HasPrefix(name, prefix) {
			delete(r.entries, name)
		}
	}
	for _, d := range descriptors {
		d.UpstreamID = sessionID
		r.entries[d.FullName()] = Entry{Descriptor: d, Enabled: true}
	}
	r.mu.Unlock()
	r.notifyListChanged()
}

// Put inserts or replaces a single entry directly, for tool sources that
// aren't backed by an upstream session (the manage_commands core tool).
func (r *Registry) Put(d upstream.ToolDescriptor, enabled bool) {
	r.mu.Lock()
	r.entries[d.FullName()] = Entry{Descriptor: d, Enabled: enabled}
	r.mu.Unlock()
	r.notifyListChanged()
}

// Remove deletes a single entry by full name, for manage_commands removal.
func (r *Registry) Remove(fullName string) {
	r.mu.Lock()
	_, ok := r.entries[fullName]
	if ok {
		delete(r.entries, fullName)
	}
	r.mu.Unlock()
	if ok {
		r.notifyListChanged()
	}
}

// RemoveFromSession deletes only the given session's entries.
func (r *Registry) RemoveFromSession(sessionID string) {
	r.mu.Lock()
	prefix := sessionID + "__"
	removed := false
	for name := range r.entries {
		if strings.HasPrefix(name, prefix) {
			delete(r.entries, name)
			removed = true
		}
	}
	r.mu.Unlock()
	if removed {
		r.notifyListChanged()
	}
}

// Search returns entries whose local name, description, or upstream id
// case-insensitively contain keywords, combined per mode.
func (r *Registry) Search(keywords []string, mode SearchMode) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lowered := make([]string, len(keywords))
	for i, k := range keywords {
		lowered[i] = strings.ToLower(k)
	}

	var results []Entry
	for _, e := range r.entries {
		haystack := strings.ToLower(e.Descriptor.LocalName + " " + e.Descriptor.Description + " " + e.Descriptor.UpstreamID)
		if matchesKeywords(haystack, lowered, mode) {
			results = append(results, e)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].FullName() < results[j].FullName() })
	return results
}

func matchesKeywords(haystack string, keywords []string, mode SearchMode) bool {
	if len(keywords) == 0 {
		return true
	}
	switch mode {
	case SearchOR:
		for _, k := range keywords {
			if strings.Contains(haystack, k) {
				return true
			}
		}
		return false
	default: // SearchAND
		for _, k := range keywords {
			if !strings.Contains(haystack, k) {
				return false
			}
		}
		return true
	}
}

// Enable toggles the given full names visible. Enabling a non-existent name
// is a no-op for that name. Triggers ListChanged when the exposed set
// actually changes.
func (r *Registry) Enable(fullNames []string, reason string) {
	r.mu.Lock()
	changed := false
	for _, name := range fullNames {
		e, ok := r.entries[name]
		if !ok || e.Enabled {
			continue
		}
		e.Enabled = true
		r.entries[name] = e
		changed = true
	}
	r.mu.Unlock()
	if changed {
		r.notifyListChanged()
	}
}

// Disable hides the given full names from the exposed set.
func (r *Registry) Disable(fullNames []string) {
	r.mu.Lock()
	changed := false
	for _, name := range fullNames {
		e, ok := r.entries[name]
		if !ok || !e.Enabled {
			continue
		}
		e.Enabled = false
		r.entries[name] = e
		changed = true
	}
	r.mu.Unlock()
	if changed {
		r.notifyListChanged()
	}
}

// ErrAmbiguousShortName is returned by Resolve when more than one enabled
// tool shares the requested local name.
type ErrAmbiguousShortName struct{ ShortName string }

func (e *ErrAmbiguousShortName) Error() string {
	return fmt.Sprintf("short name %q is ambiguous across multiple upstreams", e.ShortName)
}

// ErrShortNameNotFound is returned by Resolve when no enabled tool carries
// the requested local name.
type ErrShortNameNotFound struct{ ShortName string }

func (e *ErrShortNameNotFound) Error() string {
	return fmt.Sprintf("no enabled tool named %q", e.ShortName)
}

// Resolve maps a bare local name to its full name, when short-name
// resolution is enabled and the name is unambiguous among enabled tools.
func (r *Registry) Resolve(shortName string) (string, error) {
	if !r.shortNameResolve {
		return "", &ErrShortNameNotFound{ShortName: shortName}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var match string
	count := 0
	for name, e := range r.entries {
		if e.Enabled && e.Descriptor.LocalName == shortName {
			match = name
			count++
		}
	}
	switch count {
	case 0:
		return "", &ErrShortNameNotFound{ShortName: shortName}
	case 1:
		return match, nil
	default:
		return "", &ErrAmbiguousShortName{ShortName: shortName}
	}
}

// Get returns the entry for a full name, if present.
func (r *Registry) Get(fullName string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[fullName]
	return e, ok
}

// Exposed returns every currently exposed entry (core + enabled upstream
// tools alike), sorted by full name for a deterministic tools/list.
func (r *Registry) Exposed() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Entry
	for _, e := range r.entries {
		if e.Exposed() {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName() < out[j].FullName() })
	return out
}

func (r *Registry) notifyListChanged() {
	r.mu.RLock()
	obs := r.listChangedObserver
	r.mu.RUnlock()
	if obs != nil {
		obs()
	}
}
