// Package tagfilter implements the scheduling-tag boolean filter:
// a small formula language over atomic tag-presence predicates,
// combined with &, |, ! and parentheses, plus a reference-counted
// directory so a snapshot can enumerate the distinct filters in use
// without rehashing or reparsing them.
package tagfilter

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/patrickmn/go-cache"
)

// Filter is a parsed boolean formula over tag-presence predicates.
// The zero Filter is the empty filter, which is always satisfied.
type Filter struct {
	expr Expr
	raw  string
	hash uint64
}

// Expr is a node in the boolean formula tree.
type Expr interface {
	eval(tags map[string]struct{}) bool
}

type tagExpr string

func (e tagExpr) eval(tags map[string]struct{}) bool {
	_, ok := tags[string(e)]
	return ok
}

type notExpr struct{ inner Expr }

func (e notExpr) eval(tags map[string]struct{}) bool { return !e.inner.eval(tags) }

type andExpr struct{ left, right Expr }

func (e andExpr) eval(tags map[string]struct{}) bool {
	return e.left.eval(tags) && e.right.eval(tags)
}

type orExpr struct{ left, right Expr }

func (e orExpr) eval(tags map[string]struct{}) bool {
	return e.left.eval(tags) || e.right.eval(tags)
}

// Empty is the filter satisfied by every node, i.e. "always true".
var Empty = Filter{}

// Parse compiles a boolean formula of the form "a & (b | !c)" into a
// Filter. An empty or all-whitespace formula compiles to Empty.
func Parse(formula string) (Filter, error) {
	trimmed := strings.TrimSpace(formula)
	if trimmed == "" {
		return Empty, nil
	}

	p := &parser{tokens: tokenize(trimmed)}
	expr, err := p.parseOr()
	if err != nil {
		return Filter{}, fmt.Errorf("tagfilter: parse %q: %w", formula, err)
	}
	if p.pos != len(p.tokens) {
		return Filter{}, fmt.Errorf("tagfilter: parse %q: unexpected trailing token %q", formula, p.tokens[p.pos])
	}

	h, err := hashstructure.Hash(canonicalize(expr), hashstructure.FormatV2, nil)
	if err != nil {
		return Filter{}, fmt.Errorf("tagfilter: hash %q: %w", formula, err)
	}

	return Filter{expr: expr, raw: trimmed, hash: h}, nil
}

// MustParse is Parse, panicking on error. Intended for static
// filters built from constants (e.g. in tests or config defaults).
func MustParse(formula string) Filter {
	f, err := Parse(formula)
	if err != nil {
		panic(err)
	}
	return f
}

// IsEmpty reports whether the filter is the "always true" filter.
func (f Filter) IsEmpty() bool {
	return f.expr == nil
}

// CanSchedule reports whether the given tag set satisfies the
// filter. The empty filter always returns true.
func (f Filter) CanSchedule(tags map[string]struct{}) bool {
	if f.expr == nil {
		return true
	}
	return f.expr.eval(tags)
}

// Hash returns a stable hash of the formula, suitable for
// deduplicating identical filters across pools and operations.
func (f Filter) Hash() uint64 {
	return f.hash
}

// String returns the canonical formula text the filter was parsed
// from (trimmed of surrounding whitespace).
func (f Filter) String() string {
	if f.expr == nil {
		return ""
	}
	return f.raw
}

// Equal reports whether two filters have the same formula hash.
// Two syntactically different but logically equivalent formulas
// (e.g. "a&b" vs "b&a") are NOT guaranteed to be Equal; callers that
// need semantic equivalence should normalize their tag formulas
// upstream.
func Equal(a, b Filter) bool {
	return a.hash == b.hash
}

// canonicalize turns the Expr tree into a plain, hashstructure-safe
// value (interfaces over unexported types don't hash deterministically
// across packages boundaries otherwise).
func canonicalize(e Expr) any {
	switch v := e.(type) {
	case tagExpr:
		return [2]any{"tag", string(v)}
	case notExpr:
		return [2]any{"not", canonicalize(v.inner)}
	case andExpr:
		return [3]any{"and", canonicalize(v.left), canonicalize(v.right)}
	case orExpr:
		return [3]any{"or", canonicalize(v.left), canonicalize(v.right)}
	default:
		return nil
	}
}

// Directory is a reference-counted registry of distinct filters,
// keyed by hash, so a snapshot-wide pass can iterate the set of
// filters actually in use without re-parsing or re-hashing them on
// every lookup. The underlying store is a patrickmn/go-cache instance
// with no expiration, reused here purely for its concurrency-safe
// map rather than its TTL behavior.
type Directory struct {
	store *cache.Cache
}

type dirEntry struct {
	filter   Filter
	refCount atomic.Int64
}

// NewDirectory returns an empty filter directory.
func NewDirectory() *Directory {
	return &Directory{store: cache.New(cache.NoExpiration, cache.NoExpiration)}
}

func hashKey(hash uint64) string {
	return strconv.FormatUint(hash, 16)
}

// Acquire registers f (if not already present) and increments its
// reference count, returning the canonical Filter value stored in
// the directory.
func (d *Directory) Acquire(f Filter) Filter {
	key := hashKey(f.hash)

	entry := &dirEntry{filter: f}
	if err := d.store.Add(key, entry, cache.NoExpiration); err != nil {
		// Already present: fall through to the existing entry.
		raw, _ := d.store.Get(key)
		entry = raw.(*dirEntry)
	}
	entry.refCount.Add(1)
	return entry.filter
}

// Release decrements the reference count of the filter with the
// given hash, removing it from the directory once it reaches zero.
// Releasing a hash not present in the directory is a no-op.
func (d *Directory) Release(hash uint64) {
	key := hashKey(hash)
	raw, ok := d.store.Get(key)
	if !ok {
		return
	}
	entry := raw.(*dirEntry)
	if entry.refCount.Add(-1) <= 0 {
		d.store.Delete(key)
	}
}

// List returns every distinct filter currently referenced in the
// directory, in no particular order.
func (d *Directory) List() []Filter {
	items := d.store.Items()
	out := make([]Filter, 0, len(items))
	for _, item := range items {
		entry := item.Object.(*dirEntry)
		out = append(out, entry.filter)
	}
	return out
}

// Len returns the number of distinct filters currently registered.
func (d *Directory) Len() int {
	return d.store.ItemCount()
}
