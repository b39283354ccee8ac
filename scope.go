// Package tmforge tokenizes source files using TextMate grammars, intended
// for syntax highlighting.
// Workflow:
// 1) Parse JSON grammar into an internal rule tree (Rule)
// 2) Tokenizer walks the rule tree and emits scoped tokens
package tmforge

import (
	"strings"
	"sync"
)

// ScopeID is an opaque identifier for an interned dotted scope string
// (e.g. "string.quoted.double.js"). Two IDs are equal iff the strings they
// were interned from are equal, and IDs never change meaning once issued.
type ScopeID uint32

// NoScope is the reserved ID meaning "no scope applies".
const NoScope ScopeID = 0

// Interner maps dotted scope strings to small, stable integer IDs and back,
// and answers atom-granular prefix questions between them.
//
// Interner is safe for concurrent use: lookups of already-interned names
// take only the shared RWMutex read lock plus a map read, and only a new
// name triggers a write lock. No ScopeID is ever reassigned or invalidated,
// so callers may cache IDs indefinitely.
type Interner struct {
	mu    sync.RWMutex
	byStr map[string]ScopeID
	names []string // index 0 is NoScope, "".
}

// NewInterner returns a ready-to-use Interner with only NoScope registered.
func NewInterner() *Interner {
	return &Interner{
		byStr: make(map[string]ScopeID),
		names: []string{""},
	}
}

// global is the process-wide interner used by grammar compilation and
// tokenization unless a caller supplies their own (see CompileOptions.Interner).
var global = NewInterner()

// GlobalInterner returns the process-wide interner singleton.
func GlobalInterner() *Interner { return global }

// Intern returns the ScopeID for name, assigning a fresh one on first sight.
// Intern is idempotent: Intern(s) == Intern(s) for any valid s. Passing an
// empty string returns NoScope.
func (in *Interner) Intern(name string) ScopeID {
	if name == "" {
		return NoScope
	}

	in.mu.RLock()
	if id, ok := in.byStr[name]; ok {
		in.mu.RUnlock()
		return id
	}
	in.mu.RUnlock()

	in.mu.Lock()
	defer in.mu.Unlock()
	if id, ok := in.byStr[name]; ok {
		return id
	}
	id := ScopeID(len(in.names))
	in.names = append(in.names, name)
	in.byStr[name] = id
	return id
}

// NameOf returns the string that id was interned from. Undefined (returns
// "") for an id this Interner never issued.
func (in *Interner) NameOf(id ScopeID) string {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if int(id) >= len(in.names) {
		return ""
	}
	return in.names[id]
}

// IsPrefix reports whether a's atom sequence is a (non-strict) prefix of
// b's, e.g. "string.quoted" is a prefix of "string.quoted.double" but not
// of "string.quotedish". IsPrefix(a, a) is always true.
func (in *Interner) IsPrefix(a, b ScopeID) bool {
	if a == b {
		return true
	}
	as, bs := in.NameOf(a), in.NameOf(b)
	return ScopeIsPrefix(as, bs)
}

// ScopeIsPrefix implements atom-granular prefix comparison on raw scope
// strings, independent of interning. Shared by Interner.IsPrefix and the
// theme package's selector matcher, which works against grammar-declared
// scope names before they are necessarily interned in the same Interner.
func ScopeIsPrefix(a, b string) bool {
	if a == "" {
		return false
	}
	if !strings.HasPrefix(b, a) {
		return false
	}
	if len(b) == len(a) {
		return true
	}
	return b[len(a)] == '.'
}
