// Package regexp implements the regex façade that the tokenizer and
// grammar compiler use. It wraps github.com/dlclark/regexp2, which gives
// Oniguruma-family semantics (backreferences, lookaround, \b/\G, named
// groups) without a cgo dependency on the system Oniguruma library.
//
// Compilation is lazy and shared: a Regexp stores its pattern source and
// compiles on first use into a one-time cell; concurrent callers of FindAt
// or FindAtByte before the first compile block on the same sync.Once and then
// share the result. A pattern that fails to compile is remembered as
// failed so later calls return the same error instead of retrying.
package regexp

import (
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dlclark/regexp2"
)

// ErrSyntax is wrapped by errors returned from Compile/lazy-compile failures.
var ErrSyntax = errors.New("regexp syntax error")

// matchTimeout bounds catastrophic backtracking in pathological patterns.
// It is generous enough to never trip on well-formed grammars but finite so
// a single malformed pattern cannot hang a tokenization call forever.
const matchTimeout = 2 * time.Second

// Range is a half-open span given in byte offsets into the original string
// the match was found in.
type Range struct {
	Start, End int
}

// Len returns the number of bytes the range covers.
func (r Range) Len() int { return r.End - r.Start }

// Valid reports whether the range participated in the match (regexp2, like
// Oniguruma, allows capture groups to not participate).
func (r Range) Valid() bool { return r.Start >= 0 && r.End >= 0 }

// Text returns the substring of s the range covers.
func (r Range) Text(s string) string { return s[r.Start:r.End] }

// Match is the result of a successful find: group 0 is the whole match,
// groups 1..n are capture groups in declaration order. A group that did
// not participate has the Range {-1, -1}, for which Valid reports false.
type Match struct {
	Groups []Range
}

// Input is a line (or other span of text) pre-decoded once into runes, with
// a byte-offset table, so that many regex searches over the same text (as
// happens once per scan position in the tokenizer's inner loop) don't each
// pay to re-decode UTF-8. regexp2 matches over []rune internally; Input is
// the bridge back to the byte offsets the rest of the engine uses.
type Input struct {
	Text       string
	runes      []rune
	byteOffset []int // byteOffset[i] = byte offset of runes[i]; len = len(runes)+1, sentinel = len(Text)
}

// NewInput decodes text once for repeated regex searches against it.
func NewInput(text string) *Input {
	in := &Input{Text: text}
	in.runes = make([]rune, 0, len(text))
	in.byteOffset = make([]int, 0, len(text)+1)
	b := 0
	for _, r := range text {
		in.runes = append(in.runes, r)
		in.byteOffset = append(in.byteOffset, b)
		b += utf8.RuneLen(r)
	}
	in.byteOffset = append(in.byteOffset, len(text))
	return in
}

// RuneLen returns the number of runes the input was decoded into.
func (in *Input) RuneLen() int { return len(in.runes) }

// ByteToRune converts a byte offset (must fall on a rune boundary) to the
// corresponding rune index.
func (in *Input) ByteToRune(byteOffset int) int {
	if byteOffset >= len(in.Text) {
		return len(in.runes)
	}
	// Inputs are scanned left to right in the tokenizer, but binary search
	// keeps this correct regardless of call pattern.
	lo, hi := 0, len(in.byteOffset)-1
	for lo < hi {
		mid := (lo + hi) / 2
		if in.byteOffset[mid] < byteOffset {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// RuneToByte converts a rune index (0..RuneLen()) back to a byte offset.
func (in *Input) RuneToByte(runeIdx int) int {
	if runeIdx < 0 {
		return 0
	}
	if runeIdx >= len(in.byteOffset) {
		return in.byteOffset[len(in.byteOffset)-1]
	}
	return in.byteOffset[runeIdx]
}

// NextScalarByte returns the byte offset one Unicode scalar past byteOffset,
// used by the tokenizer's zero-width advancement safeguard.
func (in *Input) NextScalarByte(byteOffset int) int {
	r := in.ByteToRune(byteOffset)
	return in.RuneToByte(r + 1)
}

// Regexp is a lazily-compiled, shared regular expression.
type Regexp struct {
	source string

	once sync.Once
	re   *regexp2.Regexp
	err  error
}

// New constructs a Regexp that will compile source on first use. It never
// itself returns an error; compile failures surface from FindAt/Err so
// that a bad pattern degrades a single rule instead of aborting the whole
// grammar (see §7 RegexCompileError in the engine's error-handling design).
func New(source string) *Regexp {
	return &Regexp{source: source}
}

// Compile eagerly compiles source and reports a syntax error immediately.
// Used where the caller wants to fail fast (e.g. the grammar compiler,
// which records a bad pattern as a diagnostic) rather than defer to first use.
func Compile(source string) (*Regexp, error) {
	r := New(source)
	r.compile()
	if r.err != nil {
		return nil, r.err
	}
	return r, nil
}

func (r *Regexp) compile() {
	r.once.Do(func() {
		re, err := regexp2.Compile(r.source, regexp2.None)
		if err != nil {
			r.err = fmt.Errorf("%w: %q: %v", ErrSyntax, r.source, err)
			return
		}
		re.MatchTimeout = matchTimeout
		r.re = re
	})
}

// String returns the original pattern source.
func (r *Regexp) String() string { return r.source }

// Err forces (and caches) compilation, returning any syntax error.
func (r *Regexp) Err() error {
	r.compile()
	return r.err
}

// FindAt searches in for the first match starting at or after runeOffset
// (a rune index into in.Text, as returned by Input.ByteToRune). It returns
// nil, nil on no match and a non-nil error only for a compile or runtime
// regex failure (including a MatchTimeout trip).
func (r *Regexp) FindAt(in *Input, runeOffset int) (*Match, error) {
	r.compile()
	if r.err != nil {
		return nil, r.err
	}
	m, err := r.re.FindRunesMatchStartingAt(in.runes, runeOffset)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrSyntax, r.source, err)
	}
	if m == nil {
		return nil, nil
	}
	return matchFromRegexp2(m, in), nil
}

// FindAtByte is a byte-offset convenience wrapper over FindAt.
func (r *Regexp) FindAtByte(in *Input, byteOffset int) (*Match, error) {
	return r.FindAt(in, in.ByteToRune(byteOffset))
}

func matchFromRegexp2(m *regexp2.Match, in *Input) *Match {
	groups := m.Groups()
	out := &Match{Groups: make([]Range, len(groups))}
	for i, g := range groups {
		if len(g.Captures) == 0 {
			out.Groups[i] = Range{-1, -1}
			continue
		}
		c := g.Captures[len(g.Captures)-1]
		out.Groups[i] = Range{
			Start: in.RuneToByte(c.Index),
			End:   in.RuneToByte(c.Index + c.Length),
		}
	}
	return out
}
