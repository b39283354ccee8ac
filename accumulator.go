package tmforge

// Token is a half-open byte range over the tokenized text, annotated with
// the scope stack in effect when it was emitted (§3 Token). Scopes is
// outermost-first; the grammar root's scope is always Scopes[0].
type Token struct {
	Start, End int
	Scopes     []ScopeID
}

// Len returns the number of bytes the token covers.
func (t Token) Len() int { return t.End - t.Start }

// accumulator is the token sink the tokenizer emits through (§4.7). It
// enforces the coverage invariants in-line rather than checking them after
// the fact: the next token emitted must start exactly where the last one
// ended, so a gap or overlap is a programming error in the scanner, not a
// possible grammar-driven outcome, and is raised as an invariant violation
// (§7) instead of silently producing bad output.
type accumulator struct {
	next   int
	tokens []Token
}

func newAccumulator(start int) *accumulator {
	return &accumulator{next: start}
}

// emit appends (or merges into the previous token) the span [start, end)
// with the given scope stack. Consecutive tokens with identical scope
// stacks are merged, per §4.7's optional batching pass — done inline here
// rather than as a separate post-pass, since the accumulator already sees
// every token in order.
func (a *accumulator) emit(start, end int, scopes []ScopeID) {
	if end < start {
		panicInvariant("token end %d precedes start %d", end, start)
	}
	if start != a.next {
		panicInvariant("token at %d does not continue previous token ending at %d", start, a.next)
	}
	if end == start {
		// Zero-width tokens are not coverage (nothing to cover) and would
		// defeat the merge check below; callers that want an explicit
		// empty-line marker use emitEmptyLine.
		return
	}
	if n := len(a.tokens); n > 0 && a.tokens[n-1].End == start && scopeEqual(a.tokens[n-1].Scopes, scopes) {
		a.tokens[n-1].End = end
	} else {
		a.tokens = append(a.tokens, Token{Start: start, End: end, Scopes: scopes})
	}
	a.next = end
}

// emitEmptyLine records the explicit empty-token §4.7 carves out for a
// zero-length line when the caller wants full-line coverage even when
// there is nothing to cover.
func (a *accumulator) emitEmptyLine(pos int, scopes []ScopeID) {
	if pos != a.next {
		panicInvariant("empty-line token at %d does not continue previous token ending at %d", pos, a.next)
	}
	a.tokens = append(a.tokens, Token{Start: pos, End: pos, Scopes: scopes})
}

func scopeEqual(a, b []ScopeID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
