package tmforge

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tmforge/tmforge/regexp"
)

// Tokenizer drives the per-line scan loop of §4.6 against one grammar. It
// owns the pattern-set cache for every container rule it has visited, so
// repeated lines (and repeated documents tokenized against the same
// grammar) don't re-flatten includes on every call. A Tokenizer is not
// safe for concurrent use — callers wanting parallel tokenization create
// one Tokenizer per goroutine against the (shared, read-only) *Grammar.
type Tokenizer struct {
	grammar *Grammar
	logger  *zerolog.Logger

	psCache     map[ruleRef]*PatternSet
	diagnostics []Diagnostic
}

// NewTokenizer builds a Tokenizer bound to grammar. grammar is treated as
// immutable and may be shared across many Tokenizers and goroutines.
func NewTokenizer(grammar *Grammar) *Tokenizer {
	return &Tokenizer{grammar: grammar, psCache: make(map[ruleRef]*PatternSet)}
}

// SetLogger directs runtime diagnostics (currently just StackOverflow; the
// rest of §7's kinds are compile-time) to l instead of the default no-op
// logger.
func (t *Tokenizer) SetLogger(l *zerolog.Logger) { t.logger = l }

// Diagnostics returns every runtime diagnostic recorded since the
// Tokenizer was created.
func (t *Tokenizer) Diagnostics() []Diagnostic { return t.diagnostics }

func (t *Tokenizer) diag(d Diagnostic) {
	t.diagnostics = append(t.diagnostics, d)
	logDiagnostics(t.logger, []Diagnostic{d})
}

// InitialState returns a fresh root state: one frame for the grammar root,
// scope stack holding only the grammar's own scope name.
func (t *Tokenizer) InitialState() *State {
	root := &stateFrame{grammar: t.grammar, ruleID: t.grammar.Root, isRoot: true, kind: RuleList}
	scopes := pushScope(nil, t.grammar.Rules[t.grammar.Root].Name)
	return &State{frames: []*stateFrame{root}, scopes: scopes}
}

// patternSetFor returns the cached, flattened pattern set for a container
// rule's Patterns field, building it on first use (§4.3: "cached per rule
// id", scoped here to the Tokenizer instance rather than the Grammar so
// two Tokenizers over the same grammar never share mutable state).
func (t *Tokenizer) patternSetFor(g *Grammar, ruleID int) *PatternSet {
	key := ruleRef{g, ruleID}
	if ps, ok := t.psCache[key]; ok {
		return ps
	}
	ps := buildPatternSet(g.Rules[ruleID].Patterns, g, t.grammar)
	t.psCache[key] = ps
	return ps
}

// TokenizeLine tokenizes a single line against state (the state returned
// by the previous line, or InitialState for the first line), returning
// line-relative token ranges and the state to carry into the next line. A
// trailing "\r" is stripped before scanning; the caller is responsible for
// accounting for terminator bytes when assembling document-relative
// offsets (§4.6 "Line handling").
func (t *Tokenizer) TokenizeLine(state *State, line string) (tokens []Token, next *State, err error) {
	if state == nil {
		state = t.InitialState()
	}
	st := state.clone()
	line = strings.TrimSuffix(line, "\r")

	in := regexp.NewInput(line)
	acc := newAccumulator(0)
	run := &tokenRun{tk: t, acc: acc, offset: 0, in: in, text: line}

	defer recoverInvariant(&err)
	st.applyWhileGate(in)
	if err := run.scanRange(st, 0, len(line)); err != nil {
		return nil, state, err
	}
	// A blank line produces no token from the scan, but still needs an
	// explicit empty token for coverage.
	if len(acc.tokens) == 0 {
		acc.emitEmptyLine(0, st.Scopes())
	}
	return acc.tokens, st, nil
}

// lineChunk is one physical line of a document plus the exact terminator
// bytes that followed it (possibly empty, for the final line).
type lineChunk struct {
	content    string
	terminator string
}

// splitLines partitions text into lines, preserving terminator bytes so
// TokenizeDocument can account for every byte of the original input in its
// token coverage (§8 Coverage). A trailing, unterminated empty chunk is
// never produced: "a\n" is one line ("a", "\n"), not two.
func splitLines(text string) []lineChunk {
	if text == "" {
		return nil
	}
	var out []lineChunk
	start := 0
	for i := 0; i < len(text); i++ {
		if text[i] != '\n' {
			continue
		}
		content := text[start:i]
		termStart := i
		if len(content) > 0 && content[len(content)-1] == '\r' {
			content = content[:len(content)-1]
			termStart--
		}
		out = append(out, lineChunk{content: content, terminator: text[termStart : i+1]})
		start = i + 1
	}
	if start < len(text) {
		out = append(out, lineChunk{content: text[start:], terminator: ""})
	}
	return out
}

// TokenizeDocument tokenizes the entire text from a fresh InitialState,
// returning document-relative token ranges. Line terminator bytes are
// themselves emitted as a token (scoped to whatever was active at the end
// of the line they close) so the returned tokens cover every byte of text,
// not just line content (§8 Coverage applies to the whole document).
func (t *Tokenizer) TokenizeDocument(text string) (tokens []Token, final *State, err error) {
	state := t.InitialState()
	defer recoverInvariant(&err)

	offset := 0
	for _, ln := range splitLines(text) {
		in := regexp.NewInput(ln.content)
		acc := newAccumulator(offset)
		run := &tokenRun{tk: t, acc: acc, offset: offset, in: in, text: ln.content}

		state.applyWhileGate(in)
		if serr := run.scanRange(state, 0, len(ln.content)); serr != nil {
			return tokens, state, serr
		}
		if len(acc.tokens) == 0 {
			acc.emitEmptyLine(offset, state.Scopes())
		}
		tokens = append(tokens, acc.tokens...)
		offset += len(ln.content)

		if len(ln.terminator) > 0 {
			tokens = append(tokens, Token{Start: offset, End: offset + len(ln.terminator), Scopes: state.Scopes()})
			offset += len(ln.terminator)
		}
	}
	return tokens, state, nil
}

// tokenRun bundles the state shared across one scanRange call tree: the
// accumulator tokens are emitted through, the document-relative offset to
// add to every line-relative position, and the decoded Input the regex
// façade matches against.
type tokenRun struct {
	tk     *Tokenizer
	acc    *accumulator
	offset int
	in     *regexp.Input
	text   string
}

func (r *tokenRun) emit(start, end int, scopes *scopeNode) {
	r.acc.emit(r.offset+start, r.offset+end, scopes.slice())
}

// scanRange implements §4.6 step 2, the scan loop, over the half-open byte
// range [lo, hi) of r.text under state. It is used both for a whole line
// (lo=0, hi=len(line)) and, recursively, for a single capture's span when
// that capture carries nested patterns.
func (r *tokenRun) scanRange(state *State, lo, hi int) error {
	if lo == hi {
		return r.scanEmptyRange(state, lo)
	}
	p := lo
	for p < hi {
		top := state.top()
		topRule := top.grammar.Rules[top.ruleID]
		ps := r.tk.patternSetFor(top.grammar, top.ruleID)

		runePos := r.in.ByteToRune(p)
		nested, err := ps.FindAt(r.in, runePos)
		if err != nil {
			return err
		}
		if nested != nil && nested.start >= hi {
			nested = nil
		}

		var end *candidate
		// Only a true BeginEnd frame is closed by a mid-line regex match;
		// a BeginWhile frame is only ever closed by the while-gate at the
		// start of the next line (§3 BeginWhile, §4.6 step 1).
		if !top.isRoot && top.kind == RuleBeginEnd && top.end != nil {
			m, err := top.end.FindAt(r.in, runePos)
			if err != nil {
				return err
			}
			if m != nil && m.Groups[0].Start < hi {
				end = &candidate{
					ref:   ruleRef{top.grammar, top.ruleID},
					order: -1,
					match: m,
					start: m.Groups[0].Start,
					end:   m.Groups[0].End,
				}
			}
		}

		winner, isEnd := chooseWinner(nested, end, topRule.ApplyEndPatternLast)
		if winner == nil {
			r.emit(p, hi, state.scopes)
			return nil
		}

		if winner.start > p {
			r.emit(p, winner.start, state.scopes)
		}

		zeroWidth := winner.end == winner.start
		if err := r.applyMatch(state, winner, isEnd); err != nil {
			return err
		}

		// The zero-width safeguard only applies to an ordinary match/begin:
		// it forces progress so a zero-width pattern can't loop forever at
		// the same position, emitting the stepped-over scalar under the
		// current scopes so coverage stays contiguous. A zero-width end/while match must NOT advance
		// past the boundary it closed on — the frame it closed is now gone,
		// so the parent frame (e.g. one using a lookahead end like "(?=b)")
		// needs to see that same position on the next iteration, or the
		// byte it hands back would never be scanned or emitted at all.
		if zeroWidth && !isEnd {
			next := r.in.NextScalarByte(winner.start)
			if next <= p {
				next = p + 1
			}
			if next > hi {
				next = hi
			}
			r.emit(winner.start, next, state.scopes)
			p = next
		} else {
			p = winner.end
		}
		if p > hi {
			p = hi
		}
	}
	return nil
}

// scanEmptyRange is scanRange's degenerate case, lo == hi: a zero-length
// span such as a blank line, or a capture whose group matched nothing.
// There is no text in [lo, hi) for the main loop to walk, but a rule whose
// begin/end/match pattern is itself zero-width (a "$" match, a lookahead
// end like "(?=x)") can still anchor exactly at pos, so §4.6 requires the
// position be checked once before giving up (empty lines are still
// scanned). Unlike the main loop there is no byte to advance across, so
// this applies at most one match and returns rather than looping.
func (r *tokenRun) scanEmptyRange(state *State, pos int) error {
	top := state.top()
	topRule := top.grammar.Rules[top.ruleID]
	ps := r.tk.patternSetFor(top.grammar, top.ruleID)

	runePos := r.in.ByteToRune(pos)
	nested, err := ps.FindAt(r.in, runePos)
	if err != nil {
		return err
	}
	if nested != nil && (nested.start != pos || nested.end != pos) {
		nested = nil
	}

	var end *candidate
	if !top.isRoot && top.kind == RuleBeginEnd && top.end != nil {
		m, err := top.end.FindAt(r.in, runePos)
		if err != nil {
			return err
		}
		if m != nil && m.Groups[0].Start == pos && m.Groups[0].End == pos {
			end = &candidate{
				ref:   ruleRef{top.grammar, top.ruleID},
				order: -1,
				match: m,
				start: pos,
				end:   pos,
			}
		}
	}

	winner, isEnd := chooseWinner(nested, end, topRule.ApplyEndPatternLast)
	if winner == nil {
		return nil
	}
	return r.applyMatch(state, winner, isEnd)
}

// chooseWinner applies §4.6 step 2c/2d's tie-break between the best nested
// pattern-set match and the current frame's end/while match: earliest
// start wins; on a tie, the end/while pattern wins unless the rule
// declares applyEndPatternLast (§4.6 "Priority between end and nested
// patterns at tied start").
func chooseWinner(nested, end *candidate, applyEndPatternLast bool) (winner *candidate, isEnd bool) {
	switch {
	case nested == nil && end == nil:
		return nil, false
	case nested == nil:
		return end, true
	case end == nil:
		return nested, false
	}
	if nested.start != end.start {
		if nested.start < end.start {
			return nested, false
		}
		return end, true
	}
	if applyEndPatternLast {
		return nested, false
	}
	return end, true
}

// applyMatch dispatches the winning candidate to the step-3 rule
// application for its kind.
func (r *tokenRun) applyMatch(state *State, c *candidate, isEnd bool) error {
	if isEnd {
		return r.applyEnd(state, c)
	}
	rule := c.ref.grammar.Rules[c.ref.id]
	switch rule.Kind {
	case RuleMatch:
		return r.applyPlainMatch(state, c)
	case RuleBeginEnd, RuleBeginWhile:
		return r.applyBegin(state, c)
	default:
		panicInvariant("pattern set produced a non-matchable rule kind %d", rule.Kind)
		return nil
	}
}

func (r *tokenRun) applyPlainMatch(state *State, c *candidate) error {
	rule := c.ref.grammar.Rules[c.ref.id]
	return r.emitMatchSpan(c, state.scopes, rule.Name, rule.Captures, c.ref.grammar)
}

// applyBegin pushes a new frame for a BeginEnd/BeginWhile match (§4.6 step
// 3, "BeginEnd / BeginWhile rule"). If the stack depth cap (§4.5) refuses
// the push, the rule degrades to behaving like a plain match: its begin
// span is still emitted (with its name applied transiently) but no frame
// opens, so the scan can still make progress on a pathologically deep or
// adversarial grammar.
func (r *tokenRun) applyBegin(state *State, c *candidate) error {
	rule := c.ref.grammar.Rules[c.ref.id]
	if state.push(c.ref.grammar, c.ref.id, c.match, r.text) {
		return r.emitMatchSpan(c, state.scopes, NoScope, rule.BeginCaptures, c.ref.grammar)
	}
	r.tk.diag(Diagnostic{Kind: StackOverflow, Rule: fmt.Sprintf("rule#%d", c.ref.id), Err: fmt.Errorf("stack depth cap reached")})
	return r.emitMatchSpan(c, state.scopes, rule.Name, rule.BeginCaptures, c.ref.grammar)
}

// applyEnd closes the top frame (§4.6 step 3, "End / While closing"): the
// end span's tokens are emitted while contentName/name are still on the
// stack (the delimiter is inside the construct, not after it), and only
// then is the frame popped.
func (r *tokenRun) applyEnd(state *State, c *candidate) error {
	top := state.top()
	rule := top.grammar.Rules[top.ruleID]
	if err := r.emitMatchSpan(c, state.scopes, NoScope, rule.EndCaptures, top.grammar); err != nil {
		return err
	}
	state.pop()
	return nil
}

// emitMatchSpan pushes a transient extra scope (a match rule's or a
// degraded begin rule's "name"; NoScope is a no-op) atop base and emits
// the match's span, subdivided by caps.
func (r *tokenRun) emitMatchSpan(c *candidate, base *scopeNode, extra ScopeID, caps []Capture, grammar *Grammar) error {
	scopes := pushScope(base, extra)
	return r.emitCaptures(c.start, c.end, scopes, c.match, caps, grammar)
}

// capInterval is one capture group's span, flattened out of a Match for
// the nesting sweep in emitRange.
type capInterval struct {
	start, end int
	scope      ScopeID
	nested     int // NestedRule id, or -1
	index      int
}

func buildCaptureIntervals(caps []Capture, m *regexp.Match) []capInterval {
	var out []capInterval
	for i, c := range caps {
		if i >= len(m.Groups) {
			continue
		}
		if c.Scope == NoScope && !c.HasNested() {
			continue
		}
		g := m.Groups[i]
		if !g.Valid() || g.Len() == 0 {
			continue
		}
		out = append(out, capInterval{start: g.Start, end: g.End, scope: c.Scope, nested: c.NestedRule, index: i})
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].start != out[b].start {
			return out[a].start < out[b].start
		}
		if out[a].end != out[b].end {
			return out[a].end > out[b].end // wider (outer) span first
		}
		return out[a].index < out[b].index
	})
	return out
}

// emitCaptures subdivides [start, end) — a match or capture span — by its
// capture group boundaries, which is a tree (regex capture groups are
// always nested or disjoint, never partially overlapping) rather than an
// arbitrary interval set, so a single left-to-right sweep suffices.
func (r *tokenRun) emitCaptures(start, end int, scopes *scopeNode, m *regexp.Match, caps []Capture, grammar *Grammar) error {
	return r.emitRange(start, end, scopes, buildCaptureIntervals(caps, m), grammar)
}

// emitRange is the sweep itself: caps is sorted by (start asc, end desc,
// index asc), so caps[0] is always the outermost interval starting at or
// after pos. Background text between/after captures inherits scopes
// unchanged; a captured span pushes its own scope and either recurses into
// its nested captures, re-tokenizes via a nested pattern list, or is
// emitted as one token.
func (r *tokenRun) emitRange(lo, hi int, scopes *scopeNode, caps []capInterval, grammar *Grammar) error {
	pos := lo
	for len(caps) > 0 {
		c := caps[0]
		if c.start < pos {
			// A capture that starts before our current position is one we
			// already folded into an ancestor's span; skip it.
			caps = caps[1:]
			continue
		}
		if c.start >= hi {
			break
		}
		if c.start > pos {
			r.emit(pos, c.start, scopes)
			pos = c.start
		}

		j := 1
		for j < len(caps) && caps[j].start < c.end {
			j++
		}
		children := caps[1:j]
		inner := pushScope(scopes, c.scope)

		var err error
		switch {
		case c.nested >= 0:
			err = r.tokenizeNested(c.start, c.end, inner, grammar, c.nested)
		case len(children) > 0:
			err = r.emitRange(c.start, c.end, inner, children, grammar)
		default:
			r.emit(c.start, c.end, inner)
		}
		if err != nil {
			return err
		}

		pos = c.end
		caps = caps[j:]
	}
	if pos < hi {
		r.emit(pos, hi, scopes)
	}
	return nil
}

// tokenizeNested re-tokenizes a captured span's text against a capture's
// nested pattern list (§3 Capture), using a one-off frame that behaves
// like a root: it has no end/while pattern of its own, so the sub-scan
// simply runs §4.6 step 2 over [start, end) and anything left open at the
// end of the span is discarded — captures are self-contained, not a
// vehicle for state that outlives them.
func (r *tokenRun) tokenizeNested(start, end int, scopes *scopeNode, grammar *Grammar, ruleID int) error {
	sub := &State{
		frames: []*stateFrame{{grammar: grammar, ruleID: ruleID, isRoot: true, kind: RuleList}},
		scopes: scopes,
	}
	return r.scanRange(sub, start, end)
}
