package tmforge

import (
	"strings"

	"github.com/tmforge/tmforge/regexp"
)

// maxStackDepth bounds state-stack nesting (§4.5). A begin-push that would
// exceed it is refused and counted rather than allowed to recurse forever
// on a malformed or adversarial grammar.
const maxStackDepth = 100

// scopeNode is one link of a persistent (shared-tail) scope stack: pushing
// never mutates an existing node, so two tokens that shared a prefix of
// scopes before diverging can share that prefix's nodes (§9 design notes).
type scopeNode struct {
	id     ScopeID
	parent *scopeNode
	depth  int

	// cached is filled in by the first call to slice(); a scopeNode is
	// never mutated after construction, so many tokens emitted against the
	// same node (the common case — most text doesn't change scope) share
	// one materialized slice instead of each walking and reallocating.
	cached []ScopeID
}

func pushScope(top *scopeNode, id ScopeID) *scopeNode {
	if id == NoScope {
		return top
	}
	d := 1
	if top != nil {
		d = top.depth + 1
	}
	return &scopeNode{id: id, parent: top, depth: d}
}

func scopeDepth(top *scopeNode) int {
	if top == nil {
		return 0
	}
	return top.depth
}

// slice materializes the stack outermost-first, the order Token.Scopes is
// defined in (§3 Scope stack).
func (n *scopeNode) slice() []ScopeID {
	if n == nil {
		return nil
	}
	if n.cached != nil {
		return n.cached
	}
	out := make([]ScopeID, n.depth)
	cur := n
	for i := n.depth - 1; i >= 0; i-- {
		out[i] = cur.id
		cur = cur.parent
	}
	n.cached = out
	return out
}

// stateFrame is one entry on the state stack (§3 State frame): the
// currently active begin-end/begin-while rule, what it pushed, its
// resolved (possibly backreference-substituted) end/while pattern, and the
// grammar its nested patterns and includes resolve against.
type stateFrame struct {
	grammar *Grammar
	ruleID  int // index into grammar.Rules; the grammar's Root for the bottom frame
	isRoot  bool
	kind    RuleKind // RuleBeginEnd or RuleBeginWhile; RuleList for the root frame

	end *regexp.Regexp // resolved end/while pattern; nil for the root frame

	scopeAtPush int // scope stack depth immediately before this frame's pushes
}

// State is the tokenizer's state between calls: the stack of active
// begin-end/begin-while frames plus the current scope stack (§3 State
// stack). The zero value is not usable; obtain one from Tokenizer.
type State struct {
	frames []*stateFrame
	scopes *scopeNode
}

// Scopes returns the current scope stack, outermost first.
func (s *State) Scopes() []ScopeID {
	return s.scopes.slice()
}

// Depth returns the number of active begin-end/begin-while frames, not
// counting the root.
func (s *State) Depth() int {
	return len(s.frames) - 1
}

func (s *State) top() *stateFrame {
	return s.frames[len(s.frames)-1]
}

func (s *State) clone() *State {
	frames := make([]*stateFrame, len(s.frames))
	copy(frames, s.frames)
	return &State{frames: frames, scopes: s.scopes}
}

// push opens a new frame for a begin match, substituting backreferences
// into the end/while pattern from the begin match's captured text when
// needed (§4.5). ok is false if the stack depth cap would be exceeded; the
// caller must then treat the begin rule as a non-match.
func (s *State) push(g *Grammar, ruleID int, beginMatch *regexp.Match, beginText string) (ok bool) {
	if len(s.frames) > maxStackDepth {
		return false
	}
	rule := g.Rules[ruleID]

	var end *regexp.Regexp
	if rule.EndHasBackref {
		end, _ = regexp.Compile(substituteBackreferences(rule.EndSource, beginMatch, beginText))
	} else {
		end = rule.End
	}

	scopeAtPush := scopeDepth(s.scopes)
	s.scopes = pushScope(s.scopes, rule.Name)
	s.scopes = pushScope(s.scopes, rule.ContentName)

	s.frames = append(s.frames, &stateFrame{
		grammar:     g,
		ruleID:      ruleID,
		kind:        rule.Kind,
		end:         end,
		scopeAtPush: scopeAtPush,
	})
	return true
}

// pop closes the top frame, restoring the scope stack to what it was
// before that frame's push (its name and contentName, in reverse order).
func (s *State) pop() {
	top := s.top()
	s.frames = s.frames[:len(s.frames)-1]
	s.scopes = popToDepth(s.scopes, top.scopeAtPush)
}

// applyWhileGate implements §4.6 step 1: at the start of every line, each
// BeginWhile frame (outermost to innermost) must re-match its while pattern
// at column 0, or it — and everything nested inside it — closes with a
// zero-width boundary, before any scanning happens on the new line.
func (s *State) applyWhileGate(in *regexp.Input) {
	for i := 1; i < len(s.frames); i++ {
		f := s.frames[i]
		if f.kind != RuleBeginWhile {
			continue
		}
		if whileMatches(f.end, in) {
			continue
		}
		s.scopes = popToDepth(s.scopes, f.scopeAtPush)
		s.frames = s.frames[:i]
		return
	}
}

func whileMatches(re *regexp.Regexp, in *regexp.Input) bool {
	if re == nil {
		return false
	}
	m, err := re.FindAt(in, 0)
	if err != nil || m == nil {
		return false
	}
	return m.Groups[0].Start == 0
}

// popToDepth truncates the persistent scope stack back to depth d by
// walking up parent pointers. O(pushed scopes since d), never more than 2
// per frame (name, contentName).
func popToDepth(top *scopeNode, d int) *scopeNode {
	for scopeDepth(top) > d {
		top = top.parent
	}
	return top
}

// substituteBackreferences replaces \1..\9 in source with the text begin's
// corresponding capture group matched, per §4.5 and §3 Backreference. A
// backreference to a group that didn't participate substitutes the empty
// string. \0 and escaped characters pass through unchanged.
func substituteBackreferences(source string, m *regexp.Match, fullText string) string {
	var b strings.Builder
	b.Grow(len(source))
	for i := 0; i < len(source); i++ {
		c := source[i]
		if c == '\\' && i+1 < len(source) {
			next := source[i+1]
			if next >= '1' && next <= '9' {
				idx := int(next - '0')
				if idx < len(m.Groups) && m.Groups[idx].Valid() {
					b.WriteString(escapeForRegex(m.Groups[idx].Text(fullText)))
				}
				i++
				continue
			}
			b.WriteByte(c)
			b.WriteByte(next)
			i++
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// escapeForRegex quotes captured text so it is matched literally when
// substituted back into a regex source, mirroring what real TextMate
// engines do for backreferenced end patterns (the captured delimiter is
// data, not a sub-pattern).
func escapeForRegex(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '.', '^', '$', '*', '+', '?', '(', ')', '[', ']', '{', '}', '|', '\\':
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}
