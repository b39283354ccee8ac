package tmforge

import "github.com/tmforge/tmforge/regexp"

// ruleRef identifies a rule within a specific grammar — the "resolved rule
// identity" §4.3 requires cycle detection to key on, since an include can
// cross into another compiled grammar entirely.
type ruleRef struct {
	grammar *Grammar
	id      int
}

// flatPattern is one concrete, matchable rule reached by flattening a
// pattern list's includes, in declaration order.
type flatPattern struct {
	ref   ruleRef
	order int
}

// PatternSet is the flattened, cached batch matcher for a single frame's
// active pattern list (§4.3). It answers "earliest, highest-priority match
// at or after this position" by scanning each flattened candidate pattern
// and applying TextMate's tie-break rules, since neither regexp2 nor the
// stdlib regexp package exposes a true multi-pattern "regex set" find.
type PatternSet struct {
	patterns []flatPattern
}

// buildPatternSet flattens ids (a container rule's Patterns field) against
// grammar, expanding includes transparently and resolving $base against
// base. Cycles are broken via a recursion-stack visited set: a repository
// entry reachable from two different branches is still expanded in both,
// only an actual inclusion cycle is truncated (§4.3 correctness edge case).
func buildPatternSet(ids []int, grammar *Grammar, base *Grammar) *PatternSet {
	ps := &PatternSet{}
	visited := make(map[ruleRef]bool)
	for _, id := range ids {
		appendFlattened(grammar, id, base, visited, ps)
	}
	return ps
}

func appendFlattened(g *Grammar, id int, base *Grammar, visited map[ruleRef]bool, ps *PatternSet) {
	ref := ruleRef{g, id}
	if visited[ref] {
		return
	}
	visited[ref] = true
	defer delete(visited, ref)

	rule := g.Rules[id]
	switch rule.Kind {
	case RuleInclude:
		tg, tid, ok := resolveIncludeTarget(rule, g, base)
		if !ok {
			return
		}
		appendFlattened(tg, tid, base, visited, ps)
	case RuleList:
		for _, cid := range rule.Patterns {
			appendFlattened(g, cid, base, visited, ps)
		}
	default: // RuleMatch, RuleBeginEnd, RuleBeginWhile: a concrete candidate.
		ps.patterns = append(ps.patterns, flatPattern{ref: ref, order: len(ps.patterns)})
	}
}

// resolveIncludeTarget follows an includeRef to a concrete (grammar, rule
// id) pair. $base resolves against base (the tokenizer's outermost
// grammar); ok is false for an unresolved include, which the caller must
// treat as expanding to nothing.
func resolveIncludeTarget(rule *Rule, g *Grammar, base *Grammar) (*Grammar, int, bool) {
	switch rule.Include.kind {
	case includeLocal:
		return g, rule.Include.ruleID, true
	case includeSelf:
		return g, g.Root, true
	case includeBase:
		if base == nil {
			return nil, 0, false
		}
		return base, base.Root, true
	case includeExternal:
		return rule.Include.grammar, rule.Include.extRule, true
	default:
		return nil, 0, false
	}
}

// candidate is a pattern-set match awaiting the tie-break against other
// candidates (the frame's end/while pattern, in particular).
type candidate struct {
	ref   ruleRef
	order int
	match *regexp.Match
	start int
	end   int
}

// FindAt returns the earliest, highest-priority match among the pattern
// set's candidates starting at or after the rune position pos (an index
// into in), per §4.3's three-level tie-break: earliest start, then longest
// match, then earliest declaration order.
func (ps *PatternSet) FindAt(in *regexp.Input, pos int) (*candidate, error) {
	var best *candidate
	for _, fp := range ps.patterns {
		rule := fp.ref.grammar.Rules[fp.ref.id]
		re := rule.Match
		if re == nil {
			continue // a rule whose regex failed to compile never matches.
		}
		m, err := re.FindAt(in, pos)
		if err != nil {
			return nil, err
		}
		if m == nil {
			continue
		}
		cand := &candidate{
			ref:   fp.ref,
			order: fp.order,
			match: m,
			start: m.Groups[0].Start,
			end:   m.Groups[0].End,
		}
		if betterCandidate(cand, best) {
			best = cand
		}
	}
	return best, nil
}

// betterCandidate reports whether a should win over b (b may be nil) under
// the earliest-start / longest-match / declaration-order tie-break.
func betterCandidate(a, b *candidate) bool {
	if b == nil {
		return true
	}
	if a.start != b.start {
		return a.start < b.start
	}
	al, bl := a.end-a.start, b.end-b.start
	if al != bl {
		return al > bl
	}
	return a.order < b.order
}
