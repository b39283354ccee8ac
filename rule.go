package tmforge

import "github.com/tmforge/tmforge/regexp"

// RuleKind tags what kind of compiled rule a Rule is (§3 Rule: tagged variant).
type RuleKind int

const (
	// RuleList is a plain container: a pattern list with no regex of its
	// own (the grammar root, and a repository entry that's just a group
	// of patterns/includes).
	RuleList RuleKind = iota
	// RuleMatch is a single-regex rule with optional name and captures.
	RuleMatch
	// RuleBeginEnd is a begin/end pair with nested patterns active between
	// the two.
	RuleBeginEnd
	// RuleBeginWhile is a begin/while pair: closed by re-checking the while
	// pattern at the start of every continuation line.
	RuleBeginWhile
	// RuleInclude is a transparent reference to another pattern list,
	// resolved to a direct target at compile time (except $base, which is
	// resolved against the tokenizer's root grammar).
	RuleInclude
)

// includeKind distinguishes the four include reference forms from §3.
type includeKind int

const (
	includeUnresolved includeKind = iota
	includeLocal                  // #name, resolved to a rule id in the same grammar
	includeSelf                   // $self, resolved to this grammar's root rule id
	includeBase                   // $base, resolved at runtime to the tokenizer's root grammar
	includeExternal               // scopeName or scopeName#name, resolved into another Grammar
)

type includeRef struct {
	kind    includeKind
	ruleID  int      // valid for includeLocal
	grammar *Grammar // valid for includeExternal
	extRule int      // valid for includeExternal: rule id within grammar
	raw     string   // original include string, for diagnostics
}

// Capture associates a regex capture-group index with a scope to apply to
// the group's span and/or a nested pattern list to re-tokenize the group's
// text (§3 Capture).
type Capture struct {
	Scope ScopeID
	// NestedRule is the rule id of a synthetic RuleList wrapping the
	// capture's nested "patterns", or -1 if the capture has none. Wrapping
	// it in a real rule (rather than a bare []int) lets it share the same
	// ruleRef-keyed pattern-set cache as every other container rule.
	NestedRule int
}

// HasNested reports whether the capture re-tokenizes its span with nested
// patterns rather than (or in addition to) applying Scope directly.
func (c Capture) HasNested() bool { return c.NestedRule >= 0 }

// Rule is one node of the compiled rule graph (§3, §4.4). Children are
// referenced by integer id into the owning Grammar's Rules slice, not by
// pointer, so the graph (which can have include cycles) has no reference
// cycles a garbage collector needs to reason about.
type Rule struct {
	ID   int
	Kind RuleKind

	// RuleMatch, and the begin side of RuleBeginEnd/RuleBeginWhile.
	Match    *regexp.Regexp
	Captures []Capture

	// RuleBeginEnd / RuleBeginWhile only, except Name, which RuleMatch and
	// RuleList rules (including the grammar root) also carry.
	Name                ScopeID
	ContentName         ScopeID
	BeginCaptures       []Capture
	EndSource           string // raw begin-end's `end`, or begin-while's `while`, pre-substitution
	EndHasBackref       bool
	End                 *regexp.Regexp // precompiled when EndHasBackref is false; nil otherwise
	EndCaptures         []Capture
	ApplyEndPatternLast bool

	// RuleInclude only.
	Include includeRef

	// Nested pattern list: children of root/repository containers, and the
	// patterns active between a begin and its end/while.
	Patterns []int
}
