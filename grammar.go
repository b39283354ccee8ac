package tmforge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/tmforge/tmforge/regexp"
)

// GrammarJSON mirrors the TextMate JSON grammar dialect (§6). It is decoded
// as-is and later compiled into a Grammar. injectionSelector/injections are
// accepted (so a grammar file containing them still parses) but ignored by
// the core, per §1/§4.4.
type GrammarJSON struct {
	ScopeName         string              `json:"scopeName"`
	Name              string              `json:"name"`
	FileTypes         []string            `json:"fileTypes"`
	FirstLineMatch    string              `json:"firstLineMatch"`
	Patterns          []RuleJSON          `json:"patterns"`
	Repository        map[string]RuleJSON `json:"repository"`
	InjectionSelector string              `json:"injectionSelector"`
	Injections        json.RawMessage     `json:"injections"`
}

// RuleJSON is a raw grammar rule exactly as it appears in the JSON file
// (§6). Capture maps are keyed by decimal string group index.
type RuleJSON struct {
	Name                string              `json:"name"`
	ContentName         string              `json:"contentName"`
	Match               string              `json:"match"`
	Begin               string              `json:"begin"`
	End                 string              `json:"end"`
	While               string              `json:"while"`
	Patterns            []RuleJSON          `json:"patterns"`
	Captures            map[string]RuleJSON `json:"captures"`
	BeginCaptures       map[string]RuleJSON `json:"beginCaptures"`
	EndCaptures         map[string]RuleJSON `json:"endCaptures"`
	WhileCaptures       map[string]RuleJSON `json:"whileCaptures"`
	Include             string              `json:"include"`
	ApplyEndPatternLast boolish             `json:"applyEndPatternLast"`
}

// boolish accepts the TextMate convention of 0/1 as well as true/false for
// boolean-ish fields (plist-derived grammars commonly use 1/0; quicktype's
// own model for this dialect types applyEndPatternLast as an integer).
type boolish bool

func (b *boolish) UnmarshalJSON(data []byte) error {
	switch string(bytes.TrimSpace(data)) {
	case "true", "1":
		*b = true
	case "false", "0", "null":
		*b = false
	default:
		var n int
		if err := json.Unmarshal(data, &n); err == nil {
			*b = n != 0
			return nil
		}
		var bl bool
		if err := json.Unmarshal(data, &bl); err != nil {
			return err
		}
		*b = boolish(bl)
	}
	return nil
}

// Grammar is a compiled, immutable grammar: a resolved rule graph plus the
// scope name it tokenizes under (§3 Grammar (compiled)).
type Grammar struct {
	ScopeName      string
	Name           string
	FileTypes      []string
	FirstLineMatch *regexp.Regexp

	Interner   *Interner
	Rules      []*Rule
	Root       int
	Repository map[string]int

	// Diagnostics accumulated during compilation (§7). Compilation never
	// fails because of these; a caller that cares inspects them.
	Diagnostics []Diagnostic
}

// Resolver looks up an already-compiled grammar by scopeName, for
// "source.xxx" / "source.xxx#name" includes (§3 Include reference).
// Returning nil means "not loaded yet"; the include resolves to the empty
// set at runtime and a diagnostic is logged.
type Resolver func(scopeName string) *Grammar

// CompileOptions configures Grammar.Compile.
type CompileOptions struct {
	// Interner receives every scope name this grammar declares. Defaults
	// to the process-wide GlobalInterner() when nil, matching §9's note
	// that a language with cheap thread-safe statics may use a singleton.
	Interner *Interner
	// Resolve looks up other grammars for cross-grammar includes. May be
	// nil, in which case such includes always log UnresolvedInclude.
	Resolve Resolver
	// Logger receives diagnostics as they are produced. Defaults to a
	// no-op logger.
	Logger *zerolog.Logger
}

// Compile parses and compiles a raw TextMate grammar document (JSON only,
// per spec.md's Non-goals) into an executable Grammar.
func Compile(data []byte, opts CompileOptions) (*Grammar, error) {
	var raw GrammarJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedJSON, err)
	}
	if raw.ScopeName == "" {
		return nil, fmt.Errorf("%w: missing scopeName", errMalformedJSON)
	}

	c := &compiler{
		interner: opts.Interner,
		resolve:  opts.Resolve,
		repo:     make(map[string]int),
	}
	if c.interner == nil {
		c.interner = global
	}
	if dupes := duplicateRepositoryKeys(data); len(dupes) > 0 {
		for _, name := range dupes {
			c.diag(Diagnostic{Kind: MalformedGrammar, Rule: "repository." + name, Err: errDuplicateRepositoryKey})
		}
	}

	g := &Grammar{
		ScopeName:  raw.ScopeName,
		Name:       raw.Name,
		FileTypes:  raw.FileTypes,
		Interner:   c.interner,
		Repository: c.repo,
	}
	c.grammar = g

	if raw.FirstLineMatch != "" {
		re, err := regexp.Compile(raw.FirstLineMatch)
		if err != nil {
			c.diag(Diagnostic{Kind: RegexCompileError, Rule: "firstLineMatch", Pattern: raw.FirstLineMatch, Err: err})
		} else {
			g.FirstLineMatch = re
		}
	}

	// Reserve the root id up front so $self (and repository entries that
	// reference it before it's filled in) resolve to a stable id.
	rootID := c.alloc()

	// Reserve repository ids in sorted order for deterministic numbering,
	// then fill them in, so #name includes compiled while filling one
	// entry can already point at a sibling entry's id.
	names := make([]string, 0, len(raw.Repository))
	for name := range raw.Repository {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c.repo[name] = c.alloc()
	}
	for _, name := range names {
		c.fill(c.repo[name], raw.Repository[name], "repository."+name)
	}

	c.fill(rootID, RuleJSON{Patterns: raw.Patterns}, "root")
	// The root rule's own "name" is the grammar's scope name, pushed once as
	// the base of every scope stack the tokenizer ever produces (§4.5).
	c.rules[rootID].Name = c.scope(raw.ScopeName)
	g.Root = rootID
	g.Rules = c.rules
	g.Diagnostics = c.diagnostics

	logDiagnostics(opts.Logger, g.Diagnostics)

	return g, nil
}

var (
	errMalformedJSON          = fmt.Errorf("malformed grammar")
	errDuplicateRepositoryKey = fmt.Errorf("duplicate repository key")
	errBeginWithoutCloser     = fmt.Errorf("begin without end or while")
	errCloserWithoutBegin     = fmt.Errorf("end or while without begin")
	errMatchAndBegin          = fmt.Errorf("rule has both match and begin")
)

// duplicateRepositoryKeys re-scans the raw bytes for the "repository" object
// to find keys that appear more than once — information encoding/json's map
// decoding silently discards (last write wins), but §4.4 requires reporting.
func duplicateRepositoryKeys(data []byte) []string {
	var probe struct {
		Repository json.RawMessage `json:"repository"`
	}
	if err := json.Unmarshal(data, &probe); err != nil || len(probe.Repository) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(probe.Repository))
	tok, err := dec.Token()
	if err != nil {
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil
	}
	seen := make(map[string]int)
	var dupes []string
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return dupes
		}
		key, _ := keyTok.(string)
		seen[key]++
		if seen[key] == 2 {
			dupes = append(dupes, key)
		}
		// Skip the value, whatever shape it is.
		var discard json.RawMessage
		if err := dec.Decode(&discard); err != nil {
			return dupes
		}
	}
	sort.Strings(dupes)
	return dupes
}

// compiler holds state threaded through the recursive descent over RuleJSON.
type compiler struct {
	interner    *Interner
	resolve     Resolver
	grammar     *Grammar
	rules       []*Rule
	repo        map[string]int
	diagnostics []Diagnostic
}

func (c *compiler) diag(d Diagnostic) {
	c.diagnostics = append(c.diagnostics, d)
}

func (c *compiler) alloc() int {
	id := len(c.rules)
	c.rules = append(c.rules, &Rule{ID: id})
	return id
}

func (c *compiler) compile(j RuleJSON, path string) int {
	id := c.alloc()
	c.fill(id, j, path)
	return id
}

func (c *compiler) scope(name string) ScopeID {
	return c.interner.Intern(name)
}

// fill compiles j into the already-allocated rule c.rules[id]. Splitting
// alloc from fill lets repository entries and $self resolve to a stable id
// before their contents (which may reference each other) are compiled.
func (c *compiler) fill(id int, j RuleJSON, path string) {
	r := c.rules[id]

	switch {
	case j.Include != "":
		r.Kind = RuleInclude
		r.Include = c.resolveInclude(j.Include, path)

	case j.Match != "" && j.Begin != "":
		c.diag(Diagnostic{Kind: MalformedGrammar, Rule: path, Err: errMatchAndBegin})
		r.Kind = RuleList

	case j.Match != "":
		r.Kind = RuleMatch
		r.Match = c.compileRegex(j.Match, path)
		r.Name = c.scope(j.Name)
		r.Captures = c.compileCaptures(j.Captures, path+".captures")

	case j.Begin != "" && j.End != "" && j.While != "":
		// Ambiguous: both a closing end and a while given. Prefer end, as
		// the more specific/common construct, and note the conflict.
		c.diag(Diagnostic{Kind: MalformedGrammar, Rule: path, Err: fmt.Errorf("both end and while given, using end")})
		c.fillBeginEnd(id, j, path)

	case j.Begin != "" && j.End != "":
		c.fillBeginEnd(id, j, path)

	case j.Begin != "" && j.While != "":
		c.fillBeginWhile(id, j, path)

	case j.Begin != "":
		c.diag(Diagnostic{Kind: MalformedGrammar, Rule: path, Err: errBeginWithoutCloser})
		r.Kind = RuleList

	case j.End != "" || j.While != "":
		c.diag(Diagnostic{Kind: MalformedGrammar, Rule: path, Err: errCloserWithoutBegin})
		r.Kind = RuleList

	default:
		r.Kind = RuleList
		r.Name = c.scope(j.Name)
		r.Patterns = c.compilePatternList(j.Patterns, path)
	}
}

func (c *compiler) fillBeginEnd(id int, j RuleJSON, path string) {
	r := c.rules[id]
	r.Kind = RuleBeginEnd
	r.Match = c.compileRegex(j.Begin, path+".begin")
	r.Name = c.scope(j.Name)
	r.ContentName = c.scope(j.ContentName)
	r.EndSource = j.End
	r.EndHasBackref = hasBackreference(j.End)
	if !r.EndHasBackref {
		r.End = c.compileRegex(j.End, path+".end")
	}

	beginCaps, endCaps := j.BeginCaptures, j.EndCaptures
	if len(j.Captures) > 0 {
		beginCaps, endCaps = j.Captures, j.Captures
	}
	r.BeginCaptures = c.compileCaptures(beginCaps, path+".beginCaptures")
	r.EndCaptures = c.compileCaptures(endCaps, path+".endCaptures")
	r.ApplyEndPatternLast = bool(j.ApplyEndPatternLast)
	r.Patterns = c.compilePatternList(j.Patterns, path+".patterns")
}

func (c *compiler) fillBeginWhile(id int, j RuleJSON, path string) {
	r := c.rules[id]
	r.Kind = RuleBeginWhile
	r.Match = c.compileRegex(j.Begin, path+".begin")
	r.Name = c.scope(j.Name)
	r.ContentName = c.scope(j.ContentName)
	r.EndSource = j.While
	r.EndHasBackref = hasBackreference(j.While)
	if !r.EndHasBackref {
		r.End = c.compileRegex(j.While, path+".while")
	}

	beginCaps, whileCaps := j.BeginCaptures, j.WhileCaptures
	if len(j.Captures) > 0 {
		beginCaps, whileCaps = j.Captures, j.Captures
	}
	r.BeginCaptures = c.compileCaptures(beginCaps, path+".beginCaptures")
	r.EndCaptures = c.compileCaptures(whileCaps, path+".whileCaptures")
	r.ApplyEndPatternLast = bool(j.ApplyEndPatternLast)
	r.Patterns = c.compilePatternList(j.Patterns, path+".patterns")
}

func (c *compiler) compilePatternList(patterns []RuleJSON, path string) []int {
	if len(patterns) == 0 {
		return nil
	}
	ids := make([]int, len(patterns))
	for i, jp := range patterns {
		ids[i] = c.compile(jp, fmt.Sprintf("%s[%d]", path, i))
	}
	return ids
}

// compileCaptures converts string-indexed captures ("0","1",...) into a
// slice sized 0..maxIndex, leaving unmentioned indices as empty captures
// (NoScope, NestedRule -1).
func (c *compiler) compileCaptures(j map[string]RuleJSON, path string) []Capture {
	if len(j) == 0 {
		return nil
	}
	max := 0
	indices := make(map[int]string, len(j))
	for num := range j {
		i, err := strconv.Atoi(num)
		if err != nil || i < 0 {
			c.diag(Diagnostic{Kind: MalformedGrammar, Rule: path, Err: fmt.Errorf("invalid capture index %q", num)})
			continue
		}
		indices[i] = num
		if i > max {
			max = i
		}
	}

	res := make([]Capture, max+1)
	for i := range res {
		res[i].NestedRule = -1
	}
	for i, num := range indices {
		jp := j[num]
		nested := -1
		if len(jp.Patterns) > 0 {
			nestedID := c.alloc()
			c.fill(nestedID, RuleJSON{Patterns: jp.Patterns}, fmt.Sprintf("%s.%s.patterns", path, num))
			nested = nestedID
		}
		res[i] = Capture{Scope: c.scope(jp.Name), NestedRule: nested}
	}
	return res
}

func (c *compiler) compileRegex(source string, path string) *regexp.Regexp {
	re, err := regexp.Compile(source)
	if err != nil {
		c.diag(Diagnostic{Kind: RegexCompileError, Rule: path, Pattern: source, Err: err})
		return nil // a nil *regexp.Regexp never matches; see patternset.go
	}
	return re
}

func (c *compiler) resolveInclude(raw string, path string) includeRef {
	switch {
	case raw == "$self":
		return includeRef{kind: includeSelf, raw: raw}
	case raw == "$base":
		return includeRef{kind: includeBase, raw: raw}
	case len(raw) > 0 && raw[0] == '#':
		name := raw[1:]
		id, ok := c.repo[name]
		if !ok {
			c.diag(Diagnostic{Kind: UnresolvedInclude, Rule: path, Err: fmt.Errorf("no repository entry %q", name)})
			return includeRef{kind: includeUnresolved, raw: raw}
		}
		return includeRef{kind: includeLocal, ruleID: id, raw: raw}
	default:
		scopeName, ruleName, _ := cutOnce(raw, '#')
		if c.resolve == nil {
			c.diag(Diagnostic{Kind: UnresolvedInclude, Rule: path, Err: fmt.Errorf("no grammar resolver configured for %q", raw)})
			return includeRef{kind: includeUnresolved, raw: raw}
		}
		other := c.resolve(scopeName)
		if other == nil {
			c.diag(Diagnostic{Kind: UnresolvedInclude, Rule: path, Err: fmt.Errorf("grammar %q not loaded", scopeName)})
			return includeRef{kind: includeUnresolved, raw: raw}
		}
		if ruleName == "" {
			return includeRef{kind: includeExternal, grammar: other, extRule: other.Root, raw: raw}
		}
		extID, ok := other.Repository[ruleName]
		if !ok {
			c.diag(Diagnostic{Kind: UnresolvedInclude, Rule: path, Err: fmt.Errorf("grammar %q has no repository entry %q", scopeName, ruleName)})
			return includeRef{kind: includeUnresolved, raw: raw}
		}
		return includeRef{kind: includeExternal, grammar: other, extRule: extID, raw: raw}
	}
}

func cutOnce(s string, sep byte) (before, after string, found bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}

// hasBackreference reports whether an end/while pattern source contains a
// numeric backreference \1..\9 that must be substituted with begin-match
// text before the pattern can be compiled (§3, §4.5).
func hasBackreference(source string) bool {
	for i := 0; i+1 < len(source); i++ {
		if source[i] == '\\' {
			if source[i+1] >= '1' && source[i+1] <= '9' {
				return true
			}
			i++ // skip the escaped character, \\1 is not a backreference
		}
	}
	return false
}
