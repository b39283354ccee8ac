// Package theme resolves a token's scope stack to display style using
// TextMate's selector-matching rules. Loading a theme file from disk and
// turning a resolved Style into rendered output (ANSI, HTML, ...) are
// external collaborators; this package only implements the lookup itself.
package theme

import (
	"strings"

	"github.com/lucasb-eyer/go-colorful"

	"github.com/tmforge/tmforge"
)

// ThemeJSON mirrors a VSCode-style tmTheme-derived JSON document: a default
// style plus an ordered list of scope/settings rules.
type ThemeJSON struct {
	Name     string           `json:"name"`
	Settings SettingsJSON     `json:"settings"`
	Rules    []TokenColorJSON `json:"tokenColors"`
}

// SettingsJSON is the theme-wide default style (editor foreground/background).
type SettingsJSON struct {
	Foreground string `json:"foreground"`
	Background string `json:"background"`
}

// TokenColorJSON is one rule. Scope may be a single selector string, a
// comma- or "|"-separated list within that string, or a JSON array of either.
type TokenColorJSON struct {
	Scope    any          `json:"scope"`
	Settings StyleSetJSON `json:"settings"`
}

type StyleSetJSON struct {
	Foreground string `json:"foreground"`
	Background string `json:"background"`
	FontStyle  string `json:"fontStyle"`
}

// FontStyle is a bitset of the font attributes a rule can turn on.
type FontStyle int

const (
	Bold FontStyle = 1 << iota
	Italic
	Underline
	Strikethrough
)

func (s FontStyle) Has(has FontStyle) bool { return s&has == has }

// Style is a resolved set of display attributes. A zero-value field means
// "not set by this rule"; ResolveScopeNames starts from the theme default
// and merges each matching rule's set fields over it, so more specific
// rules can override just the foreground while leaving background untouched.
type Style struct {
	Foreground *colorful.Color
	Background *colorful.Color
	FontStyle  FontStyle
}

func (s Style) merge(over Style) Style {
	if over.Foreground != nil {
		s.Foreground = over.Foreground
	}
	if over.Background != nil {
		s.Background = over.Background
	}
	if over.FontStyle != 0 {
		s.FontStyle |= over.FontStyle
	}
	return s
}

// selector is one comma-alternative of a rule's scope: a descendant chain
// of space-separated atoms, e.g. "source.js string.quoted.double" requires
// an ancestor scope prefix-matching "source.js" somewhere outside (earlier
// in the stack than) a scope prefix-matching "string.quoted.double".
type selector struct {
	levels []string
}

// specificity is the TextMate convention for resolving rule conflicts: the
// selector naming more, and more specific, atoms wins, regardless of
// declaration order; declaration order only breaks a true tie.
func (s selector) specificity() int {
	n := 0
	for _, level := range s.levels {
		n += strings.Count(level, ".") + 1
	}
	return n
}

// rule is a compiled theme rule: every comma-alternative of its selector,
// plus the style it applies when any of them match.
type rule struct {
	order     int
	selectors []selector
	style     Style
}

// Theme is a compiled set of rules ready to resolve scope stacks to styles.
type Theme struct {
	Default Style
	rules   []rule
}

func parseSelectorGroup(raw string) []selector {
	var out []selector
	for _, alt := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == '|' }) {
		alt = strings.TrimSpace(alt)
		if alt == "" {
			continue
		}
		out = append(out, selector{levels: strings.Fields(alt)})
	}
	return out
}

func parseScopeField(v any) []selector {
	switch t := v.(type) {
	case string:
		return parseSelectorGroup(t)
	case []any:
		var out []selector
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, parseSelectorGroup(s)...)
			}
		}
		return out
	default:
		return nil
	}
}

func parseHexColor(s string) *colorful.Color {
	if s == "" {
		return nil
	}
	c, err := colorful.Hex(normalizeHex(s))
	if err != nil {
		return nil
	}
	return &c
}

// normalizeHex expands the short #rgb/#rgba forms and truncates the alpha
// channel from #rgba/#rrggbbaa, since colorful.Hex only parses the single
// 6-digit #rrggbb form.
func normalizeHex(s string) string {
	switch len(s) {
	case 4: // #rgb
		return expandShortHex(s)
	case 5: // #rgba
		return expandShortHex(s[:4])
	case 9: // #rrggbbaa
		return s[:7]
	default:
		return s
	}
}

// expandShortHex turns a 4-character "#rgb" into its 7-character
// "#rrggbb" equivalent by doubling each digit.
func expandShortHex(s string) string {
	var b strings.Builder
	b.WriteByte('#')
	for _, c := range s[1:] {
		b.WriteRune(c)
		b.WriteRune(c)
	}
	return b.String()
}

func parseStyle(j StyleSetJSON) Style {
	var st Style
	st.Foreground = parseHexColor(j.Foreground)
	st.Background = parseHexColor(j.Background)
	for _, field := range strings.Fields(j.FontStyle) {
		switch field {
		case "bold":
			st.FontStyle |= Bold
		case "italic":
			st.FontStyle |= Italic
		case "underline":
			st.FontStyle |= Underline
		case "strikethrough":
			st.FontStyle |= Strikethrough
		}
	}
	return st
}

// ParseTheme compiles a decoded ThemeJSON into a Theme ready for lookups.
func ParseTheme(j ThemeJSON) *Theme {
	t := &Theme{Default: parseStyle(StyleSetJSON{Foreground: j.Settings.Foreground, Background: j.Settings.Background})}
	for i, jc := range j.Rules {
		sels := parseScopeField(jc.Scope)
		if len(sels) == 0 {
			continue
		}
		t.rules = append(t.rules, rule{order: i, selectors: sels, style: parseStyle(jc.Settings)})
	}
	return t
}

// matchLevels reports whether levels appears, in order, as a subsequence of
// stack (outermost first) under atom-granular prefix matching, and if so
// how many atoms of specificity the match carries.
func matchLevels(levels []string, stack []string) (ok bool, specificity int) {
	idx := 0
	for _, level := range levels {
		found := -1
		for j := idx; j < len(stack); j++ {
			if tmforge.ScopeIsPrefix(level, stack[j]) {
				found = j
				break
			}
		}
		if found == -1 {
			return false, 0
		}
		idx = found + 1
		specificity += strings.Count(level, ".") + 1
	}
	return true, specificity
}

// ResolveScopeNames resolves a scope stack (outermost first, as returned by
// a grammar interner's NameOf over tmforge.State.Scopes) to a Style,
// applying every matching rule from least to most specific so a later,
// more specific rule's colors override an earlier, broader one's (font-style
// bits accumulate across matching rules rather than replacing each other),
// with declaration order breaking a true specificity tie.
func (t *Theme) ResolveScopeNames(stack []string) Style {
	type hit struct {
		order       int
		specificity int
		style       Style
	}
	var hits []hit
	for _, r := range t.rules {
		best := -1
		for _, sel := range r.selectors {
			if ok, sp := matchLevels(sel.levels, stack); ok && sp > best {
				best = sp
			}
		}
		if best >= 0 {
			hits = append(hits, hit{order: r.order, specificity: best, style: r.style})
		}
	}
	// Stable sort by (specificity asc, order asc) so merge folds the
	// highest-specificity, most-recently-declared rule in last.
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0; j-- {
			a, b := hits[j-1], hits[j]
			if a.specificity > b.specificity || (a.specificity == b.specificity && a.order > b.order) {
				hits[j-1], hits[j] = hits[j], hits[j-1]
			} else {
				break
			}
		}
	}
	style := t.Default
	for _, h := range hits {
		style = style.merge(h.style)
	}
	return style
}

// Resolve resolves a compiled scope stack (as produced by a tokenizer
// against an Interner) to a Style, translating ids to names via in first.
func (t *Theme) Resolve(in *tmforge.Interner, scopes []tmforge.ScopeID) Style {
	names := make([]string, len(scopes))
	for i, id := range scopes {
		names[i] = in.NameOf(id)
	}
	return t.ResolveScopeNames(names)
}
