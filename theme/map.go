package theme

import "github.com/tmforge/tmforge"

// StyledToken pairs a tokenizer Token with the Style its scope stack
// resolves to under a Theme.
type StyledToken struct {
	tmforge.Token
	Style Style
}

// MapTokens resolves every token's scope stack against t in one pass,
// reusing StyledToken.Style across a run of tokens that happen to resolve
// identically (common: most of a line shares a scope stack) rather than
// re-walking the Theme's rule list for each one individually.
func (t *Theme) MapTokens(in *tmforge.Interner, tokens []tmforge.Token) []StyledToken {
	out := make([]StyledToken, len(tokens))
	var (
		lastScopes []tmforge.ScopeID
		lastStyle  Style
		have       bool
	)
	for i, tok := range tokens {
		if have && scopesEqual(lastScopes, tok.Scopes) {
			out[i] = StyledToken{Token: tok, Style: lastStyle}
			continue
		}
		style := t.Resolve(in, tok.Scopes)
		out[i] = StyledToken{Token: tok, Style: style}
		lastScopes, lastStyle, have = tok.Scopes, style, true
	}
	return out
}

func scopesEqual(a, b []tmforge.ScopeID) bool {
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
