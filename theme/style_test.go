package theme

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmforge/tmforge"
)

func TestParseThemeDefault(t *testing.T) {
	th := ParseTheme(ThemeJSON{
		Settings: SettingsJSON{Foreground: "#ffffff", Background: "#000000"},
	})
	require.NotNil(t, th.Default.Foreground)
	require.NotNil(t, th.Default.Background)
	r, g, b := th.Default.Foreground.RGB255()
	assert.Equal(t, uint8(255), r)
	assert.Equal(t, uint8(255), g)
	assert.Equal(t, uint8(255), b)
}

func TestParseThemeShortHexAndAlpha(t *testing.T) {
	th := ParseTheme(ThemeJSON{
		Rules: []TokenColorJSON{
			{Scope: "comment", Settings: StyleSetJSON{Foreground: "#0f0"}},
			{Scope: "string", Settings: StyleSetJSON{Foreground: "#ff0000cc"}},
		},
	})
	style := th.ResolveScopeNames([]string{"source.x", "comment.line"})
	require.NotNil(t, style.Foreground)
	r, g, b := style.Foreground.RGB255()
	assert.Equal(t, uint8(0), r)
	assert.Equal(t, uint8(255), g)
	assert.Equal(t, uint8(0), b)

	style2 := th.ResolveScopeNames([]string{"source.x", "string.quoted"})
	require.NotNil(t, style2.Foreground)
	r2, _, _ := style2.Foreground.RGB255()
	assert.Equal(t, uint8(255), r2)
}

func TestParseStyleFontStyleBits(t *testing.T) {
	st := parseStyle(StyleSetJSON{FontStyle: "bold italic"})
	assert.True(t, st.FontStyle.Has(Bold))
	assert.True(t, st.FontStyle.Has(Italic))
	assert.False(t, st.FontStyle.Has(Underline))
}

func TestResolveScopeNamesMoreSpecificWins(t *testing.T) {
	th := ParseTheme(ThemeJSON{
		Rules: []TokenColorJSON{
			{Scope: "string", Settings: StyleSetJSON{Foreground: "#ff0000"}},
			{Scope: "string.quoted.double", Settings: StyleSetJSON{Foreground: "#00ff00"}},
		},
	})
	style := th.ResolveScopeNames([]string{"source.x", "string.quoted.double.js"})
	require.NotNil(t, style.Foreground)
	_, g, _ := style.Foreground.RGB255()
	assert.Equal(t, uint8(255), g, "the more specific selector must win regardless of declaration order")
}

func TestResolveScopeNamesDeclarationOrderBreaksTrueTie(t *testing.T) {
	th := ParseTheme(ThemeJSON{
		Rules: []TokenColorJSON{
			{Scope: "string", Settings: StyleSetJSON{Foreground: "#111111"}},
			{Scope: "string", Settings: StyleSetJSON{Foreground: "#222222"}},
		},
	})
	style := th.ResolveScopeNames([]string{"string.quoted"})
	require.NotNil(t, style.Foreground)
	r, _, _ := style.Foreground.RGB255()
	assert.Equal(t, uint8(0x22), r, "later declaration wins a true specificity tie")
}

func TestResolveScopeNamesDescendantCombinator(t *testing.T) {
	th := ParseTheme(ThemeJSON{
		Rules: []TokenColorJSON{
			{Scope: "source.js string.quoted", Settings: StyleSetJSON{Foreground: "#abcdef"}},
		},
	})
	match := th.ResolveScopeNames([]string{"source.js", "meta.block", "string.quoted.double"})
	assert.NotNil(t, match.Foreground)

	noMatch := th.ResolveScopeNames([]string{"source.python", "string.quoted.double"})
	assert.Nil(t, noMatch.Foreground)
}

func TestResolveScopeNamesCommaAlternatives(t *testing.T) {
	th := ParseTheme(ThemeJSON{
		Rules: []TokenColorJSON{
			{Scope: "keyword.control, keyword.operator", Settings: StyleSetJSON{Foreground: "#123456"}},
		},
	})
	a := th.ResolveScopeNames([]string{"keyword.control.if"})
	b := th.ResolveScopeNames([]string{"keyword.operator.assignment"})
	assert.NotNil(t, a.Foreground)
	assert.NotNil(t, b.Foreground)
}

func TestParseScopeFieldArray(t *testing.T) {
	th := ParseTheme(ThemeJSON{
		Rules: []TokenColorJSON{
			{Scope: []any{"comment", "punctuation.definition.comment"}, Settings: StyleSetJSON{Foreground: "#777777"}},
		},
	})
	a := th.ResolveScopeNames([]string{"comment.line"})
	b := th.ResolveScopeNames([]string{"punctuation.definition.comment.js"})
	assert.NotNil(t, a.Foreground)
	assert.NotNil(t, b.Foreground)
}

func TestThemeResolveTranslatesScopeIDs(t *testing.T) {
	in := tmforge.NewInterner()
	id := in.Intern("keyword.control")
	th := ParseTheme(ThemeJSON{
		Rules: []TokenColorJSON{
			{Scope: "keyword.control", Settings: StyleSetJSON{Foreground: "#ff00ff"}},
		},
	})
	style := th.Resolve(in, []tmforge.ScopeID{id})
	require.NotNil(t, style.Foreground)
}

func TestMapTokensReusesStyleAcrossIdenticalScopeRuns(t *testing.T) {
	in := tmforge.NewInterner()
	a := in.Intern("a")
	th := ParseTheme(ThemeJSON{
		Rules: []TokenColorJSON{{Scope: "a", Settings: StyleSetJSON{Foreground: "#010101"}}},
	})
	tokens := []tmforge.Token{
		{Start: 0, End: 1, Scopes: []tmforge.ScopeID{a}},
		{Start: 1, End: 2, Scopes: []tmforge.ScopeID{a}},
	}
	styled := th.MapTokens(in, tokens)
	require.Len(t, styled, 2)
	assert.Equal(t, styled[0].Style, styled[1].Style)
}
