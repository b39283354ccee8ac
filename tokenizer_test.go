package tmforge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustCompile(t *testing.T, doc string) *Grammar {
	t.Helper()
	g, err := Compile([]byte(doc), CompileOptions{Interner: NewInterner()})
	require.NoError(t, err)
	return g
}

func names(g *Grammar, ids []ScopeID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = g.Interner.NameOf(id)
	}
	return out
}

func TestTokenizeLinePlainMatch(t *testing.T) {
	g := mustCompile(t, `{
		"scopeName": "source.plain",
		"patterns": [ { "match": "foo", "name": "keyword.foo" } ]
	}`)
	tk := NewTokenizer(g)
	tokens, _, err := tk.TokenizeLine(nil, "xx foo yy")
	require.NoError(t, err)
	require.Len(t, tokens, 3)
	assert.Equal(t, []string{"source.plain"}, names(g, tokens[0].Scopes))
	assert.Equal(t, []string{"source.plain", "keyword.foo"}, names(g, tokens[1].Scopes))
	assert.Equal(t, 3, tokens[1].Start)
	assert.Equal(t, 6, tokens[1].End)
}

func TestTokenizeLineCoversWholeLine(t *testing.T) {
	g := mustCompile(t, `{
		"scopeName": "source.cov",
		"patterns": [ { "match": "x", "name": "literal.x" } ]
	}`)
	tk := NewTokenizer(g)
	tokens, _, err := tk.TokenizeLine(nil, "axbxc")
	require.NoError(t, err)
	require.NotEmpty(t, tokens)
	assert.Equal(t, 0, tokens[0].Start)
	assert.Equal(t, 5, tokens[len(tokens)-1].End)
	for i := 1; i < len(tokens); i++ {
		assert.Equal(t, tokens[i-1].End, tokens[i].Start, "tokens must be contiguous")
	}
}

func TestTokenizeLineCaptures(t *testing.T) {
	g := mustCompile(t, `{
		"scopeName": "source.caps",
		"patterns": [
			{
				"match": "(#)(\\w+)",
				"name": "meta.tag",
				"captures": {
					"1": { "name": "punctuation.hash" },
					"2": { "name": "entity.name.tag" }
				}
			}
		]
	}`)
	tk := NewTokenizer(g)
	tokens, _, err := tk.TokenizeLine(nil, "#header")
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	assert.Equal(t, []string{"source.caps", "meta.tag", "punctuation.hash"}, names(g, tokens[0].Scopes))
	assert.Equal(t, 0, tokens[0].Start)
	assert.Equal(t, 1, tokens[0].End)
	assert.Equal(t, []string{"source.caps", "meta.tag", "entity.name.tag"}, names(g, tokens[1].Scopes))
	assert.Equal(t, 1, tokens[1].Start)
	assert.Equal(t, 7, tokens[1].End)
}

func TestTokenizeLineBeginEndNesting(t *testing.T) {
	g := mustCompile(t, `{
		"scopeName": "source.nest",
		"patterns": [
			{
				"begin": "\\(",
				"end": "\\)",
				"name": "meta.paren",
				"contentName": "meta.inner",
				"beginCaptures": { "0": { "name": "punctuation.open" } },
				"endCaptures": { "0": { "name": "punctuation.close" } },
				"patterns": [ { "match": "[0-9]+", "name": "constant.numeric" } ]
			}
		]
	}`)
	tk := NewTokenizer(g)
	tokens, next, err := tk.TokenizeLine(nil, "(42)")
	require.NoError(t, err)
	require.Len(t, tokens, 3)

	assert.Equal(t, []string{"source.nest", "meta.paren", "meta.inner", "punctuation.open"}, names(g, tokens[0].Scopes))
	assert.Equal(t, []string{"source.nest", "meta.paren", "meta.inner", "constant.numeric"}, names(g, tokens[1].Scopes))
	assert.Equal(t, []string{"source.nest", "meta.paren", "meta.inner", "punctuation.close"}, names(g, tokens[2].Scopes))
	assert.Equal(t, 0, next.Depth(), "the rule must have closed by end of line")
}

func TestTokenizeLineBeginEndSpansMultipleLines(t *testing.T) {
	g := mustCompile(t, `{
		"scopeName": "source.multi",
		"patterns": [
			{ "begin": "/\\*", "end": "\\*/", "name": "comment.block" }
		]
	}`)
	tk := NewTokenizer(g)
	tokens1, st1, err := tk.TokenizeLine(nil, "/* start")
	require.NoError(t, err)
	assert.Equal(t, 1, st1.Depth())
	for _, tok := range tokens1 {
		assert.Contains(t, names(g, tok.Scopes), "comment.block")
	}

	tokens2, st2, err := tk.TokenizeLine(st1, "still inside */ after")
	require.NoError(t, err)
	assert.Equal(t, 0, st2.Depth())
	assert.Contains(t, names(g, tokens2[0].Scopes), "comment.block")
	last := tokens2[len(tokens2)-1]
	assert.NotContains(t, names(g, last.Scopes), "comment.block")
}

func TestTokenizeLineBeginWhileClosesOnNonMatchingLine(t *testing.T) {
	g := mustCompile(t, `{
		"scopeName": "source.quote",
		"patterns": [
			{ "begin": ">\\s?", "while": ">\\s?", "name": "markup.quote" }
		]
	}`)
	tk := NewTokenizer(g)
	tokens1, st1, err := tk.TokenizeLine(nil, "> first")
	require.NoError(t, err)
	require.NoError(t, err)
	assert.Equal(t, 1, st1.Depth())
	assert.Contains(t, names(g, tokens1[0].Scopes), "markup.quote")

	tokens2, st2, err := tk.TokenizeLine(st1, "> second")
	require.NoError(t, err)
	assert.Equal(t, 1, st2.Depth())
	assert.Contains(t, names(g, tokens2[0].Scopes), "markup.quote")

	tokens3, st3, err := tk.TokenizeLine(st2, "third, unquoted")
	require.NoError(t, err)
	assert.Equal(t, 0, st3.Depth(), "the while-gate must close the frame before any scanning happens")
	for _, tok := range tokens3 {
		assert.NotContains(t, names(g, tok.Scopes), "markup.quote")
	}
}

func TestTokenizeDocumentSelfIncludeCycleTerminates(t *testing.T) {
	g := mustCompile(t, `{
		"scopeName": "source.cycle2",
		"patterns": [ { "include": "#a" } ],
		"repository": {
			"a": {
				"patterns": [
					{ "include": "#a" },
					{ "match": "x", "name": "literal.x" }
				]
			}
		}
	}`)
	tk := NewTokenizer(g)

	done := make(chan struct{})
	var tokens []Token
	var err error
	go func() {
		tokens, _, err = tk.TokenizeDocument("xy")
		close(done)
	}()
	<-done

	require.NoError(t, err)
	require.Len(t, tokens, 2)
	assert.Equal(t, []string{"source.cycle2", "literal.x"}, names(g, tokens[0].Scopes))
	assert.Equal(t, 0, tokens[0].Start)
	assert.Equal(t, 1, tokens[0].End)
	assert.Equal(t, []string{"source.cycle2"}, names(g, tokens[1].Scopes))
	assert.Equal(t, 1, tokens[1].Start)
	assert.Equal(t, 2, tokens[1].End)
}

func TestTokenizeDocumentTerminatorBytesCovered(t *testing.T) {
	g := mustCompile(t, `{
		"scopeName": "source.doc",
		"patterns": [ { "match": "x", "name": "literal.x" } ]
	}`)
	tk := NewTokenizer(g)
	tokens, _, err := tk.TokenizeDocument("x\nx\r\nx")
	require.NoError(t, err)
	require.NotEmpty(t, tokens)
	assert.Equal(t, 0, tokens[0].Start)
	total := len("x\nx\r\nx")
	assert.Equal(t, total, tokens[len(tokens)-1].End)
	for i := 1; i < len(tokens); i++ {
		assert.Equal(t, tokens[i-1].End, tokens[i].Start, "document tokens must be contiguous including terminators")
	}
}

func TestTokenizeDocumentEmptyLineGetsEmptyToken(t *testing.T) {
	g := mustCompile(t, `{
		"scopeName": "source.blank",
		"patterns": []
	}`)
	tk := NewTokenizer(g)
	tokens, _, err := tk.TokenizeDocument("a\n\nb")
	require.NoError(t, err)

	var sawEmpty bool
	for _, tok := range tokens {
		if tok.Len() == 0 {
			sawEmpty = true
			assert.Equal(t, []string{"source.blank"}, names(g, tok.Scopes))
		}
	}
	assert.True(t, sawEmpty, "the blank line between the two terminators must still produce a token")
}

func TestTokenizeLineEmptyLineProducesEmptyToken(t *testing.T) {
	g := mustCompile(t, `{
		"scopeName": "source.blank2",
		"patterns": []
	}`)
	tk := NewTokenizer(g)
	tokens, _, err := tk.TokenizeLine(nil, "")
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, 0, tokens[0].Len())
}

func TestTokenizeLineZeroWidthMatchMakesProgress(t *testing.T) {
	g := mustCompile(t, `{
		"scopeName": "source.zw",
		"patterns": [ { "match": "(?=x)", "name": "meta.lookahead" } ]
	}`)
	tk := NewTokenizer(g)
	done := make(chan struct{})
	var err error
	go func() {
		_, _, err = tk.TokenizeLine(nil, "xxx")
		close(done)
	}()
	<-done
	require.NoError(t, err)
}

func TestTokenizeLineBackreferencedEndPattern(t *testing.T) {
	g := mustCompile(t, `{
		"scopeName": "source.heredoc3",
		"patterns": [ { "begin": "<<(\\w+)", "end": "^\\1$", "name": "string.heredoc" } ]
	}`)
	tk := NewTokenizer(g)
	tokens1, st1, err := tk.TokenizeLine(nil, "<<EOF")
	require.NoError(t, err)
	assert.Equal(t, 1, st1.Depth())
	assert.Contains(t, names(g, tokens1[0].Scopes), "string.heredoc")

	_, st2, err := tk.TokenizeLine(st1, "body text, not a close")
	require.NoError(t, err)
	assert.Equal(t, 1, st2.Depth())

	_, st3, err := tk.TokenizeLine(st2, "EOF")
	require.NoError(t, err)
	assert.Equal(t, 0, st3.Depth(), "the literal captured delimiter must close the heredoc")
}

func TestTokenizeLineApplyEndPatternLast(t *testing.T) {
	// Without applyEndPatternLast, a tie between the end pattern and a
	// nested pattern at the same start favors end.
	g := mustCompile(t, `{
		"scopeName": "source.epl",
		"patterns": [
			{
				"begin": "<",
				"end": "x",
				"name": "meta.epl",
				"patterns": [ { "match": "x", "name": "nested.x" } ]
			}
		]
	}`)
	tk := NewTokenizer(g)
	tokens, next, err := tk.TokenizeLine(nil, "<x")
	require.NoError(t, err)
	assert.Equal(t, 0, next.Depth())
	foundNested := false
	for _, tok := range tokens {
		if contains(names(g, tok.Scopes), "nested.x") {
			foundNested = true
		}
	}
	assert.False(t, foundNested, "end must win the tie when applyEndPatternLast is unset")
}

func TestTokenizeLineApplyEndPatternLastPrefersNested(t *testing.T) {
	g := mustCompile(t, `{
		"scopeName": "source.epl2",
		"patterns": [
			{
				"begin": "<",
				"end": "x",
				"name": "meta.epl2",
				"applyEndPatternLast": true,
				"patterns": [ { "match": "x", "name": "nested.x" } ]
			}
		]
	}`)
	tk := NewTokenizer(g)
	tokens, _, err := tk.TokenizeLine(nil, "<x")
	require.NoError(t, err)
	foundNested := false
	for _, tok := range tokens {
		if contains(names(g, tok.Scopes), "nested.x") {
			foundNested = true
		}
	}
	assert.True(t, foundNested, "applyEndPatternLast must let the nested pattern win the tie")
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
