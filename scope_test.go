package tmforge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInternerIdempotent(t *testing.T) {
	in := NewInterner()
	a := in.Intern("string.quoted.double")
	b := in.Intern("string.quoted.double")
	assert.Equal(t, a, b)
	assert.NotEqual(t, NoScope, a)
}

func TestInternerEmptyStringIsNoScope(t *testing.T) {
	in := NewInterner()
	assert.Equal(t, NoScope, in.Intern(""))
}

func TestInternerDistinctNames(t *testing.T) {
	in := NewInterner()
	a := in.Intern("keyword.control")
	b := in.Intern("keyword.operator")
	assert.NotEqual(t, a, b)
}

func TestInternerNameOfRoundTrips(t *testing.T) {
	in := NewInterner()
	id := in.Intern("comment.line.double-slash")
	assert.Equal(t, "comment.line.double-slash", in.NameOf(id))
}

func TestInternerNameOfUnknownID(t *testing.T) {
	in := NewInterner()
	assert.Equal(t, "", in.NameOf(ScopeID(9999)))
}

func TestScopeIsPrefix(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"string.quoted", "string.quoted.double", true},
		{"string.quoted", "string.quotedish", false},
		{"string.quoted.double", "string.quoted", false},
		{"string.quoted.double", "string.quoted.double", true},
		{"", "string.quoted", false},
		{"string.quoted", "", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ScopeIsPrefix(c.a, c.b), "IsPrefix(%q, %q)", c.a, c.b)
	}
}

func TestInternerIsPrefixUsesSameRule(t *testing.T) {
	in := NewInterner()
	broad := in.Intern("string.quoted")
	narrow := in.Intern("string.quoted.double")
	other := in.Intern("string.quotedish")

	assert.True(t, in.IsPrefix(broad, narrow))
	assert.False(t, in.IsPrefix(broad, other))
	assert.True(t, in.IsPrefix(broad, broad))
}

func TestInternerConcurrentInternSameName(t *testing.T) {
	in := NewInterner()
	const n = 50
	ids := make(chan ScopeID, n)
	for i := 0; i < n; i++ {
		go func() { ids <- in.Intern("source.concurrent") }()
	}
	first := <-ids
	for i := 1; i < n; i++ {
		assert.Equal(t, first, <-ids)
	}
}
