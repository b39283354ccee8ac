package tmforge

import (
	"fmt"

	"github.com/rs/zerolog"
)

// DiagnosticKind classifies a non-fatal problem found while compiling or
// running a grammar (§7 error handling design). None of these abort
// compilation or tokenization; they degrade the affected rule gracefully.
type DiagnosticKind int

const (
	// MalformedGrammar is a structural violation in raw grammar input that
	// is recoverable (e.g. a repository entry that doesn't compile): the
	// rest of the grammar still loads.
	MalformedGrammar DiagnosticKind = iota
	// RegexCompileError attaches to the offending pattern; the rule it
	// belongs to never matches at runtime.
	RegexCompileError
	// UnresolvedInclude is an include reference that could not be resolved
	// at compile time; it expands to the empty pattern set at runtime.
	UnresolvedInclude
	// StackOverflow records a begin-push that was refused because it would
	// exceed the configured stack depth cap.
	StackOverflow
)

func (k DiagnosticKind) String() string {
	switch k {
	case MalformedGrammar:
		return "malformed-grammar"
	case RegexCompileError:
		return "regex-compile-error"
	case UnresolvedInclude:
		return "unresolved-include"
	case StackOverflow:
		return "stack-overflow"
	default:
		return "unknown"
	}
}

// Diagnostic carries enough context about a recoverable problem to log it
// or show it to a user.
type Diagnostic struct {
	Kind    DiagnosticKind
	Rule    string // repository name, include target, or rule path
	Pattern string // offending regex source, if any
	Err     error
}

func (d Diagnostic) Error() string {
	if d.Pattern != "" {
		return fmt.Sprintf("%s: %s: %q: %v", d.Kind, d.Rule, d.Pattern, d.Err)
	}
	return fmt.Sprintf("%s: %s: %v", d.Kind, d.Rule, d.Err)
}

// logDiagnostics writes each diagnostic to logger at a level matching its
// severity. A nil logger is replaced with zerolog.Nop(), so callers that
// don't care about logging never need to check for nil.
func logDiagnostics(logger *zerolog.Logger, diags []Diagnostic) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	for _, d := range diags {
		ev := logger.Warn()
		if d.Kind == StackOverflow {
			ev = logger.Error()
		}
		ev.Str("kind", d.Kind.String()).
			Str("rule", d.Rule).
			Str("pattern", d.Pattern).
			AnErr("cause", d.Err).
			Msg("grammar diagnostic")
	}
}

// invariantViolation is the panic value raised when the token accumulator
// (or another internal safeguard) detects a bug rather than a user error —
// e.g. an emitted token that overlaps the previous one. Tokenizer methods
// recover it at their boundary and turn it into a returned error, per §7:
// "must be surfaced as a fatal error from tokenization, never silently
// swallowed."
type invariantViolation struct {
	msg string
}

func (e invariantViolation) Error() string { return "internal invariant violation: " + e.msg }

func panicInvariant(format string, args ...any) {
	panic(invariantViolation{msg: fmt.Sprintf(format, args...)})
}

// recoverInvariant recovers an invariantViolation panic into *errp, leaving
// any other panic to propagate (it is not this package's bug to hide).
func recoverInvariant(errp *error) {
	if r := recover(); r != nil {
		if iv, ok := r.(invariantViolation); ok {
			*errp = iv
			return
		}
		panic(r)
	}
}
