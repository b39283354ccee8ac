package tmforge

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"iter"
	"maps"
	"path"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/tmforge/tmforge/regexp"
)

// Loader reads grammar files from an afero.Fs, JSON only (per the TextMate
// dialect's scope here — no plist), and compiles them against a shared
// Interner so scope ids from different grammars are comparable. It is the
// disk-facing external collaborator §1 describes the core as consuming an
// interface from, not a dependency of Grammar.Compile itself.
type Loader struct {
	fs       afero.Fs
	interner *Interner
	logger   *zerolog.Logger

	raw       map[string]*GrammarJSON // by scopeName
	filetypes map[string][]string     // filetype -> scopeNames, in load order
}

// NewLoader builds a Loader backed by fsys. A nil interner uses the
// process-wide GlobalInterner.
func NewLoader(fsys afero.Fs, interner *Interner) *Loader {
	if interner == nil {
		interner = global
	}
	return &Loader{
		fs:        fsys,
		interner:  interner,
		raw:       make(map[string]*GrammarJSON),
		filetypes: make(map[string][]string),
	}
}

// SetLogger directs compile-time diagnostics to l.
func (l *Loader) SetLogger(logger *zerolog.Logger) { l.logger = logger }

// LoadDir reads every ".json" file directly inside dir (non-recursive,
// matching how grammar bundles are typically laid out one file per
// language) and indexes it by scopeName and fileType. A file that fails to
// parse is skipped with a logged warning rather than aborting the whole
// directory.
func (l *Loader) LoadDir(dir string) error {
	entries, err := afero.ReadDir(l.fs, dir)
	if err != nil {
		return fmt.Errorf("tmforge: read grammar dir %q: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if err := l.LoadFile(path.Join(dir, entry.Name())); err != nil {
			l.warn(entry.Name(), err)
		}
	}
	return nil
}

// LoadFile parses and indexes a single grammar file without compiling it;
// compilation (and its cross-grammar include resolution) happens lazily in
// FromScope/FromFileType, once every grammar the caller intends to use has
// been loaded.
func (l *Loader) LoadFile(pathname string) error {
	data, err := afero.ReadFile(l.fs, pathname)
	if err != nil {
		return err
	}
	var raw GrammarJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", errMalformedJSON, err)
	}
	if raw.ScopeName == "" {
		return fmt.Errorf("%w: %s: missing scopeName", errMalformedJSON, pathname)
	}
	l.raw[raw.ScopeName] = &raw
	for _, ft := range raw.FileTypes {
		ft = strings.TrimPrefix(ft, ".")
		l.filetypes[ft] = append(l.filetypes[ft], raw.ScopeName)
	}
	return nil
}

func (l *Loader) warn(name string, err error) {
	if l.logger == nil {
		return
	}
	l.logger.Warn().Str("file", name).Err(err).Msg("skipping grammar file")
}

// Resolver returns a Resolver backing external (scopeName / scopeName#name)
// includes against every grammar this Loader has indexed, compiling the
// requested grammar via FromScope on each call (compilation results are not
// cached here since Grammar is meant to be compiled once per call site and
// held by the caller; repeated calls to FromScope for the same scope
// recompile). $base is not resolved here; the tokenizer resolves it.
func (l *Loader) Resolver() Resolver {
	return func(scopeName string) *Grammar {
		g, err := l.FromScope(scopeName)
		if err != nil {
			return nil
		}
		return g
	}
}

// FromScope compiles the grammar registered under scope.
func (l *Loader) FromScope(scope string) (*Grammar, error) {
	raw, ok := l.raw[scope]
	if !ok {
		return nil, fs.ErrNotExist
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	return Compile(data, CompileOptions{Interner: l.interner, Resolve: l.Resolver(), Logger: l.logger})
}

// FromFileType compiles the grammar registered for a file extension,
// disambiguating between multiple candidates (several grammars may claim
// the same extension) using firstLineMatch against sample, the way a real
// editor picks a grammar from a file's shebang or doctype line. An empty
// sample, or no candidate whose firstLineMatch matches it, falls back to
// the first grammar registered for ft.
func (l *Loader) FromFileType(ft string, sample string) (*Grammar, error) {
	ft = strings.TrimPrefix(ft, ".")
	scopes, ok := l.filetypes[ft]
	if !ok || len(scopes) == 0 {
		return nil, fs.ErrNotExist
	}
	chosen := scopes[0]
	if sample != "" {
		firstLine := sample
		if i := strings.IndexByte(sample, '\n'); i >= 0 {
			firstLine = sample[:i]
		}
		in := regexp.NewInput(firstLine)
		for _, scope := range scopes {
			raw := l.raw[scope]
			if raw.FirstLineMatch == "" {
				continue
			}
			re, err := regexp.Compile(raw.FirstLineMatch)
			if err != nil {
				continue
			}
			if m, _ := re.FindAt(in, 0); m != nil {
				chosen = scope
				break
			}
		}
	}
	return l.FromScope(chosen)
}

// Scopes iterates every scopeName this Loader has indexed.
func (l *Loader) Scopes() iter.Seq[string] { return maps.Keys(l.raw) }

// FileTypes iterates every file extension this Loader has indexed.
func (l *Loader) FileTypes() iter.Seq[string] { return maps.Keys(l.filetypes) }
