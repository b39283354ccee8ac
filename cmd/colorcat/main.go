// Command colorcat tokenizes a source file against a TextMate grammar and
// renders it to the terminal using ANSI escapes resolved from a theme. It
// is the CLI plumbing §1 calls out as an external collaborator to the core
// engine, not part of it.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tmforge/tmforge"
	"github.com/tmforge/tmforge/theme"
)

var (
	cfgFile    string
	grammarDir string
	themeDir   string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "colorcat [file]",
		Short: "Render a source file with TextMate-grammar syntax highlighting",
		RunE:  runColorcat,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.colorcat.yaml)")
	root.Flags().String("syntax", "", "grammar file extension to use (default: inferred from the file name)")
	root.Flags().String("theme", "default", "theme name, looked up as <theme-dir>/<name>.json")
	root.Flags().Bool("transparent", false, "don't fall back to the theme's default foreground/background")
	root.Flags().Bool("diagnostics", false, "print grammar/tokenizer diagnostics to stderr")
	root.Flags().Bool("list", false, "list known file types and exit")
	root.Flags().StringVar(&grammarDir, "grammar-dir", "share/colorcat/grammars", "directory of *.json grammars")
	root.Flags().StringVar(&themeDir, "theme-dir", "share/colorcat/themes", "directory of *.json themes")

	viper.BindPFlags(root.Flags())
	cobra.OnInitialize(initConfig)

	return root
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home)
		viper.SetConfigName(".colorcat")
	}
	viper.SetEnvPrefix("COLORCAT")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()
}

func runColorcat(cmd *cobra.Command, args []string) error {
	fsys := afero.NewOsFs()
	logger := zerolog.New(colorable.NewColorableStderr()).With().Timestamp().Logger()
	if !viper.GetBool("diagnostics") {
		logger = logger.Level(zerolog.Disabled)
	}

	loader := tmforge.NewLoader(fsys, nil)
	loader.SetLogger(&logger)
	if err := loader.LoadDir(viper.GetString("grammar-dir")); err != nil {
		return err
	}

	if viper.GetBool("list") {
		return listFileTypes(cmd, loader)
	}

	source, sourceName, err := readSource(fsys, args)
	if err != nil {
		return err
	}

	ft := viper.GetString("syntax")
	if ft == "" {
		ft = strings.TrimPrefix(path.Ext(sourceName), ".")
	}
	grammar, err := loader.FromFileType(ft, source)
	if err != nil {
		return fmt.Errorf("load grammar for %q: %w", ft, err)
	}

	th, err := loadTheme(fsys, path.Join(viper.GetString("theme-dir"), viper.GetString("theme")+".json"))
	if err != nil {
		return err
	}

	tokenizer := tmforge.NewTokenizer(grammar)
	tokenizer.SetLogger(&logger)
	tokens, _, err := tokenizer.TokenizeDocument(source)
	if err != nil {
		return fmt.Errorf("tokenize: %w", err)
	}

	render(colorable.NewColorableStdout(), source, th.MapTokens(grammar.Interner, tokens), !viper.GetBool("transparent"), th.Default)
	return nil
}

func readSource(fsys afero.Fs, args []string) (text string, name string, err error) {
	if len(args) == 0 {
		data, err := readAllStdin()
		return data, "", err
	}
	name = args[0]
	data, err := afero.ReadFile(fsys, name)
	if err != nil {
		return "", name, fmt.Errorf("read %q: %w", name, err)
	}
	return string(data), name, nil
}

func readAllStdin() (string, error) {
	var sb strings.Builder
	buf := make([]byte, 64*1024)
	for {
		n, err := os.Stdin.Read(buf)
		sb.Write(buf[:n])
		if err != nil {
			break
		}
	}
	return sb.String(), nil
}

func loadTheme(fsys afero.Fs, themePath string) (*theme.Theme, error) {
	data, err := afero.ReadFile(fsys, themePath)
	if err != nil {
		return nil, fmt.Errorf("read theme %q: %w", themePath, err)
	}
	var j theme.ThemeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse theme %q: %w", themePath, err)
	}
	return theme.ParseTheme(j), nil
}

func listFileTypes(cmd *cobra.Command, loader *tmforge.Loader) error {
	var fts []string
	for ft := range loader.FileTypes() {
		fts = append(fts, ft)
	}
	sort.Strings(fts)
	for _, ft := range fts {
		fmt.Fprintf(cmd.OutOrStdout(), "- %s\n", ft)
	}
	return nil
}

// render writes source to out with ANSI SGR escapes inserted at every token
// boundary in styled, so the byte stream never needs to be materialized as
// an intermediate styled string.
func render(out io.Writer, source string, styled []theme.StyledToken, fillDefault bool, def theme.Style) {
	idx, cur := 0, -1
	for i, ch := range source {
		for idx < len(styled)-1 && styled[idx+1].Start <= i {
			idx++
		}
		if idx != cur && idx < len(styled) {
			writeSGR(out, styled[idx].Style, fillDefault, def)
			cur = idx
		}
		fmt.Fprintf(out, "%c", ch)
	}
	fmt.Fprint(out, "\033[0m\n")
}

func writeSGR(out io.Writer, st theme.Style, fillDefault bool, def theme.Style) {
	fg, bg := st.Foreground, st.Background
	if fillDefault {
		if fg == nil {
			fg = def.Foreground
		}
		if bg == nil {
			bg = def.Background
		}
	}

	var b strings.Builder
	b.WriteString("\033[0")
	if st.FontStyle.Has(theme.Bold) {
		b.WriteString(";1")
	}
	if st.FontStyle.Has(theme.Italic) {
		b.WriteString(";3")
	}
	if st.FontStyle.Has(theme.Underline) {
		b.WriteString(";4")
	}
	if st.FontStyle.Has(theme.Strikethrough) {
		b.WriteString(";9")
	}
	if fg != nil {
		r, g, bl := fg.RGB255()
		fmt.Fprintf(&b, ";38;2;%d;%d;%d", r, g, bl)
	}
	if bg != nil {
		r, g, bl := bg.RGB255()
		fmt.Fprintf(&b, ";48;2;%d;%d;%d", r, g, bl)
	}
	b.WriteByte('m')
	out.Write([]byte(b.String()))
}
