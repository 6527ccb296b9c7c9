// Package listing renders kernel listings for terminals.
package listing

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"

	"github.com/xupit3r/cudave/internal/kernel"
)

var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// Options selects the chroma rendering.
type Options struct {
	Formatter string // chroma formatter; "" disables highlighting
	Style     string
}

// DefaultOptions highlights for 256-colour terminals.
func DefaultOptions() Options {
	return Options{Formatter: "terminal256", Style: "monokai"}
}

// Kernel returns the listing of k, highlighted as CUDA source.
func Kernel(k *kernel.Kernel, opts Options) string {
	return Highlight(k.Listing(), opts)
}

// Highlight applies syntax highlighting to CUDA-flavoured source. On any
// chroma failure the source is returned unchanged.
func Highlight(src string, opts Options) string {
	if opts.Formatter == "" {
		return src
	}

	lexer := lexers.Get("cuda")
	if lexer == nil {
		lexer = lexers.Get("c")
	}
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	formatter := formatters.Get(opts.Formatter)
	if formatter == nil {
		formatter = formatters.Fallback
	}

	style := styles.Get(opts.Style)
	if style == nil {
		style = styles.Fallback
	}

	iterator, err := lexer.Tokenise(nil, src)
	if err != nil {
		return src
	}

	var buf bytes.Buffer
	if err := formatter.Format(&buf, style, iterator); err != nil {
		return src
	}
	return buf.String()
}

// StripANSI removes ANSI color codes from text
func StripANSI(text string) string {
	return ansiRegex.ReplaceAllString(text, "")
}

// Frame wraps a listing with a titled gutter.
func Frame(title, body string) string {
	var sb strings.Builder
	sb.WriteString("┌─ " + title + " ─\n")
	for _, line := range strings.Split(strings.TrimSuffix(body, "\n"), "\n") {
		sb.WriteString("│ " + line + "\n")
	}
	sb.WriteString("└─\n")
	return sb.String()
}
