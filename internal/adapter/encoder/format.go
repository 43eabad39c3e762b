// Package encoder turns chunks and queries into embedding vectors.
package encoder

import (
	"fmt"
	"strings"

	"medrag/internal/domain"
)

// Format controls how a passage's title and content become encoder input.
type Format string

const (
	// FormatConcat joins title and content with ". " unless the title
	// already ends in sentence punctuation.
	FormatConcat Format = "concat"
	// FormatContriever joins with ". " and collapses the doubled
	// punctuation that produces.
	FormatContriever Format = "contriever"
	// FormatSep joins title and content with a separator token.
	FormatSep Format = "sep"
	// FormatPair keeps title and content as two fields.
	FormatPair Format = "pair"
)

const defaultSeparator = "[SEP]"

// Formatter renders passages for one encoder.
type Formatter struct {
	format    Format
	separator string
}

func NewFormatter(format, separator string) (Formatter, error) {
	f := Format(format)
	switch f {
	case "":
		f = FormatConcat
	case FormatConcat, FormatContriever, FormatSep, FormatPair:
	default:
		return Formatter{}, fmt.Errorf("%w: unknown passage format %q", domain.ErrConfiguration, format)
	}
	if separator == "" {
		separator = defaultSeparator
	}
	return Formatter{format: f, separator: separator}, nil
}

func (f Formatter) Format() Format { return f.format }

// Text renders a passage as a single string. Pair passages are joined
// with a tab for transports that only accept strings.
func (f Formatter) Text(p domain.Passage) string {
	switch f.format {
	case FormatContriever:
		s := p.Title + ". " + p.Content
		s = strings.ReplaceAll(s, "..", ".")
		return strings.ReplaceAll(s, "?.", "?")
	case FormatSep:
		return p.Title + f.separator + p.Content
	case FormatPair:
		return p.Title + "\t" + p.Content
	}
	title, content := strings.TrimSpace(p.Title), strings.TrimSpace(p.Content)
	if title == "" {
		return content
	}
	if strings.HasSuffix(title, ".") || strings.HasSuffix(title, "?") || strings.HasSuffix(title, "!") {
		return title + " " + content
	}
	return title + ". " + content
}

// Texts renders a batch.
func (f Formatter) Texts(ps []domain.Passage) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = f.Text(p)
	}
	return out
}
