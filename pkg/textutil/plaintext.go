// Package textutil normalizes user supplied text.
package textutil

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// PlainText removes HTML elements from s and collapses whitespace. Only
// known HTML tags are treated as markup: unknown tags, a stray '<' and
// entities are kept exactly as written. Script and style bodies are
// dropped; block elements and <br> become line breaks.
func PlainText(s string) string {
	if !strings.Contains(s, "<") {
		return normalize(s)
	}
	var buf strings.Builder
	skipping := atom.Atom(0)
	z := html.NewTokenizer(strings.NewReader(s))
	for {
		tt := z.Next()
		raw := string(z.Raw())
		switch tt {
		case html.ErrorToken:
			// An unterminated tag at the end of input is plain text.
			buf.WriteString(raw)
			return normalize(buf.String())
		case html.TextToken:
			if skipping == 0 {
				buf.WriteString(raw)
			}
		case html.StartTagToken, html.SelfClosingTagToken, html.EndTagToken:
			tag, ok := markupTag(z)
			switch {
			case !ok:
				if skipping == 0 {
					buf.WriteString(raw)
				}
			case skipping != 0:
				if tt == html.EndTagToken && tag == skipping {
					skipping = 0
				}
			case tag == atom.Script || tag == atom.Style:
				if tt == html.StartTagToken {
					skipping = tag
				}
			case tag == atom.Br || isBlock(tag):
				buf.WriteString("\n")
			}
		case html.CommentToken:
			if !strings.HasPrefix(raw, "<!--") && skipping == 0 {
				buf.WriteString(raw)
			}
		}
	}
}

// markupTag reports the current tag when it is a known HTML element whose
// attributes all carry values. "<b then swap>" reads as prose, not a tag.
func markupTag(z *html.Tokenizer) (atom.Atom, bool) {
	name, hasAttr := z.TagName()
	tag := atom.Lookup(name)
	if tag == 0 {
		return 0, false
	}
	for hasAttr {
		var val []byte
		_, val, hasAttr = z.TagAttr()
		if len(val) == 0 {
			return 0, false
		}
	}
	return tag, true
}

func isBlock(tag atom.Atom) bool {
	switch tag {
	case atom.P, atom.Div, atom.Li, atom.Tr, atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6, atom.Blockquote, atom.Pre:
		return true
	}
	return false
}

func normalize(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
