// Package richtext turns user input into the safe rich-text subset stored on
// messages, and extracts mentions and slash commands from it.
package richtext

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"roomchat/backend/internal/chaterr"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

var (
	mentionPattern = regexp.MustCompile(`(?:^|[^\w@])@([a-zA-Z0-9_.-]{2,32})`)
	commandPattern = regexp.MustCompile(`^/([a-z][a-z0-9_]{0,31})(?:\s+(.*))?$`)
)

// Rendered is a sanitized message body.
type Rendered struct {
	// Markdown is the normalized source the HTML was rendered from.
	Markdown string
	// HTML is the safe rendering: raw HTML is dropped and unsafe link
	// destinations are emptied.
	HTML string
	// PlainText is the visible text without markup.
	PlainText string
	Mentions  []string
	// Command is set when the body starts with /name.
	Command     string
	CommandArgs string
}

// Sanitizer validates and renders message bodies. It is safe for concurrent
// use.
type Sanitizer struct {
	maxRunes int
	md       goldmark.Markdown
}

func NewSanitizer(maxRunes int) *Sanitizer {
	return &Sanitizer{
		maxRunes: maxRunes,
		md: goldmark.New(
			goldmark.WithExtensions(
				extension.Strikethrough,
				extension.Linkify,
			),
		),
	}
}

// Render validates body and produces its safe form. Every rejection is a
// *chaterr.ValidationError.
func (s *Sanitizer) Render(body string) (Rendered, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return Rendered{}, chaterr.Validation("body", "empty")
	}
	if !utf8.ValidString(body) {
		return Rendered{}, chaterr.Validation("body", "not valid UTF-8")
	}
	if n := utf8.RuneCountInString(body); s.maxRunes > 0 && n > s.maxRunes {
		return Rendered{}, chaterr.Validation("body", fmt.Sprintf("%d characters exceeds limit of %d", n, s.maxRunes))
	}

	source := body
	if strings.Contains(body, "<") {
		md, err := htmltomarkdown.ConvertString(body)
		if err != nil {
			return Rendered{}, chaterr.Validation("body", "malformed markup")
		}
		source = strings.TrimSpace(md)
	}
	if source == "" {
		return Rendered{}, chaterr.Validation("body", "empty after sanitization")
	}

	src := []byte(source)
	doc := s.md.Parser().Parse(text.NewReader(src))

	var html bytes.Buffer
	if err := s.md.Renderer().Render(&html, src, doc); err != nil {
		return Rendered{}, chaterr.Validation("body", "cannot be rendered")
	}

	plain := plainText(doc, src)
	if plain == "" {
		return Rendered{}, chaterr.Validation("body", "empty after sanitization")
	}

	out := Rendered{
		Markdown:  source,
		HTML:      strings.TrimSpace(html.String()),
		PlainText: plain,
		Mentions:  Mentions(plain),
	}
	out.Command, out.CommandArgs = Command(source)
	return out, nil
}

// plainText concatenates the text nodes of doc, skipping code.
func plainText(doc ast.Node, src []byte) string {
	var b strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch n.Kind() {
		case ast.KindCodeSpan, ast.KindCodeBlock, ast.KindFencedCodeBlock:
			if entering {
				b.WriteByte(' ')
			}
			return ast.WalkSkipChildren, nil
		case ast.KindText:
			if !entering {
				return ast.WalkContinue, nil
			}
			t := n.(*ast.Text)
			b.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				b.WriteByte('\n')
			}
		case ast.KindString:
			if entering {
				b.Write(n.(*ast.String).Value)
			}
		case ast.KindAutoLink:
			if entering {
				b.Write(n.(*ast.AutoLink).Label(src))
			}
		default:
			if !entering && n.Type() == ast.TypeBlock && b.Len() > 0 {
				b.WriteByte('\n')
			}
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}

// Mentions returns the distinct @handles in s, in order of appearance.
func Mentions(s string) []string {
	matches := mentionPattern.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	var out []string
	for _, m := range matches {
		handle := strings.TrimRight(m[1], ".-")
		if len(handle) < 2 || seen[handle] {
			continue
		}
		seen[handle] = true
		out = append(out, handle)
	}
	return out
}

// Command parses a leading slash command from the first line of s.
func Command(s string) (name, args string) {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	m := commandPattern.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return "", ""
	}
	return m[1], strings.TrimSpace(m[2])
}
