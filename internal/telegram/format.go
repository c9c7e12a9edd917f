package telegram

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// Parse modes understood by the Bot API.
const (
	ModeHTML       = "HTML"
	ModeMarkdownV2 = "MarkdownV2"
)

// Broadcast bodies are authored in a constrained HTML subset
// (b/strong, i/em, code, s/strike/del, a). The HTML dialect passes
// through unchanged; MarkdownV2 is transliterated with the dialect's
// reserved punctuation escaped in plain spans. Only flat tags are
// formatted: nested formatting collapses to the outer tag.

var tagPattern = regexp.MustCompile(`(?i)<(b|i|u|s|code|a|strong|em|strike|del)\b[^>]*>`)

var anyTagPattern = regexp.MustCompile(`<[^>]+>`)

// markdownV2Reserved per the Bot API spec: _ * [ ] ( ) ~ ` > # + - = | { } . !
const markdownV2Reserved = "_*[]()~`>#+-=|{}.!"

// Prepare converts a message body into wire text plus the parse mode
// to send it with. A body with no recognized tags is escaped wholesale
// for the MarkdownV2 dialect.
func Prepare(body, dialect string) (string, string) {
	if dialect == ModeMarkdownV2 {
		if !tagPattern.MatchString(body) {
			return EscapeMarkdownV2(body), ModeMarkdownV2
		}
		return htmlToMarkdownV2(body), ModeMarkdownV2
	}
	return body, ModeHTML
}

// StripTags removes all markup, producing the plain-text fallback used
// when the API rejects a formatted payload.
func StripTags(body string) string {
	return anyTagPattern.ReplaceAllString(body, "")
}

// EscapeMarkdownV2 escapes every reserved MarkdownV2 character in s.
func EscapeMarkdownV2(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		if strings.ContainsRune(markdownV2Reserved, r) {
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func htmlToMarkdownV2(body string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return EscapeMarkdownV2(StripTags(body))
	}
	root := doc.Find("body")
	if len(root.Nodes) == 0 {
		return EscapeMarkdownV2(StripTags(body))
	}

	var sb strings.Builder
	for c := root.Nodes[0].FirstChild; c != nil; c = c.NextSibling {
		renderMarkdownV2(&sb, c)
	}
	return sb.String()
}

func renderMarkdownV2(sb *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		sb.WriteString(EscapeMarkdownV2(n.Data))
	case html.ElementNode:
		switch strings.ToLower(n.Data) {
		case "b", "strong":
			wrapMarkdownV2(sb, n, "*")
		case "i", "em":
			wrapMarkdownV2(sb, n, "_")
		case "code":
			wrapMarkdownV2(sb, n, "`")
		case "s", "strike", "del":
			wrapMarkdownV2(sb, n, "~")
		case "a":
			sb.WriteByte('[')
			sb.WriteString(EscapeMarkdownV2(textContent(n)))
			sb.WriteString("](")
			sb.WriteString(escapeLinkURL(attrValue(n, "href")))
			sb.WriteByte(')')
		default:
			// Unrecognized tags are stripped, their text kept.
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				renderMarkdownV2(sb, c)
			}
		}
	}
}

// wrapMarkdownV2 emits marker + escaped flattened text + marker.
// Flattening means a nested tag loses its own emphasis; richer
// nested-tag handling is deliberately out of contract.
func wrapMarkdownV2(sb *strings.Builder, n *html.Node, marker string) {
	sb.WriteString(marker)
	sb.WriteString(EscapeMarkdownV2(textContent(n)))
	sb.WriteString(marker)
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(m *html.Node) {
		if m.Type == html.TextNode {
			sb.WriteString(m.Data)
		}
		for c := m.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

// escapeLinkURL leaves the target intact except for the characters
// that would terminate the link syntax.
func escapeLinkURL(u string) string {
	u = strings.ReplaceAll(u, `\`, `\\`)
	return strings.ReplaceAll(u, `)`, `\)`)
}

func attrValue(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, name) {
			return a.Val
		}
	}
	return ""
}
