package search

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"

	"github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
)

var reBlankRuns = regexp.MustCompile(`[ \t]*\n[ \t\n]*\n`)

// ExtractText returns the readable text of an HTML page. Readability is tried
// first; when it fails or finds nothing the visible body text is used, with
// script and style elements skipped.
func ExtractText(htmlBytes []byte, rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		article, err := readability.FromReader(bytes.NewReader(htmlBytes), u)
		if err == nil {
			if text := normalizeText(article.TextContent); text != "" {
				return text
			}
		}
	}

	return normalizeText(visibleText(htmlBytes))
}

func visibleText(htmlBytes []byte) string {
	doc, err := html.Parse(bytes.NewReader(htmlBytes))
	if err != nil {
		return ""
	}

	var sb strings.Builder

	var walk func(*html.Node)

	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "head":
				return
			case "p", "div", "br", "li", "h1", "h2", "h3", "h4", "h5", "h6", "tr", "section", "article":
				sb.WriteString("\n")
			}
		}

		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}

		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}

	walk(doc)

	return sb.String()
}

func normalizeText(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}

	return strings.TrimSpace(reBlankRuns.ReplaceAllString(strings.Join(lines, "\n"), "\n\n"))
}
