package extract

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// HTMLParser converts HTML email bodies to clean plain text before signal
// extraction.
type HTMLParser struct {
	whitespaceRegex *regexp.Regexp
	newlineRegex    *regexp.Regexp
	invisibleRegex  *regexp.Regexp
}

// NewHTMLParser creates a new HTML parser
func NewHTMLParser() *HTMLParser {
	return &HTMLParser{
		whitespaceRegex: regexp.MustCompile(`[^\S\n]+`),
		newlineRegex:    regexp.MustCompile(`\n{3,}`),
		// Remove invisible Unicode characters (zero-width spaces, etc.)
		invisibleRegex: regexp.MustCompile(`[\x{200B}-\x{200D}\x{FEFF}\x{00AD}\x{2060}-\x{2064}\x{206A}-\x{206F}\x{FE00}-\x{FE0F}]+`),
	}
}

// Parse converts HTML to clean plain text
func (p *HTMLParser) Parse(html string) (string, error) {
	if html == "" {
		return "", nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}

	// Remove non-content elements
	doc.Find("script, style, head, meta, link").Remove()

	// Add newlines before block elements
	doc.Find("p, div, br, h1, h2, h3, h4, h5, h6, li, tr, blockquote").Each(func(i int, s *goquery.Selection) {
		s.PrependHtml("\n")
	})

	text := doc.Text()
	text = p.invisibleRegex.ReplaceAllString(text, "")
	text = p.whitespaceRegex.ReplaceAllString(text, " ")

	// Trim each line and drop empty ones
	lines := strings.Split(text, "\n")
	var cleanLines []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			cleanLines = append(cleanLines, line)
		}
	}
	text = strings.Join(cleanLines, "\n")
	text = p.newlineRegex.ReplaceAllString(text, "\n\n")

	return strings.TrimSpace(text), nil
}
