package util

import (
	"html"
	"net/url"
	"regexp"
	"strings"
)

var (
	tagRe         = regexp.MustCompile(`<[^>]*>`)
	anchorRe      = regexp.MustCompile(`(?i)<a\s[^>]*href\s*=\s*["']([^"']*)["'][^>]*>`)
	anchorCloseRe = regexp.MustCompile(`(?i)</a\s*>`)
	blankLinesRe  = regexp.MustCompile(`\n{3,}`)
	spacesRe      = regexp.MustCompile(`[^\S\n]+`)
	brRe          = regexp.MustCompile(`(?i)<br\s*/?\s*>`)
	blockCloseRe  = regexp.MustCompile(`(?i)</(?:p|div|h[1-6]|blockquote|pre|table|tr)\s*>`)
	blockOpenRe   = regexp.MustCompile(`(?i)<(?:p|div|h[1-6]|blockquote|pre|table|tr)(?:\s[^>]*)?\s*>`)
	liOpenRe      = regexp.MustCompile(`(?i)<li(?:\s[^>]*)?\s*>`)
	liCloseRe     = regexp.MustCompile(`(?i)</li\s*>`)
	listWrapRe    = regexp.MustCompile(`(?i)</?(?:ul|ol)(?:\s[^>]*)?\s*>`)
	// Outlook wraps bodies in a full document
	headRe = regexp.MustCompile(`(?is)<(head|style|script)[^>]*>.*?</(head|style|script)\s*>`)
)

// HTMLToText converts an HTML event body to plain text suitable for storing
// as an event description. Links become "text (url)".
func HTMLToText(s string) string {
	if s == "" {
		return s
	}

	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = headRe.ReplaceAllString(s, "")

	s = brRe.ReplaceAllString(s, "\n")
	s = blockCloseRe.ReplaceAllString(s, "\n\n")
	s = blockOpenRe.ReplaceAllString(s, "\n")

	s = listWrapRe.ReplaceAllString(s, "")
	s = liOpenRe.ReplaceAllString(s, "\n- ")
	s = liCloseRe.ReplaceAllString(s, "")

	s = convertLinks(s)
	s = tagRe.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	// &nbsp; decodes to U+00A0, which spacesRe does not treat as a space
	s = strings.ReplaceAll(s, "\u00a0", " ")
	s = spacesRe.ReplaceAllString(s, " ")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = blankLinesRe.ReplaceAllString(s, "\n\n")

	return strings.TrimSpace(s)
}

// convertLinks replaces <a href="url">text</a> with "text (url)", or just the
// url when the text is empty or equal to it.
func convertLinks(s string) string {
	for {
		aLoc := anchorRe.FindStringSubmatchIndex(s)
		if aLoc == nil {
			return s
		}

		href := unwrapRedirect(s[aLoc[2]:aLoc[3]])
		afterOpen := s[aLoc[1]:]

		closeLoc := anchorCloseRe.FindStringIndex(afterOpen)
		if closeLoc == nil {
			s = s[:aLoc[0]] + s[aLoc[1]:]
			continue
		}

		text := strings.TrimSpace(tagRe.ReplaceAllString(afterOpen[:closeLoc[0]], ""))
		replacement := href
		if text != "" && text != href {
			replacement = text + " (" + href + ")"
		}
		s = s[:aLoc[0]] + replacement + afterOpen[closeLoc[1]:]
	}
}

// unwrapRedirect extracts the target of redirect wrappers such as
// https://www.google.com/url?q=REAL_URL and Outlook safelinks.
func unwrapRedirect(rawURL string) string {
	u, err := url.Parse(html.UnescapeString(rawURL))
	if err != nil {
		return rawURL
	}

	switch {
	case u.Host == "www.google.com" && u.Path == "/url":
		if q := u.Query().Get("q"); q != "" {
			return q
		}
	case strings.HasSuffix(u.Host, ".safelinks.protection.outlook.com"):
		if q := u.Query().Get("url"); q != "" {
			return q
		}
	}
	return rawURL
}
