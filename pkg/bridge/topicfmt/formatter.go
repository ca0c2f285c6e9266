// Copyright 2024-2026 Aiku AI

// Package topicfmt converts topic-platform HTML back to the chat platform's
// markdown dialect for the reverse relay direction.
package topicfmt

import (
	"html"
	"regexp"
	"strings"
)

var (
	boldRe   = regexp.MustCompile(`(?s)<(?:b|strong)>(.*?)</(?:b|strong)>`)
	italicRe = regexp.MustCompile(`(?s)<(?:i|em)>(.*?)</(?:i|em)>`)
	strikeRe = regexp.MustCompile(`(?s)<(?:s|del|strike)>(.*?)</(?:s|del|strike)>`)
	preRe    = regexp.MustCompile(`(?s)<pre>(.*?)</pre>`)
	codeRe   = regexp.MustCompile(`(?s)<code>(.*?)</code>`)
	linkRe   = regexp.MustCompile(`(?s)<a href="([^"]+)">(.*?)</a>`)
	brRe     = regexp.MustCompile(`<br\s*/?>`)
	tagRe    = regexp.MustCompile(`</?[a-zA-Z][^>]*>`)
)

// ToMarkdown converts topic-platform HTML to chat markdown. Unknown tags are
// stripped; entities are unescaped last.
func ToMarkdown(text string) string {
	if text == "" {
		return ""
	}
	out := brRe.ReplaceAllString(text, "\n")
	out = preRe.ReplaceAllString(out, "```$1```")
	out = codeRe.ReplaceAllString(out, "`$1`")
	out = boldRe.ReplaceAllString(out, "*$1*")
	out = italicRe.ReplaceAllString(out, "_${1}_")
	out = strikeRe.ReplaceAllString(out, "~$1~")
	out = linkRe.ReplaceAllStringFunc(out, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		if len(parts) < 3 {
			return match
		}
		href, label := parts[1], parts[2]
		if href == label {
			return href
		}
		return label + " (" + href + ")"
	})
	out = tagRe.ReplaceAllString(out, "")
	return html.UnescapeString(strings.TrimSpace(out))
}
