// Copyright 2024-2026 Aiku AI

// Package chatfmt converts chat-platform markdown (*bold*, _italic_,
// ~strike~, ```monospace```) to the HTML dialect the topic platform accepts.
package chatfmt

import (
	"html"
	"regexp"
	"strconv"
	"strings"
)

var (
	boldRe      = regexp.MustCompile(`\*([^*\n]+)\*`)
	italicRe    = regexp.MustCompile(`_([^_\n]+)_`)
	strikeRe    = regexp.MustCompile(`~([^~\n]+)~`)
	monoBlockRe = regexp.MustCompile("(?s)```(.*?)```")
	inlineRe    = regexp.MustCompile("`([^`\n]+)`")
	linkRe      = regexp.MustCompile(`https?://[^\s<>"]+`)
)

// ToHTML converts chat markdown to HTML. Plain text passes through escaped.
func ToHTML(text string) string {
	if text == "" {
		return ""
	}

	// Extract monospace blocks first so inline markers inside them survive.
	var blocks []string
	processed := monoBlockRe.ReplaceAllStringFunc(text, func(match string) string {
		content := strings.TrimPrefix(strings.TrimSuffix(match, "```"), "```")
		idx := len(blocks)
		blocks = append(blocks, content)
		return "\x00MONO" + strconv.Itoa(idx) + "\x00"
	})

	escaped := html.EscapeString(processed)

	escaped = inlineRe.ReplaceAllString(escaped, "<code>$1</code>")
	escaped = boldRe.ReplaceAllString(escaped, "<b>$1</b>")
	escaped = italicRe.ReplaceAllString(escaped, "<i>$1</i>")
	escaped = strikeRe.ReplaceAllString(escaped, "<s>$1</s>")

	escaped = linkRe.ReplaceAllStringFunc(escaped, func(url string) string {
		return `<a href="` + url + `">` + url + `</a>`
	})

	for i, content := range blocks {
		placeholder := "\x00MONO" + strconv.Itoa(i) + "\x00"
		escaped = strings.Replace(escaped, placeholder, "<pre>"+html.EscapeString(content)+"</pre>", 1)
	}

	return escaped
}
