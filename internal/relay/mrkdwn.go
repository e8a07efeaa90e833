package relay

import (
	"regexp"
	"strings"
)

// The vendor composes bodies in a small fixed set of HTML tags. They map onto
// Slack mrkdwn by substitution; anything else is stripped. Slack has no
// underline, so <u> degrades to italics. Unclosed tags fall through the pair
// substitutions and are removed by the final strip.
var (
	boldRe      = regexp.MustCompile(`(?is)<(?:b|strong)>(.*?)</(?:b|strong)>`)
	italicRe    = regexp.MustCompile(`(?is)<(?:i|em|u)>(.*?)</(?:i|em|u)>`)
	strikeRe    = regexp.MustCompile(`(?is)<(?:s|strike)>(.*?)</(?:s|strike)>`)
	tagRe       = regexp.MustCompile(`(?s)<.*?>`)
	blankLineRe = regexp.MustCompile(`\n\s*\n`)

	lineBreaks = strings.NewReplacer(
		"<br>", "\n",
		"<br/>", "\n",
		"<br />", "\n",
		"</p>", "\n",
		"</div>", "\n",
	)
)

// HTMLToMrkdwn converts a vendor HTML body to Slack mrkdwn.
func HTMLToMrkdwn(text string) string {
	if text == "" {
		return ""
	}

	text = lineBreaks.Replace(text)

	text = boldRe.ReplaceAllString(text, "*${1}*")
	text = italicRe.ReplaceAllString(text, "_${1}_")
	text = strikeRe.ReplaceAllString(text, "~${1}~")

	text = strings.ReplaceAll(text, "<li>", "• ")

	text = tagRe.ReplaceAllString(text, "")
	text = blankLineRe.ReplaceAllString(text, "\n\n")

	return strings.TrimSpace(text)
}
