package ofx

import (
	"regexp"
	"strings"
)

// Bank-exported OFX/QFX bodies are SGML tag soup: indented tags, unclosed
// leaf elements, stray closing tags pasted in by bad encoders, and vendor
// extension tags with dotted names (<INTU.BID>). Normalize rewrites a body
// into markup an XML tokenizer can walk. The rewrite is best-effort and never
// fails; if the result still does not parse, that surfaces as a parse error.
var (
	// whitespace between a closing tag and the next opening tag
	tagGapPattern = regexp.MustCompile(`(</[A-Za-z0-9._]+>)\s+<`)
	// indentation before an opening or closing tag
	leadingWSPattern = regexp.MustCompile(`(?m)^[ \t]+<`)
	// trailing whitespace after a closing tag at end of line
	trailingWSPattern = regexp.MustCompile(`(?m)>[ \t\r]+$`)
	// a leaf element with content and a closing tag on the same line
	closedLeafPattern = regexp.MustCompile(`<([A-Za-z0-9._]+)>([^<>\r\n]+)</([A-Za-z0-9._]+)>`)
	// any tag whose name contains dots
	dottedTagPattern = regexp.MustCompile(`</?[A-Za-z0-9]+(?:\.[A-Za-z0-9.]+)+>`)
	// an opening tag immediately followed by leaf content
	openLeafPattern = regexp.MustCompile(`<([A-Za-z0-9_]+)>([^<\r\n]+)`)
)

// Normalize applies the rewrite steps in order. Order matters: closing tags
// are stripped from leaves before closings are re-synthesized uniformly, so
// partially-closed input comes out consistently closed.
func Normalize(body string) string {
	body = tagGapPattern.ReplaceAllString(body, "${1}<")
	body = leadingWSPattern.ReplaceAllString(body, "<")
	body = trailingWSPattern.ReplaceAllString(body, ">")
	body = stripRedundantCloses(body)
	body = flattenDottedTags(body)
	body = closeOpenLeaves(body)
	return body
}

// stripRedundantCloses removes a closing tag that immediately follows its
// matching leaf content. Go's regexp has no backreferences, so the name
// comparison happens here rather than in the pattern.
func stripRedundantCloses(body string) string {
	return closedLeafPattern.ReplaceAllStringFunc(body, func(m string) string {
		sub := closedLeafPattern.FindStringSubmatch(m)
		if strings.EqualFold(sub[1], sub[3]) {
			return "<" + sub[1] + ">" + sub[2]
		}
		return m
	})
}

// flattenDottedTags rewrites <A.B> to <AB> so the names are legal XML.
func flattenDottedTags(body string) string {
	return dottedTagPattern.ReplaceAllStringFunc(body, func(m string) string {
		return strings.ReplaceAll(m, ".", "")
	})
}

// closeOpenLeaves synthesizes the closing tag for any leaf that has content
// but no close, e.g. <NAME>Jane Doe<MEMO>Tip becomes
// <NAME>Jane Doe</NAME><MEMO>Tip</MEMO>.
func closeOpenLeaves(body string) string {
	return openLeafPattern.ReplaceAllStringFunc(body, func(m string) string {
		sub := openLeafPattern.FindStringSubmatch(m)
		return "<" + sub[1] + ">" + sub[2] + "</" + sub[1] + ">"
	})
}
