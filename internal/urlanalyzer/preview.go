package urlanalyzer

import (
	md "github.com/JohannesKaufmann/html-to-markdown"
)

// BuildPreviewText converts a doublefetched HTML body to markdown for
// manual QA display (SPEC_FULL.md §2 DOMAIN STACK, html-to-markdown row). It
// sits off the critical redaction path entirely: a conversion failure
// just means no preview, never a dropped or malformed outgoing message.
func BuildPreviewText(html string, sourceURL string) string {
	if html == "" {
		return ""
	}
	converter := md.NewConverter(sourceURL, true, nil)
	text, err := converter.ConvertString(html)
	if err != nil {
		return ""
	}
	return text
}
