// Package tokencount implements the Token Estimator of spec.md §4.N: a
// heuristic, network-free token count used for budget gating, not
// billing.
package tokencount

import (
	"math"
	"strings"

	"github.com/nshkrdotcom/gemini-go/types"
)

// imageTokenEstimate is the fixed per-modality estimate for an inline
// image part, applied when the caller has no better signal (spec.md
// §4.N: "images contribute a fixed per-modality estimate").
const imageTokenEstimate = 258

// EstimateText applies max(word_count*1.3, char_count/4.0), rounded up.
func EstimateText(s string) int64 {
	if s == "" {
		return 0
	}
	words := len(strings.Fields(s))
	chars := len([]rune(s))

	byWords := float64(words) * 1.3
	byChars := float64(chars) / 4.0

	return int64(math.Ceil(math.Max(byWords, byChars)))
}

// EstimateParts sums per-part estimates: text parts use EstimateText,
// images contribute imageTokenEstimate, everything else (non-text media
// with unknown size) contributes 0.
func EstimateParts(parts []types.Part) int64 {
	var total int64
	for _, p := range parts {
		switch {
		case p.Text != "":
			total += EstimateText(p.Text)
		case p.InlineData != nil && isImageMIME(p.InlineData.MIMEType):
			total += imageTokenEstimate
		case p.FileData != nil && isImageMIME(p.FileData.MIMEType):
			total += imageTokenEstimate
		}
	}
	return total
}

// EstimateContents sums EstimateParts across every Content's parts.
func EstimateContents(contents []types.Content) int64 {
	var total int64
	for _, c := range contents {
		total += EstimateParts(c.Parts)
	}
	return total
}

func isImageMIME(mime string) bool {
	return strings.HasPrefix(mime, "image/")
}
