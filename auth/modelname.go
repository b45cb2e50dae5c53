package auth

import (
	"strings"

	"github.com/nshkrdotcom/gemini-go/apierror"
)

// NormalizeModel applies spec.md §4.A's model-name normalization rules
// before a strategy composes a path from it. These rules exist to prevent
// the "silent fallback to default model" class of bug (spec.md property
// test 7, scenario S6): a caller-supplied model name is used verbatim or
// rejected, never silently replaced.
func NormalizeModel(model string) (string, error) {
	if strings.Contains(model, "..") || strings.Contains(model, "?") || strings.Contains(model, "&") {
		return "", apierror.New(apierror.KindInvalidRequest, "invalid model name: "+model, nil)
	}

	// Fully qualified resource names are used as-is; the caller has
	// already chosen the exact path. "publishers/google/models/" is not
	// treated as fully qualified: the strategies re-add that prefix
	// themselves, so it is stripped below.
	if strings.HasPrefix(model, "projects/") ||
		(strings.HasPrefix(model, "publishers/") && !strings.HasPrefix(model, "publishers/google/models/")) {
		return model, nil
	}

	// Strip a trailing ":endpoint" suffix (e.g. ":generateContent") so the
	// strategy can append its own without doubling it.
	if idx := strings.LastIndex(model, ":"); idx >= 0 {
		model = model[:idx]
	}

	// Strip a leading "models/" or "publishers/google/models/" prefix the
	// strategy is about to re-add. Applied twice: "models/models/x" (a
	// caller double-prefixing by habit) must normalize to "x".
	model = strings.TrimPrefix(model, "publishers/google/models/")
	model = strings.TrimPrefix(model, "models/")
	model = strings.TrimPrefix(model, "models/")

	return model, nil
}
