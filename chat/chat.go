// Package chat implements Chat & History (spec.md §4.M): an append-only
// turn log plus the thought-signature echo rule Gemini 3 thinking
// models require for reasoning continuity.
package chat

import (
	"github.com/nshkrdotcom/gemini-go/tools"
	"github.com/nshkrdotcom/gemini-go/types"
)

// Chat is caller-owned and never shared between concurrent operations;
// every mutator here returns a new value rather than sharing aliased
// slice storage with the receiver, so two goroutines holding the "same"
// Chat by value can append independently (spec.md §5, "Chat: ...
// every mutator returns a new value").
type Chat struct {
	Turns          []types.Content
	LastSignatures [][]byte
}

// New starts an empty chat, optionally with a system instruction turn
// prepended by the caller separately (system instructions are not part
// of the turn log; see GenerateContentRequest.SystemInstruction).
func New() Chat {
	return Chat{}
}

// AddUserTurn appends a user turn built from parts. If the previous
// model turn left signatures behind, the first one is attached to this
// turn's first part (cleared afterward), so the server can verify
// reasoning continuity across the turn boundary.
func (c Chat) AddUserTurn(parts []types.Part) Chat {
	parts = attachLeadingSignature(parts, c.LastSignatures)
	c.Turns = append(append([]types.Content{}, c.Turns...), types.Content{Role: types.RoleUser, Parts: parts})
	c.LastSignatures = nil
	return c
}

// AddUserText is a convenience wrapper around AddUserTurn for a single
// text part.
func (c Chat) AddUserText(text string) Chat {
	return c.AddUserTurn([]types.Part{types.TextPart(text)})
}

// AddModelResponse appends the model's turn from a decoded response and
// records every thought_signature the response carried, for the next
// AddUserTurn to echo back.
func (c Chat) AddModelResponse(resp *types.GenerateContentResponse) Chat {
	var content types.Content
	if len(resp.Candidates) > 0 {
		content = resp.Candidates[0].Content
	}
	content.Role = types.RoleModel

	c.Turns = append(append([]types.Content{}, c.Turns...), content)
	c.LastSignatures = resp.ThoughtSignatures()
	return c
}

// AddToolTurn appends a "tool" turn (wire role "user", per the Gemini
// API — function responses travel in a user-role turn) with one
// functionResponse part per result (spec.md §4.M).
func (c Chat) AddToolTurn(results []tools.Result) Chat {
	parts := make([]types.Part, 0, len(results))
	for _, r := range results {
		content := map[string]any{"content": r.Content}
		if r.IsError {
			content["error"] = true
		}
		parts = append(parts, types.Part{
			FunctionResponse: &types.FunctionResponse{
				Name:     r.CallID,
				Response: content,
			},
		})
	}
	c.Turns = append(append([]types.Content{}, c.Turns...), types.Content{Role: types.RoleUser, Parts: parts})
	c.LastSignatures = nil
	return c
}

func attachLeadingSignature(parts []types.Part, signatures [][]byte) []types.Part {
	if len(signatures) == 0 || len(parts) == 0 {
		return parts
	}
	out := append([]types.Part{}, parts...)
	out[0].ThoughtSignature = signatures[0]
	return out
}
