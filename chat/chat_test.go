package chat

import (
	"testing"

	"github.com/nshkrdotcom/gemini-go/tools"
	"github.com/nshkrdotcom/gemini-go/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddUserTurnThenModelResponse(t *testing.T) {
	c := New()
	c = c.AddUserText("hi")
	require.Len(t, c.Turns, 1)
	assert.Equal(t, types.RoleUser, c.Turns[0].Role)

	resp := &types.GenerateContentResponse{
		Candidates: []types.Candidate{{
			Content: types.Content{Parts: []types.Part{
				{Text: "thinking...", Thought: true, ThoughtSignature: []byte("sig-1")},
				{Text: "hello back"},
			}},
		}},
	}
	c = c.AddModelResponse(resp)
	require.Len(t, c.Turns, 2)
	assert.Equal(t, types.RoleModel, c.Turns[1].Role)
	assert.Equal(t, [][]byte{[]byte("sig-1")}, c.LastSignatures)
}

func TestThoughtSignatureEchoedOnNextUserTurn(t *testing.T) {
	c := New()
	resp := &types.GenerateContentResponse{
		Candidates: []types.Candidate{{
			Content: types.Content{Parts: []types.Part{
				{Text: "reasoning", ThoughtSignature: []byte("sig-a")},
			}},
		}},
	}
	c = c.AddModelResponse(resp)
	require.Equal(t, [][]byte{[]byte("sig-a")}, c.LastSignatures)

	c = c.AddUserText("continue")
	last := c.Turns[len(c.Turns)-1]
	require.NotEmpty(t, last.Parts)
	assert.Equal(t, []byte("sig-a"), last.Parts[0].ThoughtSignature)
	assert.Empty(t, c.LastSignatures, "signatures must be cleared after being echoed once")
}

func TestAddToolTurnBuildsFunctionResponseParts(t *testing.T) {
	c := New()
	c = c.AddToolTurn([]tools.Result{
		{CallID: "call-1", Content: "sunny", IsError: false},
		{CallID: "call-2", Content: "boom", IsError: true},
	})
	require.Len(t, c.Turns, 1)
	parts := c.Turns[0].Parts
	require.Len(t, parts, 2)
	assert.Equal(t, "call-1", parts[0].FunctionResponse.Name)
	assert.Equal(t, "sunny", parts[0].FunctionResponse.Response["content"])
	assert.Equal(t, true, parts[1].FunctionResponse.Response["error"])
}

func TestChatMutatorsDoNotAliasPriorTurnsSlice(t *testing.T) {
	base := New().AddUserText("a")
	branch1 := base.AddUserText("b1")
	branch2 := base.AddUserText("b2")

	require.Len(t, base.Turns, 1)
	assert.NotEqual(t, branch1.Turns[1].Parts[0].Text, branch2.Turns[1].Parts[0].Text)
}
