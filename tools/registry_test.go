package tools

import (
	"context"
	"testing"

	"github.com/nshkrdotcom/gemini-go/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryExecuteCallsCallback(t *testing.T) {
	r := NewRegistry()
	err := r.Register(types.FunctionDeclaration{Name: "echo"}, func(ctx context.Context, args map[string]any) (any, bool, error) {
		return args["text"], false, nil
	})
	require.NoError(t, err)

	results, err := r.Execute(context.Background(), []Call{{CallID: "1", Name: "echo", Args: map[string]any{"text": "hi"}}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "hi", results[0].Content)
	assert.False(t, results[0].IsError)
}

func TestRegistryUnknownToolIsErrorResult(t *testing.T) {
	r := NewRegistry()
	results, err := r.Execute(context.Background(), []Call{{CallID: "1", Name: "missing"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].IsError)
}

func TestRegistryValidatesArgsAgainstSchema(t *testing.T) {
	r := NewRegistry()
	err := r.Register(types.FunctionDeclaration{
		Name: "get_weather",
		Parameters: map[string]any{
			"type":     "object",
			"required": []any{"city"},
			"properties": map[string]any{
				"city": map[string]any{"type": "string"},
			},
		},
	}, func(ctx context.Context, args map[string]any) (any, bool, error) {
		return "sunny", false, nil
	})
	require.NoError(t, err)

	results, err := r.Execute(context.Background(), []Call{{CallID: "1", Name: "get_weather", Args: map[string]any{}}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].IsError, "missing required field must fail schema validation")

	results, err = r.Execute(context.Background(), []Call{{CallID: "2", Name: "get_weather", Args: map[string]any{"city": "nyc"}}})
	require.NoError(t, err)
	assert.False(t, results[0].IsError)
}

func TestRegisterRejectsInvalidSchema(t *testing.T) {
	r := NewRegistry()
	err := r.Register(types.FunctionDeclaration{
		Name:       "bad",
		Parameters: map[string]any{"type": 123},
	}, func(ctx context.Context, args map[string]any) (any, bool, error) { return nil, false, nil })
	assert.Error(t, err)
}
