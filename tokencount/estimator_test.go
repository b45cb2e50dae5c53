package tokencount

import (
	"testing"

	"github.com/nshkrdotcom/gemini-go/types"
	"github.com/stretchr/testify/assert"
)

func TestEstimateTextUsesWordRuleWhenLarger(t *testing.T) {
	s := "one two three four five six seven eight nine ten"
	assert.Equal(t, int64(13), EstimateText(s))
}

func TestEstimateTextUsesCharRuleWhenLarger(t *testing.T) {
	s := "supercalifragilisticexpialidocious"
	assert.Equal(t, int64(9), EstimateText(s))
}

func TestEstimateTextEmpty(t *testing.T) {
	assert.Equal(t, int64(0), EstimateText(""))
}

func TestEstimatePartsSumsTextAndImage(t *testing.T) {
	parts := []types.Part{
		{Text: "hello world"},
		{InlineData: &types.Blob{MIMEType: "image/png", Data: []byte{1, 2, 3}}},
		{InlineData: &types.Blob{MIMEType: "audio/wav", Data: []byte{1}}},
	}
	got := EstimateParts(parts)
	assert.Equal(t, EstimateText("hello world")+imageTokenEstimate, got)
}

func TestEstimateContentsSumsAcrossTurns(t *testing.T) {
	contents := []types.Content{
		{Role: types.RoleUser, Parts: []types.Part{{Text: "hi"}}},
		{Role: types.RoleModel, Parts: []types.Part{{Text: "hello there"}}},
	}
	got := EstimateContents(contents)
	assert.Equal(t, EstimateText("hi")+EstimateText("hello there"), got)
}
