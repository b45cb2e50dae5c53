package types

// ThinkingLevel is the coarse-grained thinking-effort enum (spec.md §6).
type ThinkingLevel string

const (
	ThinkingLevelUnspecified ThinkingLevel = "THINKING_LEVEL_UNSPECIFIED"
	ThinkingLevelMinimal     ThinkingLevel = "MINIMAL"
	ThinkingLevelLow         ThinkingLevel = "LOW"
	ThinkingLevelMedium      ThinkingLevel = "MEDIUM"
	ThinkingLevelHigh        ThinkingLevel = "HIGH"
)

// ThinkingConfig controls the model's internal reasoning budget. Valid
// ranges are model-dependent (spec.md §6): Pro 128-32768 (cannot disable),
// Flash 0-24576, Flash-Lite 512-24576; -1 requests dynamic budgeting.
type ThinkingConfig struct {
	ThinkingBudget  *int32        `json:"thinkingBudget,omitempty"`
	IncludeThoughts bool          `json:"includeThoughts,omitempty"`
	ThinkingLevel   ThinkingLevel `json:"thinkingLevel,omitempty"`
}

// SpeechConfig selects audio output characteristics.
type SpeechConfig struct {
	VoiceConfig *VoiceConfig `json:"voiceConfig,omitempty"`
	LanguageCode string      `json:"languageCode,omitempty"`
}

// VoiceConfig selects a prebuilt voice.
type VoiceConfig struct {
	PrebuiltVoiceConfig *PrebuiltVoiceConfig `json:"prebuiltVoiceConfig,omitempty"`
}

// PrebuiltVoiceConfig names a specific built-in voice.
type PrebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

// GenerationConfig controls sampling and output shape. All fields use
// camelCase on the wire per spec.md §6 — every field here MUST keep that
// casing; a blanket snake_case→camelCase transform is the documented bug
// source this type exists to prevent.
type GenerationConfig struct {
	ResponseMimeType   string          `json:"responseMimeType,omitempty"`
	ResponseSchema     map[string]any  `json:"responseSchema,omitempty"`
	ResponseJSONSchema map[string]any  `json:"responseJsonSchema,omitempty"`
	ThinkingConfig     *ThinkingConfig `json:"thinkingConfig,omitempty"`
	CandidateCount     int32           `json:"candidateCount,omitempty"`
	MaxOutputTokens    int32           `json:"maxOutputTokens,omitempty"`
	Temperature        *float32        `json:"temperature,omitempty"`
	TopP               *float32        `json:"topP,omitempty"`
	TopK               *float32        `json:"topK,omitempty"`
	StopSequences      []string        `json:"stopSequences,omitempty"`
	ResponseModalities []string        `json:"responseModalities,omitempty"`
	MediaResolution    string          `json:"mediaResolution,omitempty"`
	SpeechConfig       *SpeechConfig   `json:"speechConfig,omitempty"`
	PropertyOrdering   []string        `json:"propertyOrdering,omitempty"`
}

// FunctionDeclaration describes one callable tool to the model.
type FunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Tool groups the function declarations exposed to the model in one call.
type Tool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations,omitempty"`
}

// ModalityTokenCount breaks usage down by modality.
type ModalityTokenCount struct {
	Modality   string `json:"modality"`
	TokenCount int32  `json:"tokenCount"`
}

// UsageMetadata reports token accounting for a generateContent call.
type UsageMetadata struct {
	PromptTokenCount        int32                 `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount    int32                 `json:"candidatesTokenCount,omitempty"`
	ThoughtsTokenCount      int32                 `json:"thoughtsTokenCount,omitempty"`
	CachedContentTokenCount int32                 `json:"cachedContentTokenCount,omitempty"`
	TotalTokenCount         int32                 `json:"totalTokenCount,omitempty"`
	PromptTokensDetails     []ModalityTokenCount  `json:"promptTokensDetails,omitempty"`
	CandidatesTokensDetails []ModalityTokenCount  `json:"candidatesTokensDetails,omitempty"`
}

// FinishReason mirrors the server's candidate finish reason strings.
type FinishReason string

const (
	FinishReasonStop       FinishReason = "STOP"
	FinishReasonMaxTokens  FinishReason = "MAX_TOKENS"
	FinishReasonSafety     FinishReason = "SAFETY"
	FinishReasonOther      FinishReason = "OTHER"
	FinishReasonUnspecified FinishReason = "FINISH_REASON_UNSPECIFIED"
)

// Candidate is one generated response alternative.
type Candidate struct {
	Content      Content      `json:"content"`
	FinishReason FinishReason `json:"finishReason,omitempty"`
	Index        int32        `json:"index,omitempty"`
}

// GenerateContentResponse is the decoded body of a generateContent call,
// and the decoded payload of each SSE event of a streamGenerateContent
// call.
type GenerateContentResponse struct {
	Candidates    []Candidate    `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
}

// GenerateContentRequest is the unary/streaming request body.
type GenerateContentRequest struct {
	Contents          []Content         `json:"contents"`
	Tools             []Tool            `json:"tools,omitempty"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
}

// FunctionCalls collects every functionCall part across a response's
// candidates, in arrival order, as required by the Tool Orchestrator
// (spec.md §4.K: "the detected function calls (in order)").
func (r *GenerateContentResponse) FunctionCalls() []FunctionCall {
	var calls []FunctionCall
	if r == nil {
		return calls
	}
	for _, cand := range r.Candidates {
		for _, part := range cand.Content.Parts {
			if part.FunctionCall != nil {
				calls = append(calls, *part.FunctionCall)
			}
		}
	}
	return calls
}

// ThoughtSignatures collects every non-empty thought signature across a
// response's candidates, in arrival order.
func (r *GenerateContentResponse) ThoughtSignatures() [][]byte {
	var sigs [][]byte
	if r == nil {
		return sigs
	}
	for _, cand := range r.Candidates {
		for _, part := range cand.Content.Parts {
			if len(part.ThoughtSignature) > 0 {
				sigs = append(sigs, part.ThoughtSignature)
			}
		}
	}
	return sigs
}
