// Package types defines the subset of Gemini wire shapes whose on-the-wire
// form is non-obvious enough to specify explicitly (spec.md §1 scopes the
// rest out). Field casing follows the catalogue in spec.md §6 exactly:
// generation-config fields and functionCall/functionResponse/
// thoughtSignature are camelCase; inline_data/file_data are snake_case —
// a deliberate per-field mapping rather than a blanket transform, which is
// the documented bug class this package exists to avoid.
package types

// Role identifies the speaker of a Content turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Blob is inline binary content. The wire form is snake_case, an
// irregularity the rest of the API does not share.
type Blob struct {
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// FileData references previously uploaded file content, also snake_case.
type FileData struct {
	FileURI     string `json:"file_uri"`
	MIMEType    string `json:"mime_type,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// FunctionCall is a model-emitted request to invoke a declared tool.
type FunctionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// FunctionResponse carries a tool's result back to the model. Name must
// match the originating call's ID (or, in the legacy shape, its Name).
type FunctionResponse struct {
	ID         string         `json:"id,omitempty"`
	Name       string         `json:"name"`
	Response   map[string]any `json:"response"`
	WillContinue *bool        `json:"willContinue,omitempty"`
	Scheduling   string       `json:"scheduling,omitempty"`
}

// Part is a discriminated content unit. At most one of the primary
// discriminators (Text, InlineData, FileData, FunctionCall,
// FunctionResponse) is populated; ThoughtSignature may co-exist with any
// of them per spec.md §3.
type Part struct {
	Text             string            `json:"text,omitempty"`
	InlineData       *Blob             `json:"inline_data,omitempty"`
	FileData         *FileData         `json:"file_data,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`

	// Thought marks Text as model reasoning rather than a user-visible
	// answer (only meaningful alongside Text).
	Thought bool `json:"thought,omitempty"`

	// ThoughtSignature is an opaque server-issued token that must be
	// echoed on the next user turn for Gemini 3 thinking models (see
	// Chat.AddUserTurn and spec.md §4.M). It is carried as raw bytes on
	// the wire's base64 JSON string form, which encoding/json handles
	// automatically for a []byte field.
	ThoughtSignature []byte `json:"thoughtSignature,omitempty"`
}

// PrimaryDiscriminatorCount returns how many of Part's mutually exclusive
// discriminators are populated. Callers constructing a Part should keep
// this at most 1; ThoughtSignature is not counted since it may co-exist
// with any discriminator.
func (p Part) PrimaryDiscriminatorCount() int {
	n := 0
	if p.Text != "" {
		n++
	}
	if p.InlineData != nil {
		n++
	}
	if p.FileData != nil {
		n++
	}
	if p.FunctionCall != nil {
		n++
	}
	if p.FunctionResponse != nil {
		n++
	}
	return n
}

// TextPart is a convenience constructor for a plain text Part.
func TextPart(text string) Part { return Part{Text: text} }

// Content is one role-labelled turn in a conversation.
type Content struct {
	Role  Role   `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}
