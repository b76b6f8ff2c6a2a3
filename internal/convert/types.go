// Package convert translates the three inbound chat dialects (OpenAI, Claude,
// Gemini) to the canonical code-assist request shape and the upstream event
// stream back into each dialect's chunk and final-response shapes.
package convert

import (
	"encoding/json"

	"codeassist-gateway/internal/apierr"
)

// Envelope is the canonical upstream request.
type Envelope struct {
	Model     string
	Project   string
	SessionID string
	Request   Request
}

// Request is the inner code-assist request payload.
type Request struct {
	Contents          []Content         `json:"contents"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	Tools             []Tool            `json:"tools,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	SessionID         string            `json:"session_id,omitempty"`
}

// Content is one turn of the conversation.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// Part is a single content segment. Exactly one of the payload fields is set.
type Part struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
	InlineData       *Blob             `json:"inlineData,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
}

// Blob is base64 inline media.
type Blob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// FunctionCall is an upstream tool invocation.
type FunctionCall struct {
	ID   string      `json:"id,omitempty"`
	Name string      `json:"name"`
	Args interface{} `json:"args,omitempty"`
}

// FunctionResponse carries a tool result back upstream.
type FunctionResponse struct {
	ID       string      `json:"id,omitempty"`
	Name     string      `json:"name"`
	Response interface{} `json:"response"`
}

// Tool wraps the upstream function-declaration list.
type Tool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations,omitempty"`
}

// FunctionDeclaration describes one callable tool.
type FunctionDeclaration struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Parameters  interface{} `json:"parameters,omitempty"`
}

// GenerationConfig mirrors the upstream generation knobs.
type GenerationConfig struct {
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"topP,omitempty"`
	TopK             *int            `json:"topK,omitempty"`
	MaxOutputTokens  *int            `json:"maxOutputTokens,omitempty"`
	StopSequences    []string        `json:"stopSequences,omitempty"`
	ResponseMimeType string          `json:"responseMimeType,omitempty"`
	ThinkingConfig   *ThinkingConfig `json:"thinkingConfig,omitempty"`
}

// ThinkingConfig controls upstream reasoning emission.
type ThinkingConfig struct {
	IncludeThoughts bool `json:"includeThoughts"`
	ThinkingBudget  *int `json:"thinkingBudget,omitempty"`
}

// MarshalBody renders the wire body sent to the v1internal endpoints.
func (e *Envelope) MarshalBody() ([]byte, error) {
	e.Request.SessionID = e.SessionID
	return json.Marshal(struct {
		Model   string   `json:"model"`
		Project string   `json:"project,omitempty"`
		Request *Request `json:"request"`
	}{e.Model, e.Project, &e.Request})
}

// SignatureSource is the read side of the signature cache.
type SignatureSource interface {
	Lookup(session, model string) (signature, thoughtText string, ok bool)
}

// Options carries the conversion policy shared by all dialects.
type Options struct {
	SystemPrompt        string
	OfficialPrompt      string
	OfficialPromptFirst bool
	MaxInlineImages     int
	CacheToolSigs       bool
	Signatures          SignatureSource
	Names               *NameCache

	DefaultTemperature float64
	DefaultTopP        float64
	DefaultMaxTokens   int
	DefaultThinking    int // -1 means upstream-decided
}

// Usage is the normalized token accounting.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	ThoughtTokens    int
	TotalTokens      int
}

// ToolCall is one fully assembled tool invocation from a response.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON text
	Signature string
}

// Collected is the accumulation of a whole upstream response, used by the
// non-stream shim and the final-response builders.
type Collected struct {
	Model        string
	Reasoning    string
	Content      string
	ToolCalls    []ToolCall
	Images       []string
	FinishReason string
	Usage        Usage
}

// Delta is one normalized increment extracted from an upstream stream event.
// At most one payload field group is populated per delta.
type Delta struct {
	Reasoning    string
	ReasoningSig string
	Text         string
	Tool         *ToolDelta
	ImageURL     string
	FinishReason string
	Usage        *Usage
}

// ToolDelta is an incremental tool-call fragment.
type ToolDelta struct {
	Index        int
	ID           string
	Name         string
	ArgsFragment string
	Signature    string
}

// StreamChunk is one caller-facing SSE payload. Event is only set for the
// Claude dialect; OpenAI and Gemini use bare data frames. A Comment chunk
// renders as an SSE comment line instead of a data frame.
type StreamChunk struct {
	Event   string
	Data    []byte
	Comment string
}

// StreamState is the per-request chunk emitter for one dialect.
type StreamState interface {
	// Open emits any preamble chunks before the first upstream event.
	Open() []StreamChunk
	// Emit translates one normalized delta into zero or more chunks.
	Emit(d Delta) []StreamChunk
	// Heartbeat returns the dialect's quiet-interval keepalive.
	Heartbeat() []StreamChunk
	// Close emits the terminal chunks. Called exactly once.
	Close() []StreamChunk
}

// NewStreamState builds the emitter for a dialect.
func NewStreamState(d apierr.Dialect, model string) StreamState {
	switch d {
	case apierr.DialectClaude:
		return newClaudeStream(model)
	case apierr.DialectGemini:
		return newGeminiStream(model)
	default:
		return newOpenAIStream(model)
	}
}
