package convert

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"codeassist-gateway/internal/apierr"
)

// ClaudeRequest converts a /v1/messages body to the canonical envelope.
func ClaudeRequest(raw []byte, session string, opts Options) (*Envelope, *apierr.APIError) {
	model := gjson.GetBytes(raw, "model").String()
	if model == "" {
		return nil, apierr.BadRequest("model is required")
	}
	messages := gjson.GetBytes(raw, "messages")
	if !messages.Exists() || len(messages.Array()) == 0 {
		return nil, apierr.BadRequest("messages must be a non-empty array")
	}

	env := &Envelope{Model: model, SessionID: session}
	callNames := map[string]string{} // tool_use id -> upstream name

	for _, msg := range messages.Array() {
		switch msg.Get("role").String() {
		case "user":
			parts := claudeUserParts(msg.Get("content"), callNames)
			if len(parts) > 0 {
				env.Request.Contents = append(env.Request.Contents, Content{Role: "user", Parts: parts})
			}
		case "assistant":
			parts := claudeAssistantParts(msg.Get("content"), opts, callNames)
			if len(parts) > 0 {
				env.Request.Contents = append(env.Request.Contents, Content{Role: "model", Parts: parts})
			}
		}
	}
	applySystemInstruction(env, claudeSystemText(gjson.GetBytes(raw, "system")), opts)

	if tools := gjson.GetBytes(raw, "tools"); tools.IsArray() {
		var decls []FunctionDeclaration
		for _, t := range tools.Array() {
			decls = append(decls, FunctionDeclaration{
				Name:        opts.sanitize(t.Get("name").String()),
				Description: t.Get("description").String(),
				Parameters:  jsonValue(t.Get("input_schema")),
			})
		}
		if len(decls) > 0 {
			env.Request.Tools = []Tool{{FunctionDeclarations: decls}}
		}
	}

	env.Request.GenerationConfig = claudeGenerationConfig(raw, opts)
	reattachSignature(env, session, opts)
	capInlineImages(env, opts.MaxInlineImages)
	return env, nil
}

// claudeSystemText flattens the system field, which may be a string or an
// array of text blocks.
func claudeSystemText(system gjson.Result) string {
	if !system.Exists() {
		return ""
	}
	if !system.IsArray() {
		return system.String()
	}
	var blocks []string
	for _, b := range system.Array() {
		if b.Get("type").String() == "text" {
			blocks = append(blocks, b.Get("text").String())
		}
	}
	return strings.Join(blocks, "\n\n")
}

func claudeUserParts(content gjson.Result, callNames map[string]string) []Part {
	if !content.IsArray() {
		return []Part{{Text: content.String()}}
	}
	var parts []Part
	for _, seg := range content.Array() {
		switch seg.Get("type").String() {
		case "text":
			parts = append(parts, Part{Text: seg.Get("text").String()})
		case "image":
			src := seg.Get("source")
			if src.Get("type").String() == "base64" {
				parts = append(parts, Part{InlineData: &Blob{
					MimeType: src.Get("media_type").String(),
					Data:     src.Get("data").String(),
				}})
			}
		case "tool_result":
			id := seg.Get("tool_use_id").String()
			parts = append(parts, Part{FunctionResponse: toolResponsePart(
				callNames[id], id, claudeToolResultText(seg.Get("content")))})
		}
	}
	return parts
}

// claudeToolResultText flattens a tool_result content field, which may be a
// plain string or an array of text blocks.
func claudeToolResultText(content gjson.Result) string {
	if !content.IsArray() {
		return content.String()
	}
	var texts []string
	for _, b := range content.Array() {
		if b.Get("type").String() == "text" {
			texts = append(texts, b.Get("text").String())
		}
	}
	return strings.Join(texts, "\n")
}

func claudeAssistantParts(content gjson.Result, opts Options, callNames map[string]string) []Part {
	if !content.IsArray() {
		if s := content.String(); s != "" {
			return []Part{{Text: s}}
		}
		return nil
	}
	var parts []Part
	for _, seg := range content.Array() {
		switch seg.Get("type").String() {
		case "text":
			parts = append(parts, Part{Text: seg.Get("text").String()})
		case "thinking":
			// Round-tripped thinking blocks carry the upstream signature back.
			parts = append(parts, Part{
				Text:             seg.Get("thinking").String(),
				Thought:          true,
				ThoughtSignature: seg.Get("signature").String(),
			})
		case "tool_use":
			name := opts.sanitize(seg.Get("name").String())
			callNames[seg.Get("id").String()] = name
			var args interface{}
			if err := json.Unmarshal([]byte(seg.Get("input").Raw), &args); err != nil {
				args = map[string]interface{}{}
			}
			parts = append(parts, Part{FunctionCall: &FunctionCall{
				ID:   seg.Get("id").String(),
				Name: name,
				Args: args,
			}})
		}
	}
	return parts
}

func claudeGenerationConfig(raw []byte, opts Options) *GenerationConfig {
	gc := &GenerationConfig{
		Temperature:     floatPtr(opts.DefaultTemperature),
		TopP:            floatPtr(opts.DefaultTopP),
		MaxOutputTokens: intPtr(opts.DefaultMaxTokens),
	}
	if v := gjson.GetBytes(raw, "temperature"); v.Exists() {
		gc.Temperature = floatPtr(v.Float())
	}
	if v := gjson.GetBytes(raw, "top_p"); v.Exists() {
		gc.TopP = floatPtr(v.Float())
	}
	if v := gjson.GetBytes(raw, "top_k"); v.Exists() {
		gc.TopK = intPtr(int(v.Int()))
	}
	if v := gjson.GetBytes(raw, "max_tokens"); v.Exists() {
		gc.MaxOutputTokens = intPtr(int(v.Int()))
	}
	for _, s := range gjson.GetBytes(raw, "stop_sequences").Array() {
		gc.StopSequences = append(gc.StopSequences, s.String())
	}

	var explicit *int
	thinking := gjson.GetBytes(raw, "thinking")
	switch thinking.Get("type").String() {
	case "enabled":
		if v := thinking.Get("budget_tokens"); v.Exists() {
			explicit = intPtr(int(v.Int()))
		}
	case "disabled":
		explicit = intPtr(0)
	}
	gc.ThinkingConfig = resolveThinking("", explicit, opts)
	return gc
}
