package convert

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"codeassist-gateway/internal/apierr"
)

// OpenAIRequest converts a /v1/chat/completions body to the canonical
// envelope.
func OpenAIRequest(raw []byte, session string, opts Options) (*Envelope, *apierr.APIError) {
	model := gjson.GetBytes(raw, "model").String()
	if model == "" {
		return nil, apierr.BadRequest("model is required")
	}
	messages := gjson.GetBytes(raw, "messages")
	if !messages.Exists() || len(messages.Array()) == 0 {
		return nil, apierr.BadRequest("messages must be a non-empty array")
	}

	env := &Envelope{Model: model, SessionID: session}
	callNames := map[string]string{} // tool_call_id -> upstream name

	var systemRun []string
	inHead := true
	for _, msg := range messages.Array() {
		role := msg.Get("role").String()
		content := msg.Get("content")

		if role == "system" || role == "developer" {
			if inHead {
				systemRun = append(systemRun, content.String())
				continue
			}
			// A system message after the head run behaves like user text.
			role = "user"
		}
		inHead = false

		switch role {
		case "user":
			env.Request.Contents = append(env.Request.Contents, Content{
				Role:  "user",
				Parts: openAIUserParts(content),
			})

		case "assistant":
			parts := openAIAssistantParts(msg, opts, callNames)
			if len(parts) > 0 {
				env.Request.Contents = append(env.Request.Contents, Content{Role: "model", Parts: parts})
			}

		case "tool":
			name := callNames[msg.Get("tool_call_id").String()]
			if name == "" {
				name = msg.Get("name").String()
			}
			env.Request.Contents = append(env.Request.Contents, Content{
				Role:  "user",
				Parts: []Part{{FunctionResponse: toolResponsePart(name, msg.Get("tool_call_id").String(), content.String())}},
			})
		}
	}
	applySystemInstruction(env, strings.Join(systemRun, "\n\n"), opts)

	if tools := gjson.GetBytes(raw, "tools"); tools.IsArray() {
		var decls []FunctionDeclaration
		for _, t := range tools.Array() {
			if t.Get("type").String() != "function" {
				continue
			}
			fn := t.Get("function")
			decls = append(decls, FunctionDeclaration{
				Name:        opts.sanitize(fn.Get("name").String()),
				Description: fn.Get("description").String(),
				Parameters:  jsonValue(fn.Get("parameters")),
			})
		}
		if len(decls) > 0 {
			env.Request.Tools = []Tool{{FunctionDeclarations: decls}}
		}
	}

	env.Request.GenerationConfig = openAIGenerationConfig(raw, model, opts)
	reattachSignature(env, session, opts)
	capInlineImages(env, opts.MaxInlineImages)
	return env, nil
}

func openAIUserParts(content gjson.Result) []Part {
	if !content.IsArray() {
		return []Part{{Text: content.String()}}
	}
	var parts []Part
	for _, seg := range content.Array() {
		switch seg.Get("type").String() {
		case "text":
			parts = append(parts, Part{Text: seg.Get("text").String()})
		case "image_url":
			if mime, data, ok := parseDataURL(seg.Get("image_url.url").String()); ok {
				parts = append(parts, Part{InlineData: &Blob{MimeType: mime, Data: data}})
			}
		}
	}
	if len(parts) == 0 {
		parts = []Part{{Text: ""}}
	}
	return parts
}

func openAIAssistantParts(msg gjson.Result, opts Options, callNames map[string]string) []Part {
	var parts []Part
	if text := msg.Get("content").String(); text != "" {
		parts = append(parts, Part{Text: text})
	}
	for _, tc := range msg.Get("tool_calls").Array() {
		if tc.Get("type").String() != "function" {
			continue
		}
		name := opts.sanitize(tc.Get("function.name").String())
		callNames[tc.Get("id").String()] = name
		var args interface{}
		if err := json.Unmarshal([]byte(tc.Get("function.arguments").String()), &args); err != nil {
			args = map[string]interface{}{}
		}
		parts = append(parts, Part{FunctionCall: &FunctionCall{
			ID:   tc.Get("id").String(),
			Name: name,
			Args: args,
		}})
	}
	return parts
}

func openAIGenerationConfig(raw []byte, model string, opts Options) *GenerationConfig {
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
	if v := gjson.GetBytes(raw, "max_completion_tokens"); v.Exists() {
		gc.MaxOutputTokens = intPtr(int(v.Int()))
	} else if v := gjson.GetBytes(raw, "max_tokens"); v.Exists() {
		gc.MaxOutputTokens = intPtr(int(v.Int()))
	}
	if stop := gjson.GetBytes(raw, "stop"); stop.Exists() {
		if stop.IsArray() {
			for _, s := range stop.Array() {
				gc.StopSequences = append(gc.StopSequences, s.String())
			}
		} else if stop.String() != "" {
			gc.StopSequences = []string{stop.String()}
		}
	}
	// JSON mode only means anything to Gemini-family models.
	if gjson.GetBytes(raw, "response_format.type").String() == "json_object" && isGeminiModel(model) {
		gc.ResponseMimeType = "application/json"
	}

	var explicit *int
	if v := gjson.GetBytes(raw, "thinking_budget"); v.Exists() {
		explicit = intPtr(int(v.Int()))
	} else if v := gjson.GetBytes(raw, "generationConfig.thinkingConfig.thinkingBudget"); v.Exists() {
		explicit = intPtr(int(v.Int()))
	}
	gc.ThinkingConfig = resolveThinking(gjson.GetBytes(raw, "reasoning_effort").String(), explicit, opts)
	return gc
}

// toolResponsePart wraps a tool result string; non-JSON results are wrapped
// in a result object the upstream accepts.
func toolResponsePart(name, id, content string) *FunctionResponse {
	var parsed interface{}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		parsed = map[string]interface{}{"result": content}
	}
	return &FunctionResponse{ID: id, Name: name, Response: parsed}
}

// jsonValue decodes a gjson subtree into a generic value for re-marshalling.
func jsonValue(r gjson.Result) interface{} {
	if !r.Exists() {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal([]byte(r.Raw), &v); err != nil {
		return nil
	}
	return v
}
