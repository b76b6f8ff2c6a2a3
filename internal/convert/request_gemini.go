package convert

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"codeassist-gateway/internal/apierr"
)

// GeminiRequest converts a /v1beta generateContent body to the canonical
// envelope. The model comes from the URL path, not the body.
func GeminiRequest(raw []byte, model, session string, opts Options) (*Envelope, *apierr.APIError) {
	if model == "" {
		return nil, apierr.BadRequest("model is required")
	}
	env := &Envelope{Model: model, SessionID: session}
	if err := json.Unmarshal([]byte(gjson.GetBytes(raw, "contents").Raw), &env.Request.Contents); err != nil || len(env.Request.Contents) == 0 {
		return nil, apierr.BadRequest("contents must be a non-empty array")
	}

	// Inbound roles already match the canonical shape; only tool names need
	// the sanitizer pass.
	for ci := range env.Request.Contents {
		for pi := range env.Request.Contents[ci].Parts {
			p := &env.Request.Contents[ci].Parts[pi]
			if p.FunctionCall != nil {
				p.FunctionCall.Name = opts.sanitize(p.FunctionCall.Name)
			}
			if p.FunctionResponse != nil {
				p.FunctionResponse.Name = opts.sanitize(p.FunctionResponse.Name)
			}
		}
	}

	applySystemInstruction(env, geminiSystemText(raw), opts)

	if tools := gjson.GetBytes(raw, "tools"); tools.IsArray() {
		var out []Tool
		for _, t := range tools.Array() {
			var decls []FunctionDeclaration
			for _, fn := range t.Get("functionDeclarations").Array() {
				decls = append(decls, FunctionDeclaration{
					Name:        opts.sanitize(fn.Get("name").String()),
					Description: fn.Get("description").String(),
					Parameters:  jsonValue(fn.Get("parameters")),
				})
			}
			if len(decls) > 0 {
				out = append(out, Tool{FunctionDeclarations: decls})
			}
		}
		env.Request.Tools = out
	}

	env.Request.GenerationConfig = geminiGenerationConfig(raw, opts)
	reattachSignature(env, session, opts)
	capInlineImages(env, opts.MaxInlineImages)
	return env, nil
}

// geminiSystemText accepts both the camelCase and snake_case field names and
// both the full-content and bare-parts shapes.
func geminiSystemText(raw []byte) string {
	si := gjson.GetBytes(raw, "systemInstruction")
	if !si.Exists() {
		si = gjson.GetBytes(raw, "system_instruction")
	}
	if !si.Exists() {
		return ""
	}
	if si.Type == gjson.String {
		return si.String()
	}
	var texts []string
	for _, p := range si.Get("parts").Array() {
		if t := p.Get("text").String(); t != "" {
			texts = append(texts, t)
		}
	}
	return strings.Join(texts, "\n\n")
}

func geminiGenerationConfig(raw []byte, opts Options) *GenerationConfig {
	gc := &GenerationConfig{
		Temperature:     floatPtr(opts.DefaultTemperature),
		TopP:            floatPtr(opts.DefaultTopP),
		MaxOutputTokens: intPtr(opts.DefaultMaxTokens),
	}
	in := gjson.GetBytes(raw, "generationConfig")
	if v := in.Get("temperature"); v.Exists() {
		gc.Temperature = floatPtr(v.Float())
	}
	if v := in.Get("topP"); v.Exists() {
		gc.TopP = floatPtr(v.Float())
	}
	if v := in.Get("topK"); v.Exists() {
		gc.TopK = intPtr(int(v.Int()))
	}
	if v := in.Get("maxOutputTokens"); v.Exists() {
		gc.MaxOutputTokens = intPtr(int(v.Int()))
	}
	for _, s := range in.Get("stopSequences").Array() {
		gc.StopSequences = append(gc.StopSequences, s.String())
	}
	if v := in.Get("responseMimeType"); v.Exists() {
		gc.ResponseMimeType = v.String()
	}

	var explicit *int
	if v := in.Get("thinkingConfig.thinkingBudget"); v.Exists() {
		explicit = intPtr(int(v.Int()))
	}
	gc.ThinkingConfig = resolveThinking("", explicit, opts)
	return gc
}
