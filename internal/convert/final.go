package convert

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"codeassist-gateway/internal/apierr"
)

// BuildFinal renders one complete non-streaming response body for a dialect
// from the collected upstream output.
func BuildFinal(d apierr.Dialect, c Collected) []byte {
	switch d {
	case apierr.DialectClaude:
		return claudeFinal(c)
	case apierr.DialectGemini:
		return geminiFinal(c)
	default:
		return openAIFinal(c)
	}
}

// effectiveContent appends image markdown so image-only responses still carry
// visible content.
func effectiveContent(c Collected) string {
	var blocks []string
	if c.Content != "" {
		blocks = append(blocks, c.Content)
	}
	for _, url := range c.Images {
		blocks = append(blocks, markdownImage(url))
	}
	return strings.Join(blocks, "\n\n")
}

func openAIFinal(c Collected) []byte {
	message := map[string]interface{}{
		"role":    "assistant",
		"content": effectiveContent(c),
	}
	if c.Reasoning != "" {
		message["reasoning_content"] = c.Reasoning
	}
	if len(c.ToolCalls) > 0 {
		var calls []interface{}
		for _, tc := range c.ToolCalls {
			calls = append(calls, map[string]interface{}{
				"id":   tc.ID,
				"type": "function",
				"function": map[string]interface{}{
					"name":      tc.Name,
					"arguments": tc.Arguments,
				},
			})
		}
		message["tool_calls"] = calls
	}
	body := map[string]interface{}{
		"id":      "chatcmpl-" + uuid.NewString(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   c.Model,
		"choices": []interface{}{map[string]interface{}{
			"index":         0,
			"message":       message,
			"finish_reason": openAIFinish(c.FinishReason, len(c.ToolCalls) > 0),
		}},
		"usage": openAIUsage(c.Usage),
	}
	data, _ := json.Marshal(body)
	return data
}

func claudeFinal(c Collected) []byte {
	var blocks []interface{}
	if c.Reasoning != "" {
		blocks = append(blocks, map[string]interface{}{
			"type":     "thinking",
			"thinking": c.Reasoning,
		})
	}
	if text := effectiveContent(c); text != "" {
		blocks = append(blocks, map[string]interface{}{
			"type": "text",
			"text": text,
		})
	}
	for _, tc := range c.ToolCalls {
		var input interface{}
		if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
			input = map[string]interface{}{}
		}
		blocks = append(blocks, map[string]interface{}{
			"type":  "tool_use",
			"id":    tc.ID,
			"name":  tc.Name,
			"input": input,
		})
	}
	body := map[string]interface{}{
		"id":            "msg_" + uuid.NewString(),
		"type":          "message",
		"role":          "assistant",
		"model":         c.Model,
		"content":       blocks,
		"stop_reason":   claudeStopReason(c.FinishReason, len(c.ToolCalls) > 0),
		"stop_sequence": nil,
		"usage": map[string]interface{}{
			"input_tokens":  c.Usage.PromptTokens,
			"output_tokens": c.Usage.CompletionTokens,
		},
	}
	data, _ := json.Marshal(body)
	return data
}

func geminiFinal(c Collected) []byte {
	var parts []interface{}
	if c.Reasoning != "" {
		parts = append(parts, map[string]interface{}{"text": c.Reasoning, "thought": true})
	}
	if text := effectiveContent(c); text != "" {
		parts = append(parts, map[string]interface{}{"text": text})
	}
	for _, tc := range c.ToolCalls {
		var args interface{}
		if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
			args = map[string]interface{}{}
		}
		fc := map[string]interface{}{"name": tc.Name, "args": args}
		if tc.ID != "" {
			fc["id"] = tc.ID
		}
		parts = append(parts, map[string]interface{}{"functionCall": fc})
	}
	finish := c.FinishReason
	if finish == "" {
		finish = "STOP"
	}
	body := map[string]interface{}{
		"candidates": []interface{}{map[string]interface{}{
			"content":      map[string]interface{}{"parts": parts, "role": "model"},
			"finishReason": finish,
			"index":        0,
		}},
		"usageMetadata": geminiUsage(c.Usage),
		"modelVersion":  c.Model,
	}
	data, _ := json.Marshal(body)
	return data
}
