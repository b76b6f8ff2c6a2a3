package convert

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// openAIStream emits chat.completion.chunk frames.
type openAIStream struct {
	id        string
	model     string
	created   int64
	seenTools map[int]bool
	hasTools  bool
	finish    string
	usage     *Usage
}

func newOpenAIStream(model string) *openAIStream {
	return &openAIStream{
		id:        "chatcmpl-" + uuid.NewString(),
		model:     model,
		created:   time.Now().Unix(),
		seenTools: map[int]bool{},
	}
}

func (s *openAIStream) chunk(delta map[string]interface{}, finish interface{}, usage *Usage) StreamChunk {
	body := map[string]interface{}{
		"id":      s.id,
		"object":  "chat.completion.chunk",
		"created": s.created,
		"model":   s.model,
		"choices": []interface{}{map[string]interface{}{
			"index":         0,
			"delta":         delta,
			"finish_reason": finish,
		}},
	}
	if usage != nil {
		body["usage"] = openAIUsage(*usage)
	}
	data, _ := json.Marshal(body)
	return StreamChunk{Data: data}
}

func (s *openAIStream) Open() []StreamChunk {
	return []StreamChunk{s.chunk(map[string]interface{}{"role": "assistant"}, nil, nil)}
}

func (s *openAIStream) Emit(d Delta) []StreamChunk {
	switch {
	case d.Reasoning != "":
		return []StreamChunk{s.chunk(map[string]interface{}{"reasoning_content": d.Reasoning}, nil, nil)}
	case d.Text != "":
		return []StreamChunk{s.chunk(map[string]interface{}{"content": d.Text}, nil, nil)}
	case d.ImageURL != "":
		return []StreamChunk{s.chunk(map[string]interface{}{"content": markdownImage(d.ImageURL)}, nil, nil)}
	case d.Tool != nil:
		s.hasTools = true
		tc := map[string]interface{}{
			"index": d.Tool.Index,
			"function": map[string]interface{}{
				"arguments": d.Tool.ArgsFragment,
			},
		}
		if !s.seenTools[d.Tool.Index] {
			s.seenTools[d.Tool.Index] = true
			tc["id"] = d.Tool.ID
			tc["type"] = "function"
			tc["function"].(map[string]interface{})["name"] = d.Tool.Name
		}
		return []StreamChunk{s.chunk(map[string]interface{}{"tool_calls": []interface{}{tc}}, nil, nil)}
	case d.FinishReason != "":
		s.finish = d.FinishReason
	case d.Usage != nil:
		s.usage = d.Usage
	}
	return nil
}

func (s *openAIStream) Heartbeat() []StreamChunk {
	return []StreamChunk{{Comment: "heartbeat"}}
}

func (s *openAIStream) Close() []StreamChunk {
	return []StreamChunk{
		s.chunk(map[string]interface{}{}, openAIFinish(s.finish, s.hasTools), s.usage),
		{Data: []byte("[DONE]")},
	}
}

func openAIFinish(upstream string, hasTools bool) string {
	if hasTools {
		return "tool_calls"
	}
	switch upstream {
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "PROHIBITED_CONTENT":
		return "content_filter"
	default:
		return "stop"
	}
}

func openAIUsage(u Usage) map[string]interface{} {
	out := map[string]interface{}{
		"prompt_tokens":     u.PromptTokens,
		"completion_tokens": u.CompletionTokens,
		"total_tokens":      u.TotalTokens,
	}
	if u.ThoughtTokens > 0 {
		out["completion_tokens_details"] = map[string]interface{}{
			"reasoning_tokens": u.ThoughtTokens,
		}
	}
	return out
}

func markdownImage(url string) string {
	return "![image](" + url + ")"
}
