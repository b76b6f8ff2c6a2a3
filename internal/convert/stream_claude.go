package convert

import (
	"encoding/json"

	"github.com/google/uuid"
)

type claudeBlock int

const (
	blockNone claudeBlock = iota
	blockThinking
	blockText
	blockTool
)

// claudeStream emits the Anthropic messages event sequence: message_start,
// content_block_start/delta/stop per block, message_delta, message_stop.
type claudeStream struct {
	id       string
	model    string
	block    claudeBlock
	index    int
	started  bool
	hasTools bool
	// toolIdx maps upstream tool indexes to claude content-block indexes.
	toolIdx map[int]int
	finish  string
	usage   *Usage
}

func newClaudeStream(model string) *claudeStream {
	return &claudeStream{
		id:      "msg_" + uuid.NewString(),
		model:   model,
		index:   -1,
		toolIdx: map[int]int{},
	}
}

func event(typ string, body map[string]interface{}) StreamChunk {
	body["type"] = typ
	data, _ := json.Marshal(body)
	return StreamChunk{Event: typ, Data: data}
}

func (s *claudeStream) Open() []StreamChunk {
	return []StreamChunk{
		event("message_start", map[string]interface{}{
			"message": map[string]interface{}{
				"id":            s.id,
				"type":          "message",
				"role":          "assistant",
				"model":         s.model,
				"content":       []interface{}{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         map[string]interface{}{"input_tokens": 0, "output_tokens": 0},
			},
		}),
		event("ping", map[string]interface{}{}),
	}
}

// openBlock closes the current block (if any) and starts a new one.
func (s *claudeStream) openBlock(kind claudeBlock, start map[string]interface{}) []StreamChunk {
	var out []StreamChunk
	out = append(out, s.closeBlock()...)
	s.index++
	s.block = kind
	out = append(out, event("content_block_start", map[string]interface{}{
		"index":         s.index,
		"content_block": start,
	}))
	return out
}

func (s *claudeStream) closeBlock() []StreamChunk {
	if s.block == blockNone {
		return nil
	}
	s.block = blockNone
	return []StreamChunk{event("content_block_stop", map[string]interface{}{"index": s.index})}
}

func (s *claudeStream) delta(payload map[string]interface{}) StreamChunk {
	return event("content_block_delta", map[string]interface{}{
		"index": s.index,
		"delta": payload,
	})
}

func (s *claudeStream) Emit(d Delta) []StreamChunk {
	var out []StreamChunk
	switch {
	case d.Reasoning != "" || d.ReasoningSig != "":
		if s.block != blockThinking {
			out = append(out, s.openBlock(blockThinking, map[string]interface{}{
				"type":     "thinking",
				"thinking": "",
			})...)
		}
		if d.Reasoning != "" {
			out = append(out, s.delta(map[string]interface{}{
				"type":     "thinking_delta",
				"thinking": d.Reasoning,
			}))
		}
		if d.ReasoningSig != "" {
			out = append(out, s.delta(map[string]interface{}{
				"type":      "signature_delta",
				"signature": d.ReasoningSig,
			}))
		}

	case d.Text != "" || d.ImageURL != "":
		text := d.Text
		if text == "" {
			text = markdownImage(d.ImageURL)
		}
		if s.block != blockText {
			out = append(out, s.openBlock(blockText, map[string]interface{}{
				"type": "text",
				"text": "",
			})...)
		}
		out = append(out, s.delta(map[string]interface{}{
			"type": "text_delta",
			"text": text,
		}))

	case d.Tool != nil:
		s.hasTools = true
		if idx, ok := s.toolIdx[d.Tool.Index]; !ok || s.block != blockTool || idx != s.index {
			out = append(out, s.openBlock(blockTool, map[string]interface{}{
				"type":  "tool_use",
				"id":    d.Tool.ID,
				"name":  d.Tool.Name,
				"input": map[string]interface{}{},
			})...)
			s.toolIdx[d.Tool.Index] = s.index
		}
		if d.Tool.ArgsFragment != "" {
			out = append(out, s.delta(map[string]interface{}{
				"type":         "input_json_delta",
				"partial_json": d.Tool.ArgsFragment,
			}))
		}

	case d.FinishReason != "":
		s.finish = d.FinishReason
	case d.Usage != nil:
		s.usage = d.Usage
	}
	return out
}

func (s *claudeStream) Heartbeat() []StreamChunk {
	return []StreamChunk{event("ping", map[string]interface{}{})}
}

func (s *claudeStream) Close() []StreamChunk {
	out := s.closeBlock()
	usage := map[string]interface{}{"output_tokens": 0}
	if s.usage != nil {
		usage = map[string]interface{}{
			"input_tokens":  s.usage.PromptTokens,
			"output_tokens": s.usage.CompletionTokens,
		}
	}
	out = append(out,
		event("message_delta", map[string]interface{}{
			"delta": map[string]interface{}{
				"stop_reason":   claudeStopReason(s.finish, s.hasTools),
				"stop_sequence": nil,
			},
			"usage": usage,
		}),
		event("message_stop", map[string]interface{}{}),
	)
	return out
}

func claudeStopReason(upstream string, hasTools bool) string {
	if hasTools {
		return "tool_use"
	}
	switch upstream {
	case "MAX_TOKENS":
		return "max_tokens"
	default:
		return "end_turn"
	}
}
