package convert

import "encoding/json"

// geminiStream re-emits upstream candidates with thought parts preserved.
// Tool-call argument fragments are buffered until they form valid JSON, then
// emitted as one functionCall part.
type geminiStream struct {
	model   string
	toolBuf map[int]*ToolDelta
	finish  string
	usage   *Usage
}

func newGeminiStream(model string) *geminiStream {
	return &geminiStream{model: model, toolBuf: map[int]*ToolDelta{}}
}

func (s *geminiStream) frame(parts []interface{}, finish string, usage *Usage) StreamChunk {
	cand := map[string]interface{}{
		"content": map[string]interface{}{"parts": parts, "role": "model"},
		"index":   0,
	}
	if finish != "" {
		cand["finishReason"] = finish
	}
	body := map[string]interface{}{
		"candidates":   []interface{}{cand},
		"modelVersion": s.model,
	}
	if usage != nil {
		body["usageMetadata"] = geminiUsage(*usage)
	}
	data, _ := json.Marshal(body)
	return StreamChunk{Data: data}
}

func (s *geminiStream) Open() []StreamChunk { return nil }

func (s *geminiStream) Emit(d Delta) []StreamChunk {
	switch {
	case d.Reasoning != "" || d.ReasoningSig != "":
		part := map[string]interface{}{"text": d.Reasoning, "thought": true}
		if d.ReasoningSig != "" {
			part["thoughtSignature"] = d.ReasoningSig
		}
		return []StreamChunk{s.frame([]interface{}{part}, "", nil)}

	case d.Text != "":
		return []StreamChunk{s.frame([]interface{}{map[string]interface{}{"text": d.Text}}, "", nil)}

	case d.ImageURL != "":
		return []StreamChunk{s.frame([]interface{}{map[string]interface{}{"text": markdownImage(d.ImageURL)}}, "", nil)}

	case d.Tool != nil:
		buf, ok := s.toolBuf[d.Tool.Index]
		if !ok {
			copied := *d.Tool
			s.toolBuf[d.Tool.Index] = &copied
			buf = &copied
		} else {
			buf.ArgsFragment += d.Tool.ArgsFragment
		}
		var args interface{}
		if buf.ArgsFragment == "" {
			args = map[string]interface{}{}
		} else if err := json.Unmarshal([]byte(buf.ArgsFragment), &args); err != nil {
			// Fragment is still incomplete; wait for more.
			return nil
		}
		delete(s.toolBuf, d.Tool.Index)
		fc := map[string]interface{}{"name": buf.Name, "args": args}
		if buf.ID != "" {
			fc["id"] = buf.ID
		}
		part := map[string]interface{}{"functionCall": fc}
		if buf.Signature != "" {
			part["thoughtSignature"] = buf.Signature
		}
		return []StreamChunk{s.frame([]interface{}{part}, "", nil)}

	case d.FinishReason != "":
		s.finish = d.FinishReason
	case d.Usage != nil:
		s.usage = d.Usage
	}
	return nil
}

func (s *geminiStream) Heartbeat() []StreamChunk {
	return []StreamChunk{s.frame([]interface{}{}, "", nil)}
}

func (s *geminiStream) Close() []StreamChunk {
	finish := s.finish
	if finish == "" {
		finish = "STOP"
	}
	return []StreamChunk{s.frame([]interface{}{}, finish, s.usage)}
}

func geminiUsage(u Usage) map[string]interface{} {
	out := map[string]interface{}{
		"promptTokenCount":     u.PromptTokens,
		"candidatesTokenCount": u.CompletionTokens,
		"totalTokenCount":      u.TotalTokens,
	}
	if u.ThoughtTokens > 0 {
		out["thoughtsTokenCount"] = u.ThoughtTokens
	}
	return out
}
