package convert

import (
	"strings"
)

// mergedSystemText combines the configured prompts with the inbound system
// run. Empty halves are dropped; blocks are joined with a blank line.
func mergedSystemText(inbound string, opts Options) string {
	var blocks []string
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			blocks = append(blocks, s)
		}
	}
	if opts.OfficialPromptFirst {
		add(opts.OfficialPrompt)
		add(opts.SystemPrompt)
	} else {
		add(opts.SystemPrompt)
		add(opts.OfficialPrompt)
	}
	add(inbound)
	return strings.Join(blocks, "\n\n")
}

// applySystemInstruction sets the envelope's systemInstruction from the
// collected inbound system text plus configured prompts.
func applySystemInstruction(env *Envelope, inbound string, opts Options) {
	if text := mergedSystemText(inbound, opts); text != "" {
		env.Request.SystemInstruction = &Content{Parts: []Part{{Text: text}}}
	}
}

// reattachSignature prepends the cached thought signature to the last model
// turn so the upstream can resume its reasoning trace, and stamps function
// calls with it when tool-signature caching is on.
func reattachSignature(env *Envelope, session string, opts Options) {
	if opts.Signatures == nil {
		return
	}
	sig, thought, ok := opts.Signatures.Lookup(session, env.Model)
	if !ok || sig == "" {
		return
	}
	var last *Content
	for i := range env.Request.Contents {
		if env.Request.Contents[i].Role == "model" {
			last = &env.Request.Contents[i]
		}
	}
	if last == nil {
		return
	}
	head := Part{Text: thought, Thought: true, ThoughtSignature: sig}
	last.Parts = append([]Part{head}, last.Parts...)
	if opts.CacheToolSigs {
		for i := range last.Parts {
			if last.Parts[i].FunctionCall != nil && last.Parts[i].ThoughtSignature == "" {
				last.Parts[i].ThoughtSignature = sig
			}
		}
	}
}

// capInlineImages trims inlineData parts beyond the configured maximum,
// keeping the earliest ones.
func capInlineImages(env *Envelope, max int) {
	if max <= 0 {
		return
	}
	seen := 0
	for ci := range env.Request.Contents {
		kept := env.Request.Contents[ci].Parts[:0]
		for _, p := range env.Request.Contents[ci].Parts {
			if p.InlineData != nil {
				seen++
				if seen > max {
					continue
				}
			}
			kept = append(kept, p)
		}
		env.Request.Contents[ci].Parts = kept
	}
}

// parseDataURL splits a data: URL into mime type and base64 payload.
func parseDataURL(url string) (mime, data string, ok bool) {
	if !strings.HasPrefix(url, "data:") {
		return "", "", false
	}
	rest := url[len("data:"):]
	sep := strings.Index(rest, ";base64,")
	if sep < 0 {
		return "", "", false
	}
	return rest[:sep], rest[sep+len(";base64,"):], true
}

// isGeminiModel reports whether the model belongs to the Gemini family.
func isGeminiModel(model string) bool {
	return strings.Contains(strings.ToLower(model), "gemini")
}

// IsImageModel reports whether the model is an image-generation variant.
func IsImageModel(model string) bool {
	m := strings.ToLower(model)
	return strings.Contains(m, "image") || strings.Contains(m, "banana")
}
