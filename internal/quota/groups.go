package quota

import "strings"

// Model groups used only for UI summarization; every group maps back to the
// same underlying per-model quota.
const (
	GroupClaude = "claude"
	GroupGemini = "gemini"
	GroupBanana = "banana"
	GroupOther  = "other"
)

// GroupFor buckets a model ID by case-insensitive substring. The image
// family is checked before the generic gemini match so it stays reachable.
func GroupFor(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "claude"):
		return GroupClaude
	case strings.Contains(m, "banana") || strings.Contains(m, "gemini-3-pro-image"):
		return GroupBanana
	case strings.Contains(m, "gemini"):
		return GroupGemini
	default:
		return GroupOther
	}
}
