package convert

// Thinking budgets mapped from the OpenAI reasoning_effort levels.
const (
	budgetLow    = 1024
	budgetMedium = 16000
	budgetHigh   = 32000
)

// resolveThinking folds the dialect's reasoning knobs into one upstream
// thinking config. Precedence: explicit budget, then effort level, then the
// configured default. A budget of exactly 0 disables thought emission; -1
// leaves the budget to the upstream.
func resolveThinking(effort string, explicit *int, opts Options) *ThinkingConfig {
	budget := opts.DefaultThinking
	switch effort {
	case "low":
		budget = budgetLow
	case "medium":
		budget = budgetMedium
	case "high":
		budget = budgetHigh
	}
	if explicit != nil {
		budget = *explicit
	}
	if budget == 0 {
		zero := 0
		return &ThinkingConfig{IncludeThoughts: false, ThinkingBudget: &zero}
	}
	tc := &ThinkingConfig{IncludeThoughts: true}
	if budget > 0 || budget == -1 {
		b := budget
		tc.ThinkingBudget = &b
	}
	return tc
}

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }
