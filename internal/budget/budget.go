// Package budget tracks how much of a run's quota has been consumed.
package budget

const (
	DefaultMaxTurns            = 12
	DefaultMaxToolCalls        = 30
	DefaultMaxScriptExecutions = 10
	DefaultMaxContextTokens    = 100000
	DefaultNearLimitThreshold  = 0.8
)

// Budget pairs a ceiling with a counter for four independent resources.
// Counters only grow; a fresh Budget is the only reset. Ceilings are
// advisory: consuming past them is allowed and only CanContinue and
// IsNearLimit look at them.
type Budget struct {
	MaxTurns            int `json:"max_turns" yaml:"max_turns"`
	MaxToolCalls        int `json:"max_tool_calls" yaml:"max_tool_calls"`
	MaxScriptExecutions int `json:"max_script_executions" yaml:"max_script_executions"`
	MaxContextTokens    int `json:"max_context_tokens" yaml:"max_context_tokens"`

	TurnsUsed            int `json:"turns_used" yaml:"turns_used"`
	ToolCallsUsed        int `json:"tool_calls_used" yaml:"tool_calls_used"`
	ScriptExecutionsUsed int `json:"script_executions_used" yaml:"script_executions_used"`
	ContextTokensUsed    int `json:"context_tokens_used" yaml:"context_tokens_used"`
}

func Default() Budget {
	return Budget{
		MaxTurns:            DefaultMaxTurns,
		MaxToolCalls:        DefaultMaxToolCalls,
		MaxScriptExecutions: DefaultMaxScriptExecutions,
		MaxContextTokens:    DefaultMaxContextTokens,
	}
}

// CanContinue is true while turns, tool calls and script executions are all
// below their ceilings. Context tokens never stop a run.
func (b *Budget) CanContinue() bool {
	return b.TurnsUsed < b.MaxTurns &&
		b.ToolCallsUsed < b.MaxToolCalls &&
		b.ScriptExecutionsUsed < b.MaxScriptExecutions
}

// IsNearLimit reports whether any of the three gating ratios has reached
// threshold. A zero ceiling counts as ratio 0.
func (b *Budget) IsNearLimit(threshold float64) bool {
	for _, r := range []float64{
		ratio(b.TurnsUsed, b.MaxTurns),
		ratio(b.ToolCallsUsed, b.MaxToolCalls),
		ratio(b.ScriptExecutionsUsed, b.MaxScriptExecutions),
	} {
		if r >= threshold {
			return true
		}
	}
	return false
}

func ratio(used, limit int) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(used) / float64(limit)
}

func (b *Budget) ConsumeTurn()            { b.TurnsUsed++ }
func (b *Budget) ConsumeToolCall()        { b.ToolCallsUsed++ }
func (b *Budget) ConsumeScriptExecution() { b.ScriptExecutionsUsed++ }

// ConsumeContextTokens adds tokens to the context counter. Negative counts
// are ignored so the counter never decreases.
func (b *Budget) ConsumeContextTokens(tokens int) {
	if tokens > 0 {
		b.ContextTokensUsed += tokens
	}
}
