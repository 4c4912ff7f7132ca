package agent

import (
	"fmt"
	"strings"

	"github.com/polosdev/polos-go/execctx"
)

// StopCondition evaluates whether the loop should end after step n,
// returning (stop, reason). It runs inside a durable step.Run, so it
// must be deterministic given st's contents (spec.md §4.4 step 6:
// "evaluated sequentially as their own durable steps").
type StopCondition struct {
	ID  string
	Eval func(st *loopState, n int) (bool, string)
}

// MaxSteps stops once n reaches limit (spec.md §4.4 step 6: "default
// 10 unless the agent declares its own max_steps condition").
func MaxSteps(limit int) StopCondition {
	return StopCondition{
		ID: "max_steps",
		Eval: func(st *loopState, n int) (bool, string) {
			if n >= limit {
				return true, fmt.Sprintf("max_steps reached (%d)", limit)
			}
			return false, ""
		},
	}
}

// MaxTokens stops once the run's accumulated usage reaches limit.
func MaxTokens(limit int) StopCondition {
	return StopCondition{
		ID: "max_tokens",
		Eval: func(st *loopState, n int) (bool, string) {
			if st.usage.TotalTokens >= limit {
				return true, fmt.Sprintf("max_tokens reached (%d)", limit)
			}
			return false, ""
		},
	}
}

// ExecutedTool stops the first time the named tool has been called.
func ExecutedTool(name string) StopCondition {
	return StopCondition{
		ID: "executed_tool:" + name,
		Eval: func(st *loopState, n int) (bool, string) {
			for _, r := range st.toolResults {
				if r.Name == name {
					return true, fmt.Sprintf("tool %q executed", name)
				}
			}
			return false, ""
		},
	}
}

// HasText stops once the model has produced a non-empty final text
// response without any pending tool calls.
func HasText() StopCondition {
	return StopCondition{
		ID: "has_text",
		Eval: func(st *loopState, n int) (bool, string) {
			if len(st.lastToolCalls) == 0 && strings.TrimSpace(st.lastContent) != "" {
				return true, "model produced text with no pending tool calls"
			}
			return false, ""
		},
	}
}

func hasExplicitMaxSteps(conds []StopCondition) bool {
	for _, c := range conds {
		if c.ID == "max_steps" {
			return true
		}
	}
	return false
}

// applyStop implements spec.md §4.4 step 6: run every declared stop
// condition, in order, each as its own durable step; the first to signal
// stop wins. A default max_steps=10 condition is appended when the
// caller declared none.
func applyStop(ctx *execctx.Context, cfg *Config, st *loopState, n int) (bool, string, error) {
	conds := cfg.StopConditions
	if !hasExplicitMaxSteps(conds) {
		limit := cfg.MaxSteps
		if limit <= 0 {
			limit = 10
		}
		conds = append(conds, MaxSteps(limit))
	}
	for _, cond := range conds {
		stepKey := fmt.Sprintf("agent.step_%d.stop.%s", n, cond.ID)
		stop, reason, err := runStopStep(ctx, cfg, stepKey, st, n, cond)
		if err != nil {
			return false, "", err
		}
		if stop {
			return true, reason, nil
		}
	}
	return false, "", nil
}
