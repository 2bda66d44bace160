package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateCanTransitionTo(t *testing.T) {
	forward := []State{
		StateReceived, StateProcessing, StateDispatching,
		StateExecuting, StateProcessingResults, StateCompleted,
	}

	t.Run("ForwardOneStep", func(t *testing.T) {
		for i := 0; i < len(forward)-1; i++ {
			assert.True(t, forward[i].CanTransitionTo(forward[i+1]),
				"%s -> %s should be legal", forward[i], forward[i+1])
		}
	})

	t.Run("NoSkipping", func(t *testing.T) {
		for i := 0; i < len(forward); i++ {
			for j := 0; j < len(forward); j++ {
				if j == i+1 {
					continue
				}
				assert.False(t, forward[i].CanTransitionTo(forward[j]),
					"%s -> %s should be illegal", forward[i], forward[j])
			}
		}
	})

	t.Run("FailedFromAnyNonTerminal", func(t *testing.T) {
		for _, s := range forward[:len(forward)-1] {
			assert.True(t, s.CanTransitionTo(StateFailed), "%s -> FAILED should be legal", s)
		}
	})

	t.Run("TerminalStatesAbsorb", func(t *testing.T) {
		for _, s := range forward {
			assert.False(t, StateCompleted.CanTransitionTo(s))
			assert.False(t, StateFailed.CanTransitionTo(s))
		}
		assert.False(t, StateCompleted.CanTransitionTo(StateFailed))
		assert.False(t, StateFailed.CanTransitionTo(StateFailed))
	})
}

func TestStateIsValid(t *testing.T) {
	assert.True(t, StateReceived.IsValid())
	assert.True(t, StateFailed.IsValid())
	assert.False(t, State("RUNNING").IsValid())
	assert.False(t, State("").IsValid())
}

func TestPipelineClone(t *testing.T) {
	p := &Pipeline{
		ID:       "p1",
		State:    StateProcessing,
		Metadata: map[string]string{"commandName": "refactor"},
		Version:  3,
	}

	dup := p.Clone()
	dup.Metadata["commandName"] = "other"
	dup.State = StateFailed

	assert.Equal(t, "refactor", p.Metadata["commandName"])
	assert.Equal(t, StateProcessing, p.State)
}
