package stageerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassString(t *testing.T) {
	assert.Equal(t, "validation", ClassValidation.String())
	assert.Equal(t, "transient", ClassTransient.String())
	assert.Equal(t, "fatal", ClassFatal.String())
	assert.Equal(t, "unknown", Class(42).String())
}

func TestErrorFormatting(t *testing.T) {
	wrapped := Fatal("execute", errors.New("exit code 1"))
	assert.Equal(t, "execute stage error (fatal): exit code 1", wrapped.Error())

	plain := Fatalf("select", "no command matches %q", "deploy everything")
	assert.Equal(t, `select stage error (fatal): no command matches "deploy everything"`, plain.Error())
}

func TestUnwrapPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Transient("execute", fmt.Errorf("clone failed: %w", cause))
	assert.ErrorIs(t, err, cause)
	assert.Nil(t, Fatalf("select", "no match").Unwrap())
}

func TestClassOf(t *testing.T) {
	assert.Equal(t, ClassValidation, ClassOf(Validation("results", errors.New("bad change type"))))
	assert.Equal(t, ClassFatal, ClassOf(Fatal("execute", errors.New("timeout"))))
	assert.Equal(t, ClassTransient, ClassOf(Transient("execute", errors.New("rate limited"))))

	// Classification survives wrapping.
	wrapped := fmt.Errorf("stage handler: %w", Fatal("execute", errors.New("timeout")))
	assert.Equal(t, ClassFatal, ClassOf(wrapped))

	// Unclassified errors get the retry budget rather than a hard fail.
	assert.Equal(t, ClassTransient, ClassOf(errors.New("database is locked")))
}

func TestRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Transient("execute", errors.New("blip"))))
	assert.True(t, IsRetryable(errors.New("unclassified")))
	assert.False(t, IsRetryable(Fatal("execute", errors.New("boom"))))
	assert.False(t, IsRetryable(Validation("select", errors.New("bad event"))))

	assert.True(t, Transient("execute", errors.New("blip")).Retryable())
	assert.False(t, Fatalf("select", "no match").Retryable())
}

func TestStageOf(t *testing.T) {
	assert.Equal(t, "results", StageOf(Validation("results", errors.New("bad"))))
	assert.Equal(t, "execute", StageOf(fmt.Errorf("wrapped: %w", Fatal("execute", errors.New("boom")))))
	assert.Empty(t, StageOf(errors.New("plain")))
}
