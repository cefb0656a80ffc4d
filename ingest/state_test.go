package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		decoded   DecodeOutcome
		persisted PersistOutcome
		empty     EmptyPolicy
		want      State
	}{
		{DecodeUnusable, PersistSkipped, EmptyAccept, StateDeadLettered},
		{DecodeUnusable, PersistSkipped, EmptyDeadLetter, StateDeadLettered},
		{DecodeFailed, PersistSkipped, EmptyAccept, StateRetry},
		{DecodeUsable, PersistOK, EmptyAccept, StateAccepted},
		{DecodeUsable, PersistFailed, EmptyAccept, StateRetry},
		{DecodeUsable, PersistSkipped, EmptyAccept, StateRetry},
		{DecodeEmpty, PersistSkipped, EmptyAccept, StateAccepted},
		{DecodeEmpty, PersistSkipped, "", StateAccepted},
		{DecodeEmpty, PersistSkipped, EmptyDeadLetter, StateDeadLettered},
	}

	for _, tt := range tests {
		name := tt.decoded.String() + "/" + tt.persisted.String() + "/" + string(tt.empty)
		t.Run(name, func(t *testing.T) {
			got := Classify(tt.decoded, tt.persisted, tt.empty)
			assert.Equal(t, tt.want, got)
			assert.True(t, got.Terminal())
		})
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "RECEIVED", StateReceived.String())
	assert.Equal(t, "VALIDATING", StateValidating.String())
	assert.Equal(t, "ACCEPTED", StateAccepted.String())
	assert.Equal(t, "DEAD_LETTERED", StateDeadLettered.String())
	assert.Equal(t, "RETRY", StateRetry.String())
	assert.Equal(t, "State(42)", State(42).String())
	assert.False(t, StateValidating.Terminal())
}

func TestEmptyPolicy_Validate(t *testing.T) {
	assert.NoError(t, EmptyPolicy("").Validate())
	assert.NoError(t, EmptyAccept.Validate())
	assert.NoError(t, EmptyDeadLetter.Validate())
	assert.Error(t, EmptyPolicy("drop").Validate())
}
