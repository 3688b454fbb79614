package domain

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindNone, KindOf(nil))
	assert.Equal(t, KindExecutionFailed, KindOf(errors.New("plain")))

	err := errors.Wrap(Errorf(KindPathEscape, "up and out"), "resolve")
	assert.Equal(t, KindPathEscape, KindOf(err))
	assert.True(t, KindOf(err).Security())
	assert.False(t, KindMissingField.Security())
}

func TestOutcomeStatus(t *testing.T) {
	ok := Outcome{}
	failed := Outcome{Err: Errorf(KindMissingField, "x")}

	assert.Equal(t, Succeeded, ok.Status(true))
	assert.Equal(t, FailedPerm, failed.Status(false))
	assert.Equal(t, DeadLettered, failed.Status(true))
	assert.Equal(t, "ack", Ack.String())
	assert.Equal(t, "nack", NackNoRequeue.String())
}
