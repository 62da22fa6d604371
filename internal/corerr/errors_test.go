package corerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCoreErrorWrapping(t *testing.T) {
	base := errors.New("connection refused")
	err := Wrap(KindTransport, "tool host unreachable", base)

	assert.True(t, Is(err, KindTransport))
	assert.False(t, Is(err, KindFatal))
	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestCoreErrorWithoutCause(t *testing.T) {
	err := New(KindInvariant, "cycle detected")
	assert.Equal(t, "invariant: cycle detected", err.Error())
	assert.Nil(t, err.Unwrap())
}

func TestIsRejectsPlainErrors(t *testing.T) {
	assert.False(t, Is(errors.New("plain"), KindBudget))
}
