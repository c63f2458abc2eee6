package interrupt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckReflectsFlag(t *testing.T) {
	Reset()
	assert.False(t, Interrupted())
	assert.NoError(t, Check())

	interrupted.Store(true)
	assert.True(t, Interrupted())
	assert.ErrorIs(t, Check(), ErrInterrupted)

	Reset()
	assert.NoError(t, Check())
}
