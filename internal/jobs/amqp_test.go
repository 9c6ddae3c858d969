package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueArgsEnablePriorityOrdering(t *testing.T) {
	args := queueArgs()
	require.Contains(t, args, "x-max-priority")
	assert.Equal(t, int32(maxPriority), args["x-max-priority"])
}

func TestClampPriority(t *testing.T) {
	assert.Equal(t, uint8(0), clampPriority(-3))
	assert.Equal(t, uint8(0), clampPriority(0))
	assert.Equal(t, uint8(5), clampPriority(5))
	assert.Equal(t, uint8(maxPriority), clampPriority(maxPriority))
	assert.Equal(t, uint8(maxPriority), clampPriority(250))
}
