package credentials

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueueDrainReleasesInArrivalOrder(t *testing.T) {
	var q Queue
	calls := []*QueuedCall{q.Enqueue(), q.Enqueue(), q.Enqueue()}
	assert.Equal(t, 3, q.Len())

	assert.Equal(t, 3, q.Drain(nil))
	assert.Equal(t, 0, q.Len())
	for _, c := range calls {
		assert.NoError(t, <-c.Done())
	}
}

func TestQueueDrainWithError(t *testing.T) {
	var q Queue
	c := q.Enqueue()
	failure := errors.New("refresh failed")

	q.Drain(failure)
	assert.Same(t, failure, <-c.Done())
	assert.Equal(t, 0, q.Drain(nil))
}
