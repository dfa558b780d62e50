package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskQueueDedup(t *testing.T) {
	q := NewTaskQueue(8)

	assert.True(t, q.Enqueue(Task{StrategyID: 1}))
	assert.False(t, q.Enqueue(Task{StrategyID: 1}), "same strategy must not queue twice")
	assert.True(t, q.Enqueue(Task{StrategyID: 2}))
	assert.Equal(t, 2, q.Len())

	task := <-q.C()
	assert.Equal(t, int64(1), task.StrategyID)
	// Still in flight until Done, so a re-enqueue is dropped.
	assert.False(t, q.Enqueue(Task{StrategyID: 1}))

	q.Done(1)
	assert.True(t, q.Enqueue(Task{StrategyID: 1}))
}

func TestTaskQueueFull(t *testing.T) {
	q := NewTaskQueue(2)

	assert.True(t, q.Enqueue(Task{StrategyID: 1}))
	assert.True(t, q.Enqueue(Task{StrategyID: 2}))
	assert.False(t, q.Enqueue(Task{StrategyID: 3}), "queue is bounded")

	<-q.C()
	q.Done(1)
	assert.True(t, q.Enqueue(Task{StrategyID: 3}))
}
