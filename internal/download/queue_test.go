package download

import (
	"container/heap"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskQueue_Ordering(t *testing.T) {
	var q taskQueue
	push := func(ref string, p Priority, seq uint64) *task {
		tk := &task{Task: Task{RemoteRef: ref, Priority: p}, seq: seq}
		heap.Push(&q, tk)
		return tk
	}

	push("low-1", Low, 1)
	push("high-1", High, 2)
	mid := push("medium-1", Medium, 3)
	push("high-2", High, 4)
	push("low-2", Low, 5)

	heap.Remove(&q, mid.index)
	assert.Equal(t, -1, mid.index)

	var got []string
	for q.Len() > 0 {
		got = append(got, heap.Pop(&q).(*task).RemoteRef)
	}
	assert.Equal(t, []string{"high-1", "high-2", "low-1", "low-2"}, got)
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("HIGH")
	assert.NoError(t, err)
	assert.Equal(t, High, p)

	_, err = ParsePriority("urgent")
	assert.Error(t, err)
}
