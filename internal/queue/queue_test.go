package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_EmptyQueue(t *testing.T) {
	q := New(16)

	assert.True(t, q.IsEmpty())
	assert.False(t, q.IsFull())
	assert.Equal(t, 0, q.Size())
	assert.Equal(t, 16, q.RemainingSpace())
	assert.Equal(t, 0, q.Count())
}

func TestPush_EmptyIsNoop(t *testing.T) {
	q := New(16)
	assert.True(t, q.Push(nil))
	assert.True(t, q.Push([]byte{}))
	assert.True(t, q.IsEmpty())
}

func TestPush_RejectsOverCapacity(t *testing.T) {
	q := New(4)
	assert.False(t, q.Push([]byte("hello")))
	assert.True(t, q.IsEmpty())
}

func TestPush_FillsToCapacity(t *testing.T) {
	q := New(4)
	require.True(t, q.Push([]byte("abcd")))
	assert.True(t, q.IsFull())
	assert.Equal(t, 0, q.RemainingSpace())
	assert.False(t, q.Push([]byte("e")))
}

func TestGetBlock_SingleChunk(t *testing.T) {
	q := New(16)
	require.True(t, q.Push([]byte("hello")))

	block := q.GetBlock(0)
	assert.Equal(t, []byte("hello"), block.Data)
	assert.False(t, block.More)
}

func TestGetBlock_TruncatedReportsMore(t *testing.T) {
	q := New(16)
	require.True(t, q.Push([]byte("hello")))

	block := q.GetBlock(3)
	assert.Equal(t, []byte("hel"), block.Data)
	assert.True(t, block.More)
}

func TestGetBlock_MultipleChunksReportsMore(t *testing.T) {
	q := New(16)
	require.True(t, q.Push([]byte("ab")))
	require.True(t, q.Push([]byte("cd")))

	block := q.GetBlock(0)
	assert.Equal(t, []byte("ab"), block.Data)
	assert.True(t, block.More)
}

func TestGetBlock_EmptyQueue(t *testing.T) {
	q := New(16)
	block := q.GetBlock(0)
	assert.Nil(t, block.Data)
	assert.False(t, block.More)
}

func TestAdvance_WithinChunk(t *testing.T) {
	q := New(16)
	require.True(t, q.Push([]byte("hello")))

	require.True(t, q.Advance(2))
	assert.Equal(t, 3, q.Size())

	block := q.GetBlock(0)
	assert.Equal(t, []byte("llo"), block.Data)
}

func TestAdvance_PastChunkFails(t *testing.T) {
	q := New(16)
	require.True(t, q.Push([]byte("hi")))

	assert.False(t, q.Advance(10))
	assert.Equal(t, 2, q.Size())
}

func TestAdvance_CrossesChunkBoundary(t *testing.T) {
	q := New(16)
	require.True(t, q.Push([]byte("ab")))
	require.True(t, q.Push([]byte("cd")))

	require.True(t, q.Advance(2))
	assert.Equal(t, 1, q.Count())
	assert.Equal(t, 2, q.Size())

	block := q.GetBlock(0)
	assert.Equal(t, []byte("cd"), block.Data)
	assert.False(t, block.More)
}

func TestAdvance_EmptyQueueFails(t *testing.T) {
	q := New(16)
	assert.False(t, q.Advance(1))
}

func TestPop_ReturnsHeadChunk(t *testing.T) {
	q := New(16)
	require.True(t, q.Push([]byte("ab")))
	require.True(t, q.Push([]byte("cd")))

	assert.Equal(t, []byte("ab"), q.Pop())
	assert.Equal(t, 2, q.Size())
	assert.Equal(t, 1, q.Count())

	assert.Equal(t, []byte("cd"), q.Pop())
	assert.True(t, q.IsEmpty())

	assert.Nil(t, q.Pop())
}

func TestPop_RespectsPriorAdvance(t *testing.T) {
	q := New(16)
	require.True(t, q.Push([]byte("hello")))
	require.True(t, q.Advance(2))

	assert.Equal(t, []byte("llo"), q.Pop())
}

func TestClear(t *testing.T) {
	q := New(16)
	require.True(t, q.Push([]byte("abcd")))

	q.Clear()
	assert.True(t, q.IsEmpty())
	assert.Equal(t, 0, q.Count())
	assert.Equal(t, 16, q.RemainingSpace())
}

func TestRemainingSpace_AllowsChunkUpToLimit(t *testing.T) {
	q := New(10)
	require.True(t, q.Push([]byte("abcde")))
	assert.Equal(t, 5, q.RemainingSpace())
	require.True(t, q.Push([]byte("fghij")))
	assert.True(t, q.IsFull())
}
