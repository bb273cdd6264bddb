package archive

import (
	"github.com/stretchr/testify/assert"
	"testing"
)

func TestSortBatch(t *testing.T) {
	items := []BatchItem{
		{MessageId: 14, Filename: "b.mkv"},
		{MessageId: 11},
		{MessageId: 12, Filename: "A.mkv"},
		{MessageId: 10},
		{MessageId: 13, Filename: "a.mkv"},
	}

	assert.Equal(t, []int64{10, 11, 12, 13, 14}, SortBatch(items, false))
	assert.Equal(t, []int64{12, 13, 14, 10, 11}, SortBatch(items, true))
	assert.Equal(t, int64(14), items[0].MessageId, "input is left untouched")
	assert.Empty(t, SortBatch(nil, true))
}

func TestSortBatchBySource(t *testing.T) {
	items := []BatchItem{
		{SourceId: 52, MessageId: 1001, Filename: "x.pdf"},
		{SourceId: 50, MessageId: 1002},
		{SourceId: 51, MessageId: 1003, Filename: "x.pdf"},
	}

	assert.Equal(t, []int64{1002, 1003, 1001}, SortBatch(items, false))
	assert.Equal(t, []int64{1003, 1001, 1002}, SortBatch(items, true))
}

func TestMemoryBatches(t *testing.T) {
	batches := NewMemoryBatches()

	_, ok := batches.Append(1, BatchItem{MessageId: 1})
	assert.False(t, ok)
	assert.False(t, batches.Active(1))

	batches.Start(1)
	assert.True(t, batches.Active(1))
	assert.False(t, batches.Active(2))

	size, ok := batches.Append(1, BatchItem{MessageId: 1})
	assert.True(t, ok)
	assert.Equal(t, 1, size)
	size, _ = batches.Append(1, BatchItem{MessageId: 2})
	assert.Equal(t, 2, size)

	batches.Start(1)
	items, ok := batches.Take(1)
	assert.True(t, ok)
	assert.Empty(t, items, "start drops the previous contents")

	_, ok = batches.Take(1)
	assert.False(t, ok)
}
