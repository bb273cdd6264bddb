package archive

import (
	"cmp"
	"slices"
	"strings"
	"sync"
)

// BatchItem is one file already forwarded to the archive channel while a batch is open.
type BatchItem struct {
	// SourceId is the operator's own message id, it keeps the order the files were sent in.
	SourceId  int64
	MessageId int64
	Filename  string
}

// Batches collects the files of an operator between /batch and /done. Contents are not
// persisted, an open batch is lost on restart.
type Batches interface {
	Start(operatorId int64)
	Active(operatorId int64) bool
	Append(operatorId int64, item BatchItem) (int, bool)
	Take(operatorId int64) ([]BatchItem, bool)
}

// memoryBatches is keyed by operator, several admins may collect at once.
type memoryBatches struct {
	mu   sync.Mutex
	open map[int64][]BatchItem
}

func NewMemoryBatches() Batches {
	return &memoryBatches{open: make(map[int64][]BatchItem)}
}

// Start opens an empty batch, dropping whatever the operator collected before.
func (b *memoryBatches) Start(operatorId int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open[operatorId] = make([]BatchItem, 0)
}

func (b *memoryBatches) Active(operatorId int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.open[operatorId]
	return ok
}

// Append adds item to the open batch and returns the new batch size.
func (b *memoryBatches) Append(operatorId int64, item BatchItem) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	items, ok := b.open[operatorId]
	if !ok {
		return 0, false
	}
	b.open[operatorId] = append(items, item)
	return len(items) + 1, true
}

func (b *memoryBatches) Take(operatorId int64) ([]BatchItem, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	items, ok := b.open[operatorId]
	delete(b.open, operatorId)
	return items, ok
}

// SortBatch orders items by the operator's message id, or by filename when byName is set.
// Items without a filename go after the named ones, ties are broken by id.
func SortBatch(items []BatchItem, byName bool) []int64 {
	sorted := slices.Clone(items)
	slices.SortStableFunc(sorted, func(left, right BatchItem) int {
		if byName {
			switch {
			case left.Filename == "" && right.Filename != "":
				return 1
			case left.Filename != "" && right.Filename == "":
				return -1
			}
			if c := strings.Compare(strings.ToLower(left.Filename), strings.ToLower(right.Filename)); c != 0 {
				return c
			}
		}
		if c := cmp.Compare(left.SourceId, right.SourceId); c != 0 {
			return c
		}
		return cmp.Compare(left.MessageId, right.MessageId)
	})

	ids := make([]int64, len(sorted))
	for i, item := range sorted {
		ids[i] = item.MessageId
	}
	return ids
}
