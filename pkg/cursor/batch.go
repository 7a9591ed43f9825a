package cursor

import "encoding/json"

// BatchBuilder accumulates serialized records under a maximum item count and
// a maximum accumulated byte size. The very first record is always admitted,
// even when it alone exceeds either budget, so every batch makes progress.
type BatchBuilder struct {
	maxItems int64
	maxBytes int
	items    []json.RawMessage
	bytes    int
}

// NewBatchBuilder returns an empty builder with the given budgets.
func NewBatchBuilder(maxItems int64, maxBytes int) *BatchBuilder {
	return &BatchBuilder{
		maxItems: maxItems,
		maxBytes: maxBytes,
	}
}

// TryAdd appends doc to the batch and reports whether it was admitted. On
// rejection the doc is left unconsumed for the caller to redeliver later.
func (b *BatchBuilder) TryAdd(doc json.RawMessage) bool {
	if len(b.items) > 0 {
		if int64(len(b.items)) >= b.maxItems {
			return false
		}
		if b.bytes+len(doc) > b.maxBytes {
			return false
		}
	}

	b.items = append(b.items, doc)
	b.bytes += len(doc)
	return true
}

// Items returns the admitted documents in insertion order.
func (b *BatchBuilder) Items() []json.RawMessage {
	if b.items == nil {
		return []json.RawMessage{}
	}
	return b.items
}

// Len is the number of admitted documents.
func (b *BatchBuilder) Len() int {
	return len(b.items)
}

// Bytes is the accumulated serialized size of the admitted documents.
func (b *BatchBuilder) Bytes() int {
	return b.bytes
}
