package route

import (
	"time"

	"github.com/google/uuid"

	"github.com/HeKunYang1996/netsrv/record"
)

// Batch is an ordered group of records assembled for one rule's delivery.
// A batch is created by the router, consumed exactly once by the dispatch
// scheduler, and destroyed after a terminal outcome. Adapters must not
// merge or reorder records within a retried batch.
type Batch struct {
	ID         string
	Rule       *Rule
	Generation uint64
	Records    []*record.Record
	CreatedAt  time.Time

	// Oversized marks the single-record edge case where one record alone
	// exceeds the rule's MaxBytes. The batch is passed through unsplit;
	// adapters either fragment it or reject it as a permanent failure.
	Oversized bool
}

// NewBatch creates an empty batch for a rule under a specific generation
func NewBatch(rule *Rule, generation uint64) *Batch {
	return &Batch{
		ID:         uuid.New().String(),
		Rule:       rule,
		Generation: generation,
		CreatedAt:  time.Now(),
	}
}

// Append adds a record, preserving arrival order
func (b *Batch) Append(r *record.Record) {
	b.Records = append(b.Records, r)
}

// Len returns the record count
func (b *Batch) Len() int {
	return len(b.Records)
}

// Size returns the summed estimated serialized size of all records
func (b *Batch) Size() int {
	total := 0
	for _, r := range b.Records {
		total += r.Size()
	}
	return total
}
