package hub

import (
	"sync"
	"time"

	"github.com/agentgrid/a2ahub/internal/types"
)

// receiptMaxAge is how long delivery receipts are kept before the cleanup
// task discards them.
const receiptMaxAge = time.Hour

// receiptLog retains recent delivery receipts, sharded by message id so
// writers for different messages never contend.
type receiptLog struct {
	shards [16]receiptShard
}

type receiptShard struct {
	mu      sync.Mutex
	entries map[string][]timedReceipt
}

type timedReceipt struct {
	receipt types.Receipt
	stored  time.Time
}

func newReceiptLog() *receiptLog {
	rl := &receiptLog{}
	for i := range rl.shards {
		rl.shards[i].entries = make(map[string][]timedReceipt)
	}
	return rl
}

func (rl *receiptLog) shard(messageID string) *receiptShard {
	var h uint32
	for i := 0; i < len(messageID); i++ {
		h = h*31 + uint32(messageID[i])
	}
	return &rl.shards[h%uint32(len(rl.shards))]
}

// Record stores receipts under their message id.
func (rl *receiptLog) Record(receipts []types.Receipt) {
	now := time.Now()
	for _, r := range receipts {
		s := rl.shard(r.MessageID)
		s.mu.Lock()
		s.entries[r.MessageID] = append(s.entries[r.MessageID], timedReceipt{receipt: r, stored: now})
		s.mu.Unlock()
	}
}

// Get returns all receipts recorded for a message id.
func (rl *receiptLog) Get(messageID string) []types.Receipt {
	s := rl.shard(messageID)
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.entries[messageID]
	out := make([]types.Receipt, len(stored))
	for i, tr := range stored {
		out[i] = tr.receipt
	}
	return out
}

// Len counts retained receipts.
func (rl *receiptLog) Len() int {
	n := 0
	for i := range rl.shards {
		s := &rl.shards[i]
		s.mu.Lock()
		for _, trs := range s.entries {
			n += len(trs)
		}
		s.mu.Unlock()
	}
	return n
}

// Expire drops receipts stored before the cutoff and returns how many were
// removed.
func (rl *receiptLog) Expire(cutoff time.Time) int {
	removed := 0
	for i := range rl.shards {
		s := &rl.shards[i]
		s.mu.Lock()
		for id, trs := range s.entries {
			keep := trs[:0]
			for _, tr := range trs {
				if tr.stored.After(cutoff) {
					keep = append(keep, tr)
				}
			}
			removed += len(trs) - len(keep)
			if len(keep) == 0 {
				delete(s.entries, id)
			} else {
				s.entries[id] = keep
			}
		}
		s.mu.Unlock()
	}
	return removed
}
