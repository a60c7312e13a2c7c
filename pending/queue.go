// Package pending buffers messages for recipients that are offline.
package pending

import (
	"sync"

	"dmrelay/models"
)

// Queue holds one ordered sequence per recipient. Sequences are only ever
// appended to or drained whole; callers never see them otherwise.
// There is no size cap.
type Queue struct {
	mu    sync.Mutex
	seqs  map[int64][]models.Message
	total int
}

func NewQueue() *Queue {
	return &Queue{seqs: make(map[int64][]models.Message)}
}

// Enqueue appends msg to the recipient's sequence.
func (q *Queue) Enqueue(recipientID int64, msg models.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seqs[recipientID] = append(q.seqs[recipientID], msg)
	q.total++
}

// Drain removes and returns the recipient's whole sequence in enqueue order.
// Messages enqueued afterwards start a new sequence.
func (q *Queue) Drain(recipientID int64) []models.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	seq, ok := q.seqs[recipientID]
	if !ok {
		return nil
	}
	delete(q.seqs, recipientID)
	q.total -= len(seq)
	return seq
}

// Len returns how many messages wait for the recipient.
func (q *Queue) Len(recipientID int64) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.seqs[recipientID])
}

// Total returns how many messages wait across all recipients.
func (q *Queue) Total() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.total
}
