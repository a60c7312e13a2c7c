package pending

import (
	"sync"
	"testing"

	"dmrelay/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(id int64) models.Message {
	return models.Message{ID: id, ReceiverID: 2, Content: "m", Kind: models.KindText}
}

func TestDrainReturnsEnqueueOrder(t *testing.T) {
	q := NewQueue()
	q.Enqueue(2, msg(1))
	q.Enqueue(2, msg(2))
	q.Enqueue(3, msg(3))

	got := q.Drain(2)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].ID)
	assert.Equal(t, int64(2), got[1].ID)

	assert.Empty(t, q.Drain(2))
	assert.Equal(t, 1, q.Len(3))
	assert.Equal(t, 1, q.Total())
}

func TestDrainEmpty(t *testing.T) {
	q := NewQueue()
	assert.Empty(t, q.Drain(42))
	assert.Equal(t, 0, q.Total())
}

func TestEnqueueAfterDrainStartsFreshSequence(t *testing.T) {
	q := NewQueue()
	q.Enqueue(2, msg(1))
	first := q.Drain(2)
	q.Enqueue(2, msg(2))

	require.Len(t, first, 1)
	assert.Equal(t, int64(1), first[0].ID)

	second := q.Drain(2)
	require.Len(t, second, 1)
	assert.Equal(t, int64(2), second[0].ID)
}

// Concurrent producers and drainers must neither lose nor duplicate
// messages, and each producer's messages keep their relative order.
func TestConcurrentEnqueueDrain(t *testing.T) {
	const (
		producers = 8
		perProd   = 200
	)

	q := NewQueue()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		drained []models.Message
	)

	stop := make(chan struct{})
	var drainers sync.WaitGroup
	for d := 0; d < 3; d++ {
		drainers.Add(1)
		go func() {
			defer drainers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				batch := q.Drain(2)
				mu.Lock()
				drained = append(drained, batch...)
				mu.Unlock()
			}
		}()
	}

	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProd; i++ {
				q.Enqueue(2, models.Message{ID: int64(p*perProd + i), SenderID: int64(p)})
			}
		}(p)
	}
	wg.Wait()
	close(stop)
	drainers.Wait()
	drained = append(drained, q.Drain(2)...)

	require.Len(t, drained, producers*perProd)

	seen := make(map[int64]bool)
	for _, m := range drained {
		assert.False(t, seen[m.ID], "duplicate message %d", m.ID)
		seen[m.ID] = true
	}
	assert.Equal(t, 0, q.Total())
}

func TestPerProducerOrderWithinDrain(t *testing.T) {
	q := NewQueue()

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				q.Enqueue(2, models.Message{ID: int64(i), SenderID: int64(p)})
			}
		}(p)
	}
	wg.Wait()

	last := map[int64]int64{0: -1, 1: -1, 2: -1, 3: -1}
	for _, m := range q.Drain(2) {
		assert.Greater(t, m.ID, last[m.SenderID])
		last[m.SenderID] = m.ID
	}
}
