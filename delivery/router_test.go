package delivery

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"dmrelay/apperr"
	"dmrelay/models"
	"dmrelay/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendToOfflineRecipientThenJoin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := newRecorder("alice")

	outs := f.router.Send(ctx, alice, SendInput{SenderID: 1, ReceiverID: 2, Content: "hi", Kind: models.KindText, CorrelationID: "c-1"})

	require.Equal(t, []protocol.EventType{
		protocol.EventMessageRouted,
		protocol.EventMessageDelivered,
	}, eventTypes(outs))
	for _, o := range outs {
		assert.Same(t, alice, o.To)
	}
	received := alice.ofType(protocol.EventMessageReceived)
	require.Len(t, received, 1)
	assert.Equal(t, "c-1", received[0].Data.(protocol.MessageReceived).CorrelationID)
	assert.Equal(t, protocol.RouteQueued, outs[0].Event.Data.(protocol.MessageRouted).Route)
	confirmed := outs[1].Event.Data.(protocol.MessageDelivered)
	assert.Positive(t, confirmed.MessageID)
	assert.Equal(t, "c-1", confirmed.CorrelationID)
	assert.Equal(t, 1, f.queue.Len(2))

	bob := newRecorder("bob")
	joinOuts := f.router.Join(2, bob)

	got := bob.messages()
	require.Len(t, got, 1)
	assert.Equal(t, "hi", got[0].Content)
	assert.Equal(t, confirmed.MessageID, got[0].ID)
	assert.Equal(t, 0, f.queue.Len(2))

	require.Len(t, joinOuts, 1)
	assert.True(t, joinOuts[0].Broadcast)
	change := joinOuts[0].Event.Data.(protocol.PresenceChanged)
	assert.Equal(t, int64(2), change.UserID)
	assert.Equal(t, protocol.StatusOnline, change.Status)
}

func TestQueuedMessagesKeepOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := newRecorder("alice")

	f.router.Send(ctx, alice, SendInput{SenderID: 1, ReceiverID: 2, Content: "m1", Kind: models.KindText})
	f.router.Send(ctx, alice, SendInput{SenderID: 1, ReceiverID: 2, Content: "m2", Kind: models.KindText})

	bob := newRecorder("bob")
	f.router.Join(2, bob)

	got := bob.messages()
	require.Len(t, got, 2)
	assert.Equal(t, "m1", got[0].Content)
	assert.Equal(t, "m2", got[1].Content)
}

func TestSendToOnlineRecipientIsNeverQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := newRecorder("alice"), newRecorder("bob")
	f.router.Join(2, bob)

	outs := f.router.Send(ctx, alice, SendInput{SenderID: 1, ReceiverID: 2, Content: "live", Kind: models.KindText})

	assert.Equal(t, protocol.RouteDeliveredLive, outs[0].Event.Data.(protocol.MessageRouted).Route)
	assert.Equal(t, 0, f.queue.Len(2))
	require.Len(t, bob.messages(), 1)
	assert.Equal(t, "user1", bob.messages()[0].SenderName)
}

func TestSendStorageFailure(t *testing.T) {
	f := newFixture(t)
	f.store.failPersist = true
	alice := newRecorder("alice")

	outs := f.router.Send(context.Background(), alice, SendInput{SenderID: 1, ReceiverID: 2, Content: "lost", Kind: models.KindText, CorrelationID: "c-9"})

	require.Equal(t, []protocol.EventType{protocol.EventError}, eventTypes(outs))
	assert.Len(t, alice.ofType(protocol.EventMessageReceived), 1)
	payload := outs[0].Event.Data.(protocol.ErrorPayload)
	assert.Equal(t, string(apperr.CodeStorage), payload.Code)
	assert.Equal(t, "c-9", payload.CorrelationID)
	assert.Equal(t, 0, f.queue.Total())
}

func TestClosedHandleFallsBackToQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := newRecorder("alice")
	stale := newRecorder("bob-stale")
	f.router.Join(2, stale)
	stale.close()

	outs := f.router.Send(ctx, alice, SendInput{SenderID: 1, ReceiverID: 2, Content: "retry me", Kind: models.KindText})
	assert.Equal(t, protocol.RouteQueued, outs[0].Event.Data.(protocol.MessageRouted).Route)
	assert.Equal(t, 1, f.queue.Len(2))

	fresh := newRecorder("bob-fresh")
	f.router.Join(2, fresh)
	require.Len(t, fresh.messages(), 1)
	assert.Equal(t, "retry me", fresh.messages()[0].Content)
}

func TestDrainInterruptedRequeues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := newRecorder("alice")
	f.router.Send(ctx, alice, SendInput{SenderID: 1, ReceiverID: 2, Content: "a", Kind: models.KindText})
	f.router.Send(ctx, alice, SendInput{SenderID: 1, ReceiverID: 2, Content: "b", Kind: models.KindText})

	dead := newRecorder("dead")
	dead.close()
	f.router.Join(2, dead)
	assert.Equal(t, 2, f.queue.Len(2))

	bob := newRecorder("bob")
	f.router.Join(2, bob)
	got := bob.messages()
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Content)
	assert.Equal(t, "b", got[1].Content)
}

func TestRecoverGapFillThenEmptyDrain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		_, err := f.store.Persist(ctx, 1, 2, fmt.Sprintf("old-%d", i), models.KindText)
		require.NoError(t, err)
	}

	bob := newRecorder("bob")
	f.router.Recover(ctx, 2, 0, bob)

	missed := bob.ofType(protocol.EventMissedMessages)
	require.Len(t, missed, 1)
	batch := missed[0].Data.(protocol.MissedMessages).Messages
	require.Len(t, batch, 3)
	for i, m := range batch {
		assert.Equal(t, int64(i+1), m.ID)
	}
	assert.Empty(t, bob.messages())
	assert.True(t, f.registry.IsOnline(2))
}

func TestRecoverDoesNotDuplicatePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := newRecorder("alice")

	first := f.router.Send(ctx, alice, SendInput{SenderID: 1, ReceiverID: 2, Content: "seen", Kind: models.KindText})
	seenID := first[1].Event.Data.(protocol.MessageDelivered).MessageID
	f.router.Send(ctx, alice, SendInput{SenderID: 1, ReceiverID: 2, Content: "queued-1", Kind: models.KindText})
	f.router.Send(ctx, alice, SendInput{SenderID: 1, ReceiverID: 2, Content: "queued-2", Kind: models.KindText})

	bob := newRecorder("bob")
	f.router.Recover(ctx, 2, seenID, bob)

	missed := bob.ofType(protocol.EventMissedMessages)
	require.Len(t, missed, 1)
	batch := missed[0].Data.(protocol.MissedMessages).Messages
	require.Len(t, batch, 2)
	assert.Equal(t, "queued-1", batch[0].Content)
	assert.Equal(t, "queued-2", batch[1].Content)

	// "seen" was still pending and was not part of the gap-fill
	live := bob.messages()
	require.Len(t, live, 1)
	assert.Equal(t, "seen", live[0].Content)
	assert.Equal(t, 0, f.queue.Total())

	// gap-fill comes first
	bob.mu.Lock()
	assert.Equal(t, protocol.EventMissedMessages, bob.events[0].Type)
	bob.mu.Unlock()
}

// A message stored before the recipient recovers, but routed after, is part
// of the missed batch and must not be pushed again.
func TestRecoverRacingSendDeliversOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg, err := f.store.Persist(ctx, 1, 2, "in flight", models.KindText)
	require.NoError(t, err)

	bob := newRecorder("bob")
	f.router.Recover(ctx, 2, 0, bob)
	route := f.router.route(*msg)

	assert.Equal(t, protocol.RouteDeliveredLive, route)
	assert.Equal(t, 0, f.queue.Len(2))
	batch := bob.ofType(protocol.EventMissedMessages)[0].Data.(protocol.MissedMessages).Messages
	require.Len(t, batch, 1)
	assert.Equal(t, msg.ID, batch[0].ID)
	assert.Empty(t, bob.messages())

	// later messages still go out live
	next, err := f.store.Persist(ctx, 1, 2, "after", models.KindText)
	require.NoError(t, err)
	assert.Equal(t, protocol.RouteDeliveredLive, f.router.route(*next))
	require.Len(t, bob.messages(), 1)
	assert.Equal(t, next.ID, bob.messages()[0].ID)
}

func TestJoinClearsGapFill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg, err := f.store.Persist(ctx, 1, 2, "in flight", models.KindText)
	require.NoError(t, err)

	f.router.Recover(ctx, 2, 0, newRecorder("bob-old"))
	fresh := newRecorder("bob-fresh")
	f.router.Join(2, fresh)

	assert.Equal(t, protocol.RouteDeliveredLive, f.router.route(*msg))
	require.Len(t, fresh.messages(), 1)
	assert.Equal(t, msg.ID, fresh.messages()[0].ID)
}

func TestSlowRecoverQueryDoesNotBlockRouting(t *testing.T) {
	f := newFixture(t)
	f.store.sinceGate = make(chan struct{})
	ctx := context.Background()
	carol := newRecorder("carol")
	f.router.Join(3, carol)

	recovered := make(chan struct{})
	go func() {
		defer close(recovered)
		f.router.Recover(ctx, 2, 0, newRecorder("bob"))
	}()

	sent := make(chan []Outbound, 1)
	go func() {
		sent <- f.router.Send(ctx, newRecorder("alice"), SendInput{SenderID: 1, ReceiverID: 3, Content: "not waiting", Kind: models.KindText})
	}()

	select {
	case outs := <-sent:
		assert.Equal(t, protocol.RouteDeliveredLive, outs[0].Event.Data.(protocol.MessageRouted).Route)
	case <-time.After(5 * time.Second):
		t.Fatal("routing waited on the recover query")
	}
	require.Len(t, carol.messages(), 1)

	close(f.store.sinceGate)
	select {
	case <-recovered:
	case <-time.After(5 * time.Second):
		t.Fatal("recover did not finish")
	}
	assert.True(t, f.registry.IsOnline(2))
}

func TestSendAcksBeforeStoring(t *testing.T) {
	f := newFixture(t)
	f.store.persistGate = make(chan struct{})
	alice := newRecorder("alice")

	done := make(chan []Outbound, 1)
	go func() {
		done <- f.router.Send(context.Background(), alice, SendInput{SenderID: 1, ReceiverID: 2, Content: "slow disk", Kind: models.KindText, CorrelationID: "c-7"})
	}()

	require.Eventually(t, func() bool {
		return len(alice.ofType(protocol.EventMessageReceived)) == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Empty(t, alice.ofType(protocol.EventMessageRouted))
	select {
	case <-done:
		t.Fatal("send finished while storage was blocked")
	default:
	}

	close(f.store.persistGate)
	select {
	case outs := <-done:
		assert.Equal(t, []protocol.EventType{protocol.EventMessageRouted, protocol.EventMessageDelivered}, eventTypes(outs))
	case <-time.After(5 * time.Second):
		t.Fatal("send did not finish")
	}
}

func TestLeaveBroadcastsOffline(t *testing.T) {
	f := newFixture(t)
	bob := newRecorder("bob")
	f.router.Join(2, bob)

	outs := f.router.Leave(2, bob)
	require.Len(t, outs, 1)
	assert.True(t, outs[0].Broadcast)
	assert.Equal(t, protocol.StatusOffline, outs[0].Event.Data.(protocol.PresenceChanged).Status)
	assert.False(t, f.registry.IsOnline(2))

	assert.Empty(t, f.router.Leave(2, bob))
}

func TestLeaveFromReplacedConnection(t *testing.T) {
	f := newFixture(t)
	old, fresh := newRecorder("old"), newRecorder("fresh")
	f.router.Join(2, old)
	f.router.Join(2, fresh)

	assert.Empty(t, f.router.Leave(2, old))
	h, ok := f.registry.HandleOf(2)
	require.True(t, ok)
	assert.Equal(t, "fresh", h.ID())
}

func TestMarkReadForwardsToOnlineSender(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := newRecorder("alice")
	f.router.Join(1, alice)

	outs := f.router.Send(ctx, alice, SendInput{SenderID: 1, ReceiverID: 2, Content: "read me", Kind: models.KindText})
	id := outs[1].Event.Data.(protocol.MessageDelivered).MessageID

	readOuts, err := f.router.MarkRead(ctx, id, 2)
	require.NoError(t, err)
	require.Len(t, readOuts, 1)
	assert.Same(t, alice, readOuts[0].To)
	status := readOuts[0].Event.Data.(protocol.ReadStatus)
	assert.Equal(t, id, status.MessageID)
	assert.Equal(t, int64(2), status.ReaderID)

	f.router.Leave(1, alice)
	readOuts, err = f.router.MarkRead(ctx, id, 2)
	require.NoError(t, err)
	assert.Empty(t, readOuts)
}

func TestMarkReadUnknownMessage(t *testing.T) {
	f := newFixture(t)

	outs, err := f.router.MarkRead(context.Background(), 404, 2)
	assert.Empty(t, outs)
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestDeliverBroadcast(t *testing.T) {
	f := newFixture(t)
	alice, bob := newRecorder("alice"), newRecorder("bob")
	f.router.Deliver(f.router.Join(1, alice))
	f.router.Deliver(f.router.Join(2, bob))

	// alice saw both joins, bob only the second
	assert.Len(t, alice.ofType(protocol.EventPresenceChanged), 2)
	assert.Len(t, bob.ofType(protocol.EventPresenceChanged), 1)
}

// Sends race with the recipient joining and leaving; every message must end
// up delivered exactly once.
func TestConcurrentSendsAndPresenceChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const senders, perSender = 4, 50

	var (
		mu       sync.Mutex
		handles  []*recorder
		wg       sync.WaitGroup
		stopFlip = make(chan struct{})
		flipped  = make(chan struct{})
	)

	go func() {
		defer close(flipped)
		for i := 0; ; i++ {
			select {
			case <-stopFlip:
				return
			default:
			}
			h := newRecorder(fmt.Sprintf("bob-%d", i))
			mu.Lock()
			handles = append(handles, h)
			mu.Unlock()
			f.router.Join(2, h)
			f.router.Leave(2, h)
		}
	}()

	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			from := newRecorder(fmt.Sprintf("sender-%d", s))
			for i := 0; i < perSender; i++ {
				f.router.Send(ctx, from, SendInput{SenderID: 1, ReceiverID: 2, Content: fmt.Sprintf("%d-%d", s, i), Kind: models.KindText})
			}
		}(s)
	}
	wg.Wait()
	close(stopFlip)
	<-flipped

	final := newRecorder("bob-final")
	f.router.Join(2, final)
	handles = append(handles, final)

	seen := make(map[int64]int)
	for _, h := range handles {
		for _, m := range h.messages() {
			seen[m.ID]++
		}
	}
	assert.Len(t, seen, senders*perSender)
	for id, n := range seen {
		assert.Equal(t, 1, n, "message %d delivered %d times", id, n)
	}
	assert.Equal(t, 0, f.queue.Total())
}
