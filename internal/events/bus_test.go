package events

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func progress(fileID string, pct int) Event {
	return Event{FileID: fileID, Status: "parsing", Percent: pct}
}

func terminal(fileID, status string) Event {
	return Event{FileID: fileID, Status: status, Percent: 100, Terminal: true}
}

// drain reads until the channel closes.
func drain(s *Subscription) []Event {
	var out []Event
	for ev := range s.C() {
		out = append(out, ev)
	}
	return out
}

func seqs(evs []Event) []uint64 {
	out := make([]uint64, len(evs))
	for i, ev := range evs {
		out[i] = ev.Seq
	}
	return out
}

func TestPublish_AssignsPerFileSequence(t *testing.T) {
	bus := NewBus(Options{})

	a1, err := bus.Publish(progress("a", 1))
	require.NoError(t, err)
	a2, _ := bus.Publish(progress("a", 2))
	b1, _ := bus.Publish(progress("b", 1))

	assert.Equal(t, uint64(1), a1.Seq)
	assert.Equal(t, uint64(2), a2.Seq)
	assert.Equal(t, uint64(1), b1.Seq, "sequences are independent per file")
}

func TestSubscribe_SnapshotThenLiveInOrder(t *testing.T) {
	bus := NewBus(Options{Buffer: 8})
	_, _ = bus.Publish(progress("f", 10))

	sub := bus.Subscribe("f", 0, progress("f", 10))
	for pct := 20; pct <= 40; pct += 10 {
		_, _ = bus.Publish(progress("f", pct))
	}
	_, _ = bus.Publish(terminal("f", KindParsed))

	got := drain(sub)
	require.Len(t, got, 5)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, seqs(got))
	assert.Equal(t, 10, got[0].Percent)
	assert.Equal(t, KindProgress, got[0].Kind())
	assert.Equal(t, KindParsed, got[4].Kind())
	assert.NoError(t, sub.Err())
}

func TestSubscribe_AfterTerminalYieldsOneEvent(t *testing.T) {
	bus := NewBus(Options{})
	_, _ = bus.Publish(progress("f", 50))
	_, _ = bus.Publish(terminal("f", KindFailed))

	sub := bus.Subscribe("f", 0, progress("f", 0))
	got := drain(sub)

	require.Len(t, got, 1)
	assert.True(t, got[0].Terminal)
	assert.Equal(t, KindFailed, got[0].Status)
	assert.Equal(t, 0, bus.Subscribers("f"))
}

func TestSubscribe_LastEventIDReplay(t *testing.T) {
	bus := NewBus(Options{})
	for pct := 1; pct <= 5; pct++ {
		_, _ = bus.Publish(progress("f", pct))
	}

	sub := bus.Subscribe("f", 3, progress("f", 5))
	defer sub.Close()

	require.Len(t, sub.C(), 2)
	assert.Equal(t, uint64(4), (<-sub.C()).Seq)
	assert.Equal(t, uint64(5), (<-sub.C()).Seq)
}

func TestSubscribe_ReplayUpToDateSendsNothing(t *testing.T) {
	bus := NewBus(Options{})
	_, _ = bus.Publish(progress("f", 1))

	sub := bus.Subscribe("f", 1, progress("f", 1))
	defer sub.Close()

	assert.Empty(t, sub.C())
}

func TestSubscribe_ReplayBeyondLogFallsBackToSnapshot(t *testing.T) {
	bus := NewBus(Options{LogSize: 3})
	for pct := 1; pct <= 6; pct++ {
		_, _ = bus.Publish(progress("f", pct))
	}

	sub := bus.Subscribe("f", 1, progress("f", 6))
	defer sub.Close()

	require.Len(t, sub.C(), 1)
	ev := <-sub.C()
	assert.Equal(t, uint64(6), ev.Seq)
	assert.Equal(t, 6, ev.Percent)
}

func TestSubscribe_AfterTerminalWithReplay(t *testing.T) {
	bus := NewBus(Options{})
	_, _ = bus.Publish(progress("f", 1))
	_, _ = bus.Publish(progress("f", 2))
	_, _ = bus.Publish(terminal("f", KindDeleted))

	got := drain(bus.Subscribe("f", 1, Event{}))
	assert.Equal(t, []uint64{2, 3}, seqs(got))

	assert.Empty(t, drain(bus.Subscribe("f", 3, Event{})), "already saw the terminal event")
}

func TestPublish_AfterTerminalRejected(t *testing.T) {
	bus := NewBus(Options{})
	_, err := bus.Publish(terminal("f", KindParsed))
	require.NoError(t, err)

	_, err = bus.Publish(progress("f", 99))
	assert.ErrorIs(t, err, ErrTopicClosed)
	assert.Len(t, bus.Replay("f", 0), 1)
}

func TestPublish_TerminalSupersedesTerminal(t *testing.T) {
	bus := NewBus(Options{})
	_, _ = bus.Publish(progress("f", 60))
	_, err := bus.Publish(terminal("f", KindParsed))
	require.NoError(t, err)

	ev, err := bus.Publish(terminal("f", KindDeleted))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), ev.Seq)

	got := drain(bus.Subscribe("f", 0, Event{}))
	require.Len(t, got, 1)
	assert.Equal(t, KindDeleted, got[0].Status)
}

func TestSubscribe_TerminalSnapshotClosesFreshTopic(t *testing.T) {
	bus := NewBus(Options{})

	got := drain(bus.Subscribe("restored", 0, terminal("", KindFailed)))
	require.Len(t, got, 1)
	assert.Equal(t, "restored", got[0].FileID)
	assert.Equal(t, uint64(1), got[0].Seq)
	assert.Equal(t, 0, bus.Subscribers("restored"))

	_, err := bus.Publish(progress("restored", 10))
	assert.ErrorIs(t, err, ErrTopicClosed)
}

// =============================================================================
// Backpressure
// =============================================================================

func TestBackpressure_CoalesceKeepsNewest(t *testing.T) {
	bus := NewBus(Options{Buffer: 2, Policy: PolicyCoalesce})
	sub := bus.Subscribe("f", 0, progress("f", 0))
	defer sub.Close()

	for pct := 1; pct <= 5; pct++ {
		_, err := bus.Publish(progress("f", pct))
		require.NoError(t, err)
	}

	got := []Event{<-sub.C(), <-sub.C(), <-sub.C()}
	assert.Equal(t, []uint64{3, 4, 5}, seqs(got))
	assert.Equal(t, 1, bus.Subscribers("f"), "coalescing never disconnects")
	assert.NoError(t, sub.Err())
}

func TestBackpressure_DisconnectClosesSlowSubscriber(t *testing.T) {
	bus := NewBus(Options{Buffer: 1, Policy: PolicyDisconnect})
	sub := bus.Subscribe("f", 0, progress("f", 0))
	fast := bus.Subscribe("f", 0, progress("f", 0))
	defer fast.Close()

	<-fast.C()
	_, _ = bus.Publish(progress("f", 1))
	<-fast.C()
	_, _ = bus.Publish(progress("f", 2))

	got := drain(sub)
	assert.Equal(t, []uint64{0, 1}, seqs(got))
	assert.ErrorIs(t, sub.Err(), ErrSlowSubscriber)
	assert.Equal(t, 1, bus.Subscribers("f"))
	assert.Equal(t, uint64(2), (<-fast.C()).Seq)
}

func TestBackpressure_TerminalAlwaysDelivered(t *testing.T) {
	for _, policy := range []Policy{PolicyCoalesce, PolicyDisconnect} {
		t.Run(string(policy), func(t *testing.T) {
			bus := NewBus(Options{Buffer: 1, Policy: policy})
			sub := bus.Subscribe("f", 0, progress("f", 0))

			_, _ = bus.Publish(progress("f", 1))
			_, _ = bus.Publish(terminal("f", KindDeleted))

			got := drain(sub)
			require.NotEmpty(t, got)
			last := got[len(got)-1]
			assert.True(t, last.Terminal)
			assert.Equal(t, KindDeleted, last.Kind())
		})
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestSubscription_CloseIsIdempotent(t *testing.T) {
	bus := NewBus(Options{})
	sub := bus.Subscribe("f", 0, progress("f", 0))
	assert.Equal(t, 1, bus.Subscribers("f"))

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, bus.Subscribers("f"))

	_, err := bus.Publish(progress("f", 1))
	assert.NoError(t, err, "publishing with no subscribers is fine")
}

func TestRelease_ClosesSubscribers(t *testing.T) {
	bus := NewBus(Options{})
	sub := bus.Subscribe("f", 0, progress("f", 0))
	require.Equal(t, 1, bus.Topics())

	bus.Release("f")
	assert.Equal(t, 0, bus.Topics())

	got := drain(sub)
	assert.Len(t, got, 1)
	assert.Nil(t, bus.Replay("f", 0))
}

func TestBus_ConcurrentFiles(t *testing.T) {
	bus := NewBus(Options{Buffer: 4})
	const files, events = 8, 200

	var wg sync.WaitGroup
	results := make([][]Event, files)
	for i := 0; i < files; i++ {
		id := fmt.Sprintf("file-%d", i)
		sub := bus.Subscribe(id, 0, progress(id, 0))

		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			results[i] = drain(sub)
		}(i)
		go func() {
			defer wg.Done()
			for pct := 1; pct < events; pct++ {
				_, _ = bus.Publish(progress(id, pct%100))
			}
			_, _ = bus.Publish(terminal(id, KindParsed))
		}()
	}
	wg.Wait()

	for i, got := range results {
		require.NotEmpty(t, got, "file %d", i)
		assert.True(t, got[len(got)-1].Terminal, "file %d must end with its terminal event", i)
		for j := 1; j < len(got); j++ {
			assert.Less(t, got[j-1].Seq, got[j].Seq, "file %d events out of order", i)
		}
	}
}
