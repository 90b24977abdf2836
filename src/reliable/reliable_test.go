package reliable

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	cm "github.com/monas/monas-state-node/src/common"
	"github.com/monas/monas-state-node/src/events"
	"github.com/monas/monas-state-node/src/kv"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGossip struct {
	sync.Mutex
	fail   bool
	topics []string
}

func (g *fakeGossip) Publish(ctx context.Context, topic string, data []byte) error {
	g.Lock()
	defer g.Unlock()
	g.topics = append(g.topics, topic)
	if g.fail {
		return errors.New("insufficient peers")
	}
	return nil
}

func (g *fakeGossip) setFail(fail bool) {
	g.Lock()
	defer g.Unlock()
	g.fail = fail
}

func (g *fakeGossip) calls() int {
	g.Lock()
	defer g.Unlock()
	return len(g.topics)
}

type clock struct {
	sync.Mutex
	t time.Time
}

func (c *clock) now() time.Time {
	c.Lock()
	defer c.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.Lock()
	defer c.Unlock()
	c.t = c.t.Add(d)
}

func initPublisher(t *testing.T, conf Config) (*Publisher, *fakeGossip, *clock) {
	logger := cm.NewTestEntry(t, logrus.DebugLevel)
	store, err := kv.Open(t.TempDir(), false, logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	gossip := &fakeGossip{}
	c := &clock{t: time.Unix(1700000000, 0)}

	p := NewPublisher(NewOutbox(store, logger), NewInbox(store, logger), gossip, "local", conf, logger)
	p.SetClock(c.now)
	return p, gossip, c
}

func testEvent() events.Event {
	return &events.ContentUpdated{ContentID: "c", UpdatedNodeID: "local", Timestamp: 1}
}

func TestLocalTargetNeedsNoNetwork(t *testing.T) {
	p, gossip, _ := initPublisher(t, DefaultConfig())

	id, err := p.PublishReliably(context.Background(), testEvent(), []string{"local"})
	require.NoError(t, err)

	assert.Equal(t, 0, gossip.calls())

	_, pending, err := p.outbox.Get(id)
	require.NoError(t, err)
	assert.False(t, pending)

	rec, ok, err := p.outbox.GetDelivered(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, events.ContentUpdatedType, rec.Event.Type)
}

func TestPublishSuccessDelivers(t *testing.T) {
	p, gossip, _ := initPublisher(t, DefaultConfig())

	id, err := p.PublishReliably(context.Background(), testEvent(), []string{"local", "B", "C", "B"})
	require.NoError(t, err)

	require.Equal(t, 1, gossip.calls())
	assert.Equal(t, "monas/events/ContentUpdated", gossip.topics[0])

	_, ok, err := p.outbox.GetDelivered(id)
	require.NoError(t, err)
	assert.True(t, ok)

	stats, err := p.Stats()
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 0, Delivered: 1, Processed: 0}, stats)
}

func TestFailedPublishStaysPending(t *testing.T) {
	p, gossip, c := initPublisher(t, DefaultConfig())
	gossip.setFail(true)

	id, err := p.PublishReliably(context.Background(), testEvent(), []string{"local", "B"})
	require.NoError(t, err)

	pe, ok, err := p.outbox.Get(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"B"}, pe.RemainingTargets)
	assert.Equal(t, 0, pe.RetryCount)

	// Not due yet.
	stats, err := p.RetryPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RetryStats{}, stats)

	gossip.setFail(false)
	c.advance(DefaultRetryInterval)

	stats, err = p.RetryPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RetryStats{Retried: 1, Delivered: 1}, stats)

	rec, ok, err := p.outbox.GetDelivered(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, rec.RetryCount)
}

func TestDropAfterBudget(t *testing.T) {
	conf := DefaultConfig()
	conf.MaxRetries = 2
	p, gossip, c := initPublisher(t, conf)
	gossip.setFail(true)

	id, err := p.PublishReliably(context.Background(), testEvent(), []string{"B"})
	require.NoError(t, err)

	for sweep := 1; sweep <= 2; sweep++ {
		c.advance(conf.RetryInterval)
		stats, err := p.RetryPending(context.Background())
		require.NoError(t, err)
		assert.Equal(t, RetryStats{Retried: 1}, stats, "sweep %d", sweep)

		pe, ok, err := p.outbox.Get(id)
		require.NoError(t, err)
		require.True(t, ok, "present after sweep %d", sweep)
		assert.Equal(t, sweep, pe.RetryCount)
	}

	c.advance(conf.RetryInterval)
	stats, err := p.RetryPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RetryStats{Dropped: 1}, stats)

	_, ok, err := p.outbox.Get(id)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = p.outbox.GetDelivered(id)
	require.NoError(t, err)
	assert.False(t, ok)

	// initial attempt plus two retries
	assert.Equal(t, 3, gossip.calls())
}

func TestInboxDedup(t *testing.T) {
	p, _, _ := initPublisher(t, DefaultConfig())

	res, err := p.ProcessReceived("ev1", "B")
	require.NoError(t, err)
	assert.Equal(t, Processed, res)

	res, err = p.ProcessReceived("ev1", "C")
	require.NoError(t, err)
	assert.Equal(t, AlreadyProcessed, res)

	rec, ok, err := p.inbox.Get("ev1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "B", rec.SourceNode)
}

func TestHandleReceivedRunsOnce(t *testing.T) {
	p, _, _ := initPublisher(t, DefaultConfig())
	ev := &events.NodeCreated{NodeID: "B", TotalCapacity: 10, AvailableCapacity: 10, Timestamp: 7}

	runs := 0
	handler := func(context.Context, events.Event) error {
		runs++
		return nil
	}

	res, err := p.HandleReceived(context.Background(), ev, "B", handler)
	require.NoError(t, err)
	assert.Equal(t, Processed, res)

	res, err = p.HandleReceived(context.Background(), ev, "C", handler)
	require.NoError(t, err)
	assert.Equal(t, AlreadyProcessed, res)

	assert.Equal(t, 1, runs)
}

func TestHandlerFailureAllowsRedelivery(t *testing.T) {
	p, _, _ := initPublisher(t, DefaultConfig())
	ev := &events.NodeCreated{NodeID: "B", Timestamp: 7}

	_, err := p.HandleReceived(context.Background(), ev, "B", func(context.Context, events.Event) error {
		return errors.New("boom")
	})
	require.Error(t, err)

	seen, err := p.inbox.IsProcessed(events.ID(ev))
	require.NoError(t, err)
	assert.False(t, seen)

	res, err := p.HandleReceived(context.Background(), ev, "B", func(context.Context, events.Event) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, Processed, res)
}

func TestConcurrentProcessReceived(t *testing.T) {
	p, _, _ := initPublisher(t, DefaultConfig())

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		processed int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.ProcessReceived("same", "B")
			assert.NoError(t, err)
			if res == Processed {
				mu.Lock()
				processed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, processed)
}

func TestCleanup(t *testing.T) {
	p, _, c := initPublisher(t, DefaultConfig())

	_, err := p.PublishReliably(context.Background(), testEvent(), []string{"local"})
	require.NoError(t, err)
	_, err = p.ProcessReceived("old", "B")
	require.NoError(t, err)

	c.advance(DefaultOutboxRetention + time.Minute)

	_, err = p.ProcessReceived("recent", "B")
	require.NoError(t, err)

	stats, err := p.Cleanup()
	require.NoError(t, err)
	assert.Equal(t, CleanupStats{OutboxPurged: 1, InboxPurged: 0}, stats)

	c.advance(DefaultInboxRetention + time.Minute)

	stats, err = p.Cleanup()
	require.NoError(t, err)
	assert.Equal(t, CleanupStats{OutboxPurged: 0, InboxPurged: 2}, stats)
}
