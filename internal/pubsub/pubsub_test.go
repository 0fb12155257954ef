package pubsub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToDirectSubscriber(t *testing.T) {
	m := New()
	ch, sub := m.Subscribe("news")
	defer sub.Unsubscribe()

	n := m.Publish("news", []byte("hello"))
	require.Equal(t, 1, n)

	select {
	case msg := <-ch:
		require.Equal(t, "hello", string(msg))
	case <-time.After(time.Second):
		t.Fatal("expected message not delivered")
	}
}

func TestPublishDeliversToMatchingPatternSubscriber(t *testing.T) {
	m := New()
	ch, sub := m.SubscribePattern("news.*")
	defer sub.Unsubscribe()

	n := m.Publish("news.sports", []byte("goal"))
	require.Equal(t, 1, n)

	select {
	case msg := <-ch:
		require.Equal(t, "news.*", msg.Pattern)
		require.Equal(t, "news.sports", msg.Channel)
		require.Equal(t, "goal", string(msg.Payload))
	case <-time.After(time.Second):
		t.Fatal("expected pattern message not delivered")
	}
}

func TestPublishToNonMatchingPatternDeliversNothing(t *testing.T) {
	m := New()
	_, sub := m.SubscribePattern("weather.*")
	defer sub.Unsubscribe()

	n := m.Publish("news.sports", []byte("goal"))
	require.Equal(t, 0, n)
}

func TestPublishCountsBothDirectAndPatternSubscribers(t *testing.T) {
	m := New()
	_, subDirect := m.Subscribe("news.sports")
	_, subPattern := m.SubscribePattern("news.*")
	defer subDirect.Unsubscribe()
	defer subPattern.Unsubscribe()

	n := m.Publish("news.sports", []byte("goal"))
	require.Equal(t, 2, n)
}

func TestPublishToUnknownChannelReturnsZero(t *testing.T) {
	m := New()
	require.Equal(t, 0, m.Publish("nothing-subscribed", []byte("x")))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	m := New()
	ch, sub := m.Subscribe("news")
	sub.Unsubscribe()

	n := m.Publish("news", []byte("hello"))
	require.Equal(t, 0, n)

	select {
	case _, ok := <-ch:
		require.False(t, ok, "channel should not receive after unsubscribe, if it's even still open")
	default:
	}
}

func TestSlowSubscriberDropsRatherThanBlocksPublisher(t *testing.T) {
	m := New()
	_, sub := m.Subscribe("news")
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+10; i++ {
			m.Publish("news", []byte("x"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish must never block on a full subscriber buffer")
	}
}

func TestPurgeEmptyRemovesChannelsWithNoSubscribers(t *testing.T) {
	m := New()
	_, sub := m.Subscribe("news")
	sub.Unsubscribe()

	require.Equal(t, 1, m.PurgeEmpty())
	require.Empty(t, m.Channels())
}

func TestSubscriberCountReflectsLiveSubscriptions(t *testing.T) {
	m := New()
	_, sub1 := m.Subscribe("news")
	_, sub2 := m.Subscribe("news")
	defer sub1.Unsubscribe()
	defer sub2.Unsubscribe()

	require.Equal(t, 2, m.SubscriberCount("news"))
}

func TestPatternSubscriberCountAcrossPatterns(t *testing.T) {
	m := New()
	_, sub1 := m.SubscribePattern("a.*")
	_, sub2 := m.SubscribePattern("b.*")
	defer sub1.Unsubscribe()
	defer sub2.Unsubscribe()

	require.Equal(t, 2, m.PatternSubscriberCount())
}
