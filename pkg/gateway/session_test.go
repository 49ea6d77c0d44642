package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantframe/marketbus/pkg/events"
)

func liveTick(key string, closed bool) ServerMessage {
	return event(events.ChannelKlineLive, key, events.KlineLivePayload{Key: key, IsClosed: closed})
}

func TestOutboundQueue_DropsOldestNonClosedBarFrameWhenFull(t *testing.T) {
	q := newOutboundQueue(2)

	require.False(t, q.push(liveTick("K1", false)))
	require.False(t, q.push(liveTick("K2", false)))
	// Queue is now full of two droppable frames; a third must evict K1.
	require.False(t, q.push(liveTick("K3", false)))

	msg, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, "K2", msg.Key)

	msg, ok = q.pop()
	require.True(t, ok)
	assert.Equal(t, "K3", msg.Key)

	_, ok = q.pop()
	assert.False(t, ok)
}

func TestOutboundQueue_NeverDropsClosedBarOrResponseFrames(t *testing.T) {
	q := newOutboundQueue(1)

	require.False(t, q.push(liveTick("K1", true))) // closed-bar, fills the one slot
	// A second closed-bar frame can't evict the first (neither is droppable),
	// so it is admitted anyway rather than lost.
	require.False(t, q.push(liveTick("K2", true)))

	msg, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, "K1", msg.Key)

	msg, ok = q.pop()
	require.True(t, ok)
	assert.Equal(t, "K2", msg.Key)
}

func TestOutboundQueue_DropsNewDroppableFrameWhenNothingEvictable(t *testing.T) {
	q := newOutboundQueue(1)

	require.False(t, q.push(liveTick("K1", true))) // closed-bar, not droppable
	dropped := q.push(liveTick("K2", false))        // nothing to evict, K2 is droppable
	assert.True(t, dropped)

	msg, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, "K1", msg.Key)

	_, ok = q.pop()
	assert.False(t, ok)
}

func TestOutboundQueue_NeverDropsAckSuccessOrError(t *testing.T) {
	q := newOutboundQueue(1)

	require.False(t, q.push(liveTick("K1", false)))
	require.False(t, q.push(success("req-1", nil)))

	msg, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, TypeSuccess, msg.Type)
}

func TestOutboundQueue_FullDurationResetsOnceDrained(t *testing.T) {
	q := newOutboundQueue(1)
	require.False(t, q.push(liveTick("K1", false)))
	assert.Greater(t, q.fullDuration(), time.Duration(0))

	_, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), q.fullDuration())
}
