package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingRouter struct {
	routed []string
}

func (r *recordingRouter) Route(channel string, payload []byte) {
	r.routed = append(r.routed, channel)
}

func TestNewNotifyListener(t *testing.T) {
	router := &recordingRouter{}
	listener := NewNotifyListener("host=localhost dbname=test", router)

	assert.NotNil(t, listener)
	assert.Equal(t, "host=localhost dbname=test", listener.connString)
	assert.NotNil(t, listener.channels)
	assert.Equal(t, router, listener.router)
}

func TestNotifyListener_ChannelTrackingWithoutConnection(t *testing.T) {
	// Without calling Start(), the listener has no connection.
	// Subscribe/Unsubscribe should return errors gracefully.
	router := &recordingRouter{}
	listener := NewNotifyListener("host=localhost dbname=test", router)

	t.Run("subscribe without connection returns error", func(t *testing.T) {
		err := listener.Subscribe(t.Context(), "test-channel")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "not established")
	})

	t.Run("unsubscribe without connection is a no-op", func(t *testing.T) {
		err := listener.Unsubscribe(t.Context(), "test-channel")
		assert.NoError(t, err) // Not listening, so no-op
	})
}
