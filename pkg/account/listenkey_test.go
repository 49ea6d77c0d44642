package account

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenKeyManager_StartCreatesInitialKey(t *testing.T) {
	created := 0
	create := func(context.Context) (string, error) {
		created++
		return "key-1", nil
	}
	renew := func(context.Context, string) error { return nil }

	m := NewListenKeyManager(create, renew, nil)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	assert.Equal(t, 1, created)
	assert.Equal(t, "key-1", m.Current())
}

func TestListenKeyManager_OnRotateFiresOnInitialCreate(t *testing.T) {
	var rotatedTo string
	create := func(context.Context) (string, error) { return "key-a", nil }
	renew := func(context.Context, string) error { return nil }

	m := NewListenKeyManager(create, renew, func(key string) { rotatedTo = key })
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	assert.Equal(t, "key-a", rotatedTo)
}

func TestListenKeyManager_StartPropagatesCreateError(t *testing.T) {
	create := func(context.Context) (string, error) { return "", assert.AnError }
	renew := func(context.Context, string) error { return nil }

	m := NewListenKeyManager(create, renew, nil)
	err := m.Start(context.Background())
	assert.Error(t, err)
}
