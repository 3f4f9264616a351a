package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestRedisRelayIgnoresOwnMessages(t *testing.T) {
	local := NewRedisRelay(nil, "", nil)
	peer := NewRedisRelay(nil, "", nil)
	require.NotEqual(t, local.InstanceID(), peer.InstanceID())

	data, err := peer.encode("staff", []byte(`{"type":"NEW_COMPLAINT"}`))
	require.NoError(t, err)

	channel, payload, ok := local.decode(string(data))
	require.True(t, ok)
	require.Equal(t, "staff", channel)
	require.JSONEq(t, `{"type":"NEW_COMPLAINT"}`, string(payload))

	own, err := local.encode("", []byte(`{"type":"NEW_COMPLAINT"}`))
	require.NoError(t, err)
	_, _, ok = local.decode(string(own))
	require.False(t, ok)

	_, _, ok = local.decode("not json")
	require.False(t, ok)
}

func TestRedisRelayDeliversBetweenInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	local := NewRedisRelay(client, "complaints:test", nil)
	peer := NewRedisRelay(client, "complaints:test", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	received := make(chan string, 1)
	go func() {
		_ = peer.Subscribe(ctx, func(channel string, payload []byte) {
			received <- channel + "|" + string(payload)
		})
	}()
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub("complaints:test")["complaints:test"] > 0
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, local.Publish(ctx, "staff", []byte(`{"type":"NEW_COMMENT"}`)))

	select {
	case got := <-received:
		require.Equal(t, `staff|{"type":"NEW_COMMENT"}`, got)
	case <-time.After(2 * time.Second):
		t.Fatal("relay message not delivered")
	}
}
