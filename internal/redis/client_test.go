package redis

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/fidcgate/fidcgate/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	t.Run("connects in single mode", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client, err := NewClient(config.RedisConfig{
			Endpoints: []string{mr.Addr()},
			Mode:      config.RedisModeSingle,
		})
		require.NoError(t, err)
		defer client.Close()

		require.NoError(t, client.Ping(context.Background()).Err())

		mr.Set("k", "v")
		val, err := client.Get(context.Background(), "k").Result()
		require.NoError(t, err)
		assert.Equal(t, "v", val)
	})

	t.Run("missing key returns Nil", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client, err := NewClient(config.RedisConfig{
			Endpoints: []string{mr.Addr()},
			Mode:      config.RedisModeSingle,
		})
		require.NoError(t, err)
		defer client.Close()

		_, err = client.Get(context.Background(), "absent").Result()
		assert.ErrorIs(t, err, Nil)
	})

	t.Run("fails fast on an unreachable endpoint", func(t *testing.T) {
		_, err := NewClient(config.RedisConfig{
			Endpoints:   []string{"127.0.0.1:1"},
			Mode:        config.RedisModeSingle,
			DialTimeout: "200ms",
		})
		assert.Error(t, err)
	})

	t.Run("rejects unknown modes", func(t *testing.T) {
		_, err := NewClient(config.RedisConfig{
			Endpoints: []string{"localhost:6379"},
			Mode:      "replicated",
		})
		assert.Error(t, err)
	})
}

func TestIsConnectivityErr(t *testing.T) {
	assert.False(t, IsConnectivityErr(nil))
	assert.False(t, IsConnectivityErr(context.Canceled))
	assert.False(t, IsConnectivityErr(errors.New("WRONGTYPE operation")))

	assert.True(t, IsConnectivityErr(context.DeadlineExceeded))
	assert.True(t, IsConnectivityErr(&net.OpError{Op: "dial", Err: errors.New("refused")}))
	assert.True(t, IsConnectivityErr(errors.New("dial tcp: connection refused")))
	assert.True(t, IsConnectivityErr(errors.New("read: i/o timeout")))
	assert.True(t, IsConnectivityErr(errors.New("LOADING redis is loading")))
}
