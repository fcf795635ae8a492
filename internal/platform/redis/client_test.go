package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signout/internal/platform/config"
)

func TestNew(t *testing.T) {
	t.Run("empty url disables redis", func(t *testing.T) {
		c, err := New(context.Background(), config.RedisConfig{})
		require.NoError(t, err)
		assert.Nil(t, c)
	})

	t.Run("connects and reports health", func(t *testing.T) {
		mr := miniredis.RunT(t)
		c, err := New(context.Background(), config.RedisConfig{URL: "redis://" + mr.Addr()})
		require.NoError(t, err)
		defer c.Close()
		assert.NoError(t, c.Health(context.Background()))
	})

	t.Run("invalid url", func(t *testing.T) {
		_, err := New(context.Background(), config.RedisConfig{URL: "://nope"})
		assert.Error(t, err)
	})
}
