package scheduler

import (
	"net"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/valeevte/PriceTracker/internal/logger"
)

func TestRedisReleaseFailureIsLogged(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	client := redis.NewClient(&redis.Options{Addr: addr, DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer client.Close()

	core, logs := observer.New(zapcore.WarnLevel)
	log := &logger.Logger{SugaredLogger: zap.New(core).Sugar()}

	rc := NewRedisClaims(client, time.Minute, log)
	release := rc.releaser(rc.key(9), "token")
	release()
	release()

	entries := logs.FilterMessage("release claim failed").All()
	require.Len(t, entries, 1, "release runs once")
	assert.Equal(t, "pricetracker:claim:9", entries[0].ContextMap()["key"])
}
