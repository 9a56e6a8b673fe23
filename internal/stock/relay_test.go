package stock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// durableMemory serves the memory backend under the durable mode so relay
// refreshes apply to it.
type durableMemory struct {
	*MemoryBackend
}

func (durableMemory) Mode() Mode { return ModeDurable }

func TestRedisRelayRefreshesOtherProcesses(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shared := durableMemory{NewMemoryBackend()}
	newRegistry := func(relay ChangeRelay) *Registry {
		reg, err := NewRegistry(RegistryConfig{
			Resolver: NewStaticModes(ModeDurable, nil),
			Durable:  shared,
			Relay:    relay,
		})
		require.NoError(t, err)
		return reg
	}

	writerClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer writerClient.Close()
	readerClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer readerClient.Close()

	writerRelay := NewRedisRelay(writerClient, "", nil)
	readerRelay := NewRedisRelay(readerClient, "", nil)
	require.NotEqual(t, writerRelay.Origin(), readerRelay.Origin())

	writer := newRegistry(writerRelay)
	reader := newRegistry(readerRelay)
	defer writer.Close()
	defer reader.Close()
	require.NoError(t, readerRelay.Listen(ctx, reader))

	readerLedger, err := reader.Ledger(ctx, "acme")
	require.NoError(t, err)
	sub, err := readerLedger.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	initial := <-sub.C()
	require.Empty(t, initial.Products)

	writerLedger, err := writer.Ledger(ctx, "acme")
	require.NoError(t, err)
	price := 1.0
	_, err = writerLedger.Add(ctx, ProductInput{ID: "p1", Name: "Relayed", Price: &price, InitialStock: 3})
	require.NoError(t, err)

	select {
	case snap := <-sub.C():
		require.Len(t, snap.Products, 1)
		require.Equal(t, "p1", snap.Products[0].ID)
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not receive relayed change")
	}
}

func TestNilRelayIsNoop(t *testing.T) {
	var relay *RedisRelay
	require.NoError(t, relay.Announce(context.Background(), "t1"))
	require.NoError(t, relay.Listen(context.Background(), nil))
	require.Empty(t, relay.Origin())
}
