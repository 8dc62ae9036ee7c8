package peering

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startListener(t *testing.T, p *RedisPeering) chan string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	applied := make(chan string, 8)
	started := make(chan struct{})
	go func() {
		close(started)
		_ = p.Listen(ctx, func(url string) { applied <- url })
	}()
	<-started
	// give the subscription a moment to register with the broker
	time.Sleep(50 * time.Millisecond)
	return applied
}

func TestNotifyClearReachesSibling(t *testing.T) {
	broker := miniredis.RunT(t)
	a := New(broker.Addr(), "edgecache:clr", "edge-a", zerolog.Nop())
	b := New(broker.Addr(), "edgecache:clr", "edge-b", zerolog.Nop())
	t.Cleanup(func() { a.Close(); b.Close() })

	applied := startListener(t, b)
	a.NotifyClear("http://example.test/doc")

	select {
	case url := <-applied:
		assert.Equal(t, "http://example.test/doc", url)
	case <-time.After(2 * time.Second):
		t.Fatal("sibling never received the clear")
	}
}

func TestOwnBroadcastIsSkipped(t *testing.T) {
	broker := miniredis.RunT(t)
	a := New(broker.Addr(), "edgecache:clr", "edge-a", zerolog.Nop())
	t.Cleanup(func() { a.Close() })

	applied := startListener(t, a)
	a.NotifyClear("http://example.test/doc")

	select {
	case url := <-applied:
		t.Fatalf("instance applied its own clear for %q", url)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMalformedMessagesAreIgnored(t *testing.T) {
	broker := miniredis.RunT(t)
	a := New(broker.Addr(), "edgecache:clr", "edge-a", zerolog.Nop())
	b := New(broker.Addr(), "edgecache:clr", "edge-b", zerolog.Nop())
	t.Cleanup(func() { a.Close(); b.Close() })

	applied := startListener(t, b)
	require.NoError(t, a.client.Publish(context.Background(), "edgecache:clr", "bogus").Err())
	require.NoError(t, a.client.Publish(context.Background(), "edgecache:clr", "DEL edge-a x").Err())
	a.NotifyClear("http://example.test/after")

	select {
	case url := <-applied:
		assert.Equal(t, "http://example.test/after", url)
	case <-time.After(2 * time.Second):
		t.Fatal("valid clear after garbage never arrived")
	}
	assert.Empty(t, applied)
}

func TestListenFailsWithoutBroker(t *testing.T) {
	p := New("127.0.0.1:1", "edgecache:clr", "edge-a", zerolog.Nop())
	t.Cleanup(func() { p.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := p.Listen(ctx, func(string) {})
	require.Error(t, err)
}
