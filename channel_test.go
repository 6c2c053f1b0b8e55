package npipe_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/npipe"
	"github.com/brickingsoft/npipe/pkg/aio"
	"github.com/brickingsoft/npipe/pkg/mempipe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func connectedPair(t *testing.T, ns aio.Namespace, name string, opts ...npipe.Option) (*npipe.ServerChannel, *npipe.ClientChannel) {
	t.Helper()
	opts = append(opts, npipe.WithNamespace(ns))
	server, err := npipe.NewServer(name, opts...)
	require.NoError(t, err)
	client, err := npipe.NewClient(name, append(opts, npipe.WithConnectTimeout(time.Second))...)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ok, err := server.Connect(gctx)
		assert.True(t, ok)
		return err
	})
	g.Go(func() error {
		ok, err := client.Connect(gctx)
		assert.True(t, ok)
		return err
	})
	require.NoError(t, g.Wait())
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return server, client
}

func readWithin(t *testing.T, ch npipe.Channel, d time.Duration) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	b, err := ch.Read(ctx)
	require.NoError(t, err)
	return b
}

func TestChannel_ByteMode(t *testing.T) {
	ns := mempipe.New()
	server, client := connectedPair(t, ns, "bytes")

	ctx := context.Background()
	ok, err := client.Write(ctx, []byte{1, 2, 3})
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = client.Write(ctx, []byte{4})
	require.NoError(t, err)
	require.True(t, ok)

	var got []byte
	for len(got) < 4 {
		b := readWithin(t, server, time.Second)
		require.NotNil(t, b)
		got = append(got, b...)
	}
	assert.Equal(t, []byte{1, 2, 3, 4}, got)
}

func TestChannel_MessageMode(t *testing.T) {
	ns := mempipe.New()
	server, client := connectedPair(t, ns, "messages",
		npipe.WithMode(npipe.MessageMode),
		npipe.WithReceiveBufferSize(3),
	)

	ctx := context.Background()
	messages := [][]byte{
		[]byte("a"),
		[]byte("hello, world"),
		bytes.Repeat([]byte{7}, 10),
	}
	for _, msg := range messages {
		ok, err := server.Write(ctx, msg)
		require.NoError(t, err)
		require.True(t, ok)
	}
	for _, msg := range messages {
		assert.Equal(t, msg, readWithin(t, client, time.Second))
	}
}

func TestChannel_ReadAfterPeerClosed(t *testing.T) {
	ns := mempipe.New()
	server, client := connectedPair(t, ns, "peer-closed")

	require.NoError(t, client.Close())
	assert.Nil(t, readWithin(t, server, time.Second))
	assert.False(t, server.IsConnected())

	ok, err := server.Write(context.Background(), []byte{1})
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestChannel_UnconnectedServerRead(t *testing.T) {
	ns := mempipe.New()
	server, err := npipe.NewServer("unconnected", npipe.WithNamespace(ns))
	require.NoError(t, err)
	defer server.Close()

	assert.Nil(t, readWithin(t, server, time.Second))

	ok, err := server.Write(context.Background(), []byte{1})
	assert.False(t, ok)
	assert.True(t, npipe.IsNotConnected(err))
}

func TestChannel_UnconnectedClient(t *testing.T) {
	ns := mempipe.New()
	client, err := npipe.NewClient("nobody", npipe.WithNamespace(ns))
	require.NoError(t, err)
	defer client.Close()

	assert.Nil(t, readWithin(t, client, time.Second))
	ok, err := client.Write(context.Background(), []byte{1})
	assert.False(t, ok)
	assert.ErrorIs(t, err, npipe.ErrNotConnected)
	assert.False(t, client.IsConnected())
}

func TestChannel_WriteDuringPendingRead(t *testing.T) {
	ns := mempipe.New()
	server, client := connectedPair(t, ns, "handoff")

	reads := make(chan []byte, 1)
	go func() {
		b, _ := server.Read(context.Background())
		reads <- b
	}()
	// let the reader park its probe
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ok, err := server.Write(ctx, []byte("pong"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("pong"), readWithin(t, client, time.Second))

	ok, err = client.Write(ctx, []byte("ping"))
	require.NoError(t, err)
	require.True(t, ok)
	select {
	case b := <-reads:
		assert.Equal(t, []byte("ping"), b)
	case <-time.After(time.Second):
		t.Fatal("reader did not resume after the write")
	}

	stats := ns.Stats()
	assert.Zero(t, stats.Overlaps)
	assert.GreaterOrEqual(t, stats.Cancels, int64(1))
}

func TestChannel_ConcurrentDuplex(t *testing.T) {
	ns := mempipe.New()
	server, client := connectedPair(t, ns, "duplex", npipe.WithMode(npipe.MessageMode))

	const rounds = 200
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	pump := func(from npipe.Channel, tag byte) {
		g.Go(func() error {
			for i := 0; i < rounds; i++ {
				ok, err := from.Write(gctx, []byte{tag, byte(i)})
				if err != nil {
					return err
				}
				if !ok {
					return gctx.Err()
				}
			}
			return nil
		})
	}
	drain := func(to npipe.Channel, tag byte) {
		g.Go(func() error {
			for i := 0; i < rounds; i++ {
				b, err := to.Read(gctx)
				if err != nil {
					return err
				}
				if !assert.Equal(t, []byte{tag, byte(i)}, b) {
					return nil
				}
			}
			return nil
		})
	}
	pump(server, 's')
	pump(client, 'c')
	drain(client, 's')
	drain(server, 'c')
	require.NoError(t, g.Wait())

	assert.Zero(t, ns.Stats().Overlaps)
}

func TestChannel_PreCanceledRead(t *testing.T) {
	ns := mempipe.New()
	server, _ := connectedPair(t, ns, "pre-canceled")
	before := ns.Stats()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b, err := server.Read(ctx)
	assert.NoError(t, err)
	assert.Nil(t, b)

	ok, err := server.Write(ctx, []byte{1})
	assert.NoError(t, err)
	assert.False(t, ok)

	after := ns.Stats()
	assert.Equal(t, before.Probes, after.Probes)
	assert.Equal(t, before.Writes, after.Writes)
}

func TestChannel_CancelPendingRead(t *testing.T) {
	ns := mempipe.New()
	server, client := connectedPair(t, ns, "cancel-read")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	b, err := server.Read(ctx)
	assert.NoError(t, err)
	assert.Nil(t, b)

	stats := ns.Stats()
	assert.Equal(t, int64(1), stats.Probes)
	assert.Equal(t, int64(1), stats.Cancels)

	// the channel stays usable
	ok, err := client.Write(context.Background(), []byte{9})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{9}, readWithin(t, server, time.Second))
}

func TestChannel_CloseDuringRead(t *testing.T) {
	ns := mempipe.New()
	server, _ := connectedPair(t, ns, "close-read")

	type result struct {
		b   []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		b, err := server.Read(context.Background())
		done <- result{b, err}
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, server.Close())
	select {
	case r := <-done:
		assert.NoError(t, r.err)
		assert.Nil(t, r.b)
	case <-time.After(time.Second):
		t.Fatal("read did not return after close")
	}

	require.NoError(t, server.Close())
	assert.False(t, server.IsConnected())
	assert.Nil(t, readWithin(t, server, time.Second))
	ok, err := server.Write(context.Background(), []byte{1})
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestChannel_ConcurrentClose(t *testing.T) {
	ns := mempipe.New()
	server, client := connectedPair(t, ns, "concurrent-close")

	wg := new(sync.WaitGroup)
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, server.Close())
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, client.Close())
		}()
	}
	wg.Wait()
}

func TestChannel_Accessors(t *testing.T) {
	ns := mempipe.New()
	server, client := connectedPair(t, ns, "accessors", npipe.WithMode(npipe.MessageMode))
	assert.Equal(t, "accessors", server.Name())
	assert.Equal(t, npipe.MessageMode, client.Mode())
	assert.True(t, server.IsConnected())
	assert.True(t, client.IsConnected())
}

func TestChannel_MessageModeCancelMidMessage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	once := new(sync.Once)
	ns := &hookedNamespace{Namespace: mempipe.New()}
	ns.client.afterRead = func() { once.Do(cancel) }
	server, client := connectedPair(t, ns, "cancel-mid-message",
		npipe.WithMode(npipe.MessageMode),
		npipe.WithReceiveBufferSize(3),
	)

	for _, msg := range []string{"hello, world", "second"} {
		ok, err := server.Write(context.Background(), []byte(msg))
		require.NoError(t, err)
		require.True(t, ok)
	}

	b, err := client.Read(ctx)
	assert.NoError(t, err)
	assert.Nil(t, b)
	// the cancelled message is gone as a whole
	assert.Equal(t, []byte("second"), readWithin(t, client, time.Second))
}

func TestChannel_CancelFailureClosesChannel(t *testing.T) {
	mem := mempipe.New()
	refused := errors.New("cancel refused")
	ns := &hookedNamespace{Namespace: mem}
	ns.server.cancelErr = refused
	server, _ := connectedPair(t, ns, "cancel-failure")

	reads := make(chan error, 1)
	go func() {
		_, err := server.Read(context.Background())
		reads <- err
	}()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ok, writeErr := server.Write(ctx, []byte("pong"))
	assert.False(t, ok)
	assert.ErrorIs(t, writeErr, refused)

	select {
	case readErr := <-reads:
		assert.ErrorIs(t, readErr, refused)
	case <-time.After(time.Second):
		t.Fatal("read did not fail")
	}
	assert.False(t, server.IsConnected())

	stats := mem.Stats()
	assert.Zero(t, stats.Writes)
	assert.Zero(t, stats.Overlaps)
}

func TestChannel_ConcurrentReads(t *testing.T) {
	mem := mempipe.New()
	server, client := connectedPair(t, mem, "concurrent-reads", npipe.WithMode(npipe.MessageMode))

	const readers = 16
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan []byte, readers)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < readers; i++ {
		g.Go(func() error {
			b, err := server.Read(gctx)
			got <- b
			return err
		})
	}
	for i := 0; i < readers; i++ {
		ok, err := client.Write(ctx, []byte{byte(i)})
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, g.Wait())
	close(got)

	seen := make(map[byte]int)
	for b := range got {
		require.Len(t, b, 1)
		seen[b[0]]++
	}
	assert.Len(t, seen, readers)
	for _, n := range seen {
		assert.Equal(t, 1, n)
	}
	assert.Zero(t, mem.Stats().Overlaps)
}

func TestChannel_ConcurrentWrites(t *testing.T) {
	mem := mempipe.New()
	server, client := connectedPair(t, mem, "concurrent-writes", npipe.WithMode(npipe.MessageMode))

	const writers = 16
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// a pending read on the writing side makes every write ask for the handle
	pending := make(chan []byte, 1)
	go func() {
		b, _ := client.Read(ctx)
		pending <- b
	}()
	time.Sleep(20 * time.Millisecond)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < writers; i++ {
		g.Go(func() error {
			ok, err := client.Write(gctx, []byte{byte(i)})
			if err == nil && !ok {
				return gctx.Err()
			}
			return err
		})
	}

	seen := make(map[byte]int)
	for i := 0; i < writers; i++ {
		b := readWithin(t, server, time.Second)
		require.Len(t, b, 1)
		seen[b[0]]++
	}
	require.NoError(t, g.Wait())
	assert.Len(t, seen, writers)

	ok, err := server.Write(ctx, []byte("done"))
	require.NoError(t, err)
	require.True(t, ok)
	select {
	case b := <-pending:
		assert.Equal(t, []byte("done"), b)
	case <-time.After(time.Second):
		t.Fatal("pending read did not resume")
	}

	stats := mem.Stats()
	assert.Zero(t, stats.Overlaps)
	assert.GreaterOrEqual(t, stats.Cancels, int64(1))
}

func TestChannel_WriterWithdraws(t *testing.T) {
	mem := mempipe.New()
	gate := make(chan struct{})
	ns := &hookedNamespace{Namespace: mem}
	ns.server.cancelGate = gate
	server, client := connectedPair(t, ns, "withdraw")

	reads := make(chan []byte, 1)
	go func() {
		b, _ := server.Read(context.Background())
		reads <- b
	}()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	ok, err := server.Write(ctx, []byte("late"))
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, mem.Stats().Writes)

	close(gate)
	wctx, wcancel := context.WithTimeout(context.Background(), time.Second)
	defer wcancel()
	ok, err = server.Write(wctx, []byte("pong"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("pong"), readWithin(t, client, time.Second))

	ok, err = client.Write(wctx, []byte("ping"))
	require.NoError(t, err)
	require.True(t, ok)
	select {
	case b := <-reads:
		assert.Equal(t, []byte("ping"), b)
	case <-time.After(time.Second):
		t.Fatal("reader did not survive the withdrawn write")
	}
	assert.Zero(t, mem.Stats().Overlaps)
}

func TestChannel_CloseDuringWrite(t *testing.T) {
	mem := mempipe.New()
	gate := make(chan struct{})
	ns := &hookedNamespace{Namespace: mem}
	ns.server.cancelGate = gate
	server, _ := connectedPair(t, ns, "close-write")

	reads := make(chan []byte, 1)
	go func() {
		b, _ := server.Read(context.Background())
		reads <- b
	}()
	time.Sleep(20 * time.Millisecond)

	type result struct {
		ok  bool
		err error
	}
	writes := make(chan result, 1)
	go func() {
		ok, err := server.Write(context.Background(), []byte("stuck"))
		writes <- result{ok, err}
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, server.Close())
	select {
	case r := <-writes:
		assert.NoError(t, r.err)
		assert.False(t, r.ok)
	case <-time.After(time.Second):
		t.Fatal("write did not return after close")
	}

	close(gate)
	select {
	case b := <-reads:
		assert.Nil(t, b)
	case <-time.After(time.Second):
		t.Fatal("read did not return after close")
	}
	assert.Zero(t, mem.Stats().Writes)
}
