package pipe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rv6/internal/defs"
	"rv6/internal/lock"
)

// busyWaiter satisfies lock.Waiter for tests that have no process
// scheduler behind them: Sleep just drops and reacquires the held
// spinlock, turning a "sleep" into a busy-poll of the wait condition.
// Mirrors internal/diskimage's syncWaiter and internal/rvtest's
// noopWaiter test doubles.
type busyWaiter struct{}

func (busyWaiter) Sleep(ctx context.Context, c lock.Chan, held *lock.Spinlock) context.Context {
	held.Unlock(ctx)
	held.Lock(ctx)
	return ctx
}
func (busyWaiter) WakeUp(lock.Chan) {}

type fakeProc struct{ killed bool }

func (p *fakeProc) Killed() bool { return p.killed }

func TestWriteThenReadRoundTrip(t *testing.T) {
	p := New(busyWaiter{})
	ctx := context.Background()

	n, err := p.Write(ctx, nil, []byte("hello"))
	require.Zero(t, err)
	require.Equal(t, 5, n)

	dst := make([]byte, 5)
	n, err = p.Read(ctx, nil, dst)
	require.Zero(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(dst))
}

// TestWriteBlocksUntilReaderDrains forces a write larger than BUFSIZE,
// which must block until a concurrent reader has drained enough of the
// ring to make room, exercising the wraparound arithmetic along the way.
func TestWriteBlocksUntilReaderDrains(t *testing.T) {
	p := New(busyWaiter{})
	ctx := context.Background()

	payload := make([]byte, BUFSIZE*3+17)
	for i := range payload {
		payload[i] = byte(i)
	}

	writeDone := make(chan struct {
		n   int
		err defs.Err_t
	}, 1)
	go func() {
		n, err := p.Write(ctx, nil, payload)
		writeDone <- struct {
			n   int
			err defs.Err_t
		}{n, err}
	}()

	got := make([]byte, len(payload))
	total := 0
	deadline := time.After(5 * time.Second)
	for total < len(payload) {
		chunk := make([]byte, 64)
		select {
		case <-deadline:
			t.Fatal("read side stalled waiting for writer")
		default:
		}
		n, err := p.Read(ctx, nil, chunk)
		require.Zero(t, err)
		copy(got[total:], chunk[:n])
		total += n
	}
	require.Equal(t, payload, got)

	res := <-writeDone
	require.Zero(t, res.err)
	require.Equal(t, len(payload), res.n)
}

func TestReadReturnsEOFAfterWriterCloses(t *testing.T) {
	p := New(busyWaiter{})
	ctx := context.Background()
	p.Close(ctx, true)

	dst := make([]byte, 8)
	n, err := p.Read(ctx, nil, dst)
	require.Zero(t, err)
	require.Zero(t, n)
}

func TestWriteFailsAfterReaderCloses(t *testing.T) {
	p := New(busyWaiter{})
	ctx := context.Background()
	p.Close(ctx, false)

	n, err := p.Write(ctx, nil, []byte("x"))
	require.Equal(t, defs.NotOpened, err)
	require.Zero(t, n)
}

func TestWriteFailsWhenCallerKilled(t *testing.T) {
	p := New(busyWaiter{})
	ctx := context.Background()

	// Fill the ring completely so Write must block, then let it observe
	// the caller's killed flag rather than sleeping forever.
	full := make([]byte, BUFSIZE)
	n, err := p.Write(ctx, nil, full)
	require.Zero(t, err)
	require.Equal(t, BUFSIZE, n)

	proc := &fakeProc{killed: true}
	n, err = p.Write(ctx, proc, []byte("more"))
	require.Equal(t, defs.ProcIsKilled, err)
	require.Zero(t, n)
}
