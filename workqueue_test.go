package qdma

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/go-qdma/backend"
	"github.com/ehrlich-b/go-qdma/internal/logging"
)

type loopbackEnv struct {
	iommu  *backend.IOMMU
	mem    *backend.Memory
	engine *backend.Loopback
}

func newLoopbackEnv(t *testing.T, opts backend.LoopbackOptions) *loopbackEnv {
	t.Helper()
	env := &loopbackEnv{
		iommu: backend.NewIOMMU(0),
		mem:   backend.NewMemory(4 << 20),
	}
	opts.IOMMU = env.iommu
	opts.Memory = env.mem
	opts.Logger = testLogger()

	engine, err := backend.NewLoopback(opts)
	require.NoError(t, err)
	env.engine = engine
	return env
}

func testLogger() *Logger {
	return NewLogger(&LogConfig{Level: logging.LevelError, Output: io.Discard, Sync: true, NoColor: true})
}

func (env *loopbackEnv) create(t *testing.T, params Params, opts *Options) *WorkQueue {
	t.Helper()
	if opts == nil {
		opts = &Options{}
	}
	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	wq, err := Create(env.engine, params, opts)
	require.NoError(t, err)
	t.Cleanup(func() { wq.Close() })
	return wq
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i*7)
	}
	return b
}

func TestCreateAndInfo(t *testing.T) {
	env := newLoopbackEnv(t, backend.LoopbackOptions{})

	params := DefaultParams()
	params.RingSize = 64
	wq := env.create(t, params, nil)

	info := wq.Info()
	assert.Equal(t, WorkQueueStateRunning, info.State)
	assert.Equal(t, uint32(64), info.RingSize)
	assert.Equal(t, uint32(64<<WQOvercommitShift), info.Slots)
	assert.GreaterOrEqual(t, info.QueueIndex, 0)
	assert.False(t, info.C2H)
	assert.False(t, info.Streaming)

	require.NoError(t, wq.Close())
	assert.Equal(t, WorkQueueStateClosed, wq.State())
	require.NoError(t, wq.Close())

	_, err := wq.Post(context.Background(), &Request{Write: true, Length: 1, Fragments: env.iommu.Fragments(make([]byte, 1))})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCreateRejectsBadRingSize(t *testing.T) {
	env := newLoopbackEnv(t, backend.LoopbackOptions{})

	params := DefaultParams()
	params.RingSize = 100
	_, err := Create(env.engine, params, &Options{Logger: testLogger()})
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeConfig))
}

func TestBlockWriteReadBack(t *testing.T) {
	env := newLoopbackEnv(t, backend.LoopbackOptions{})

	params := DefaultParams()
	params.RingSize = 16
	params.MaxDescLen = 4096
	h2c := env.create(t, params, nil)

	params.C2H = true
	c2h := env.create(t, params, nil)

	src := pattern(40000, 3)
	frags := env.iommu.Fragments(src[:10000], src[10000:25000], src[25000:])
	n, err := h2c.Post(context.Background(), &Request{
		Fragments: frags,
		Length:    uint64(len(src)),
		Write:     true,
		EPAddr:    0x1000,
		Block:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len(src)), n)

	dst := make([]byte, len(src))
	n, err = c2h.Post(context.Background(), &Request{
		Fragments: env.iommu.Fragments(dst),
		Length:    uint64(len(dst)),
		EPAddr:    0x1000,
		Block:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len(dst)), n)
	assert.Equal(t, src, dst)

	s := h2c.Stats()
	assert.Equal(t, uint64(1), s.RequestsCompleted)
	assert.Equal(t, uint64(len(src)), s.BytesCompleted)
	assert.Equal(t, s.TotalSlots-1, s.FreeSlots)
}

func TestConcurrentBlockingPosts(t *testing.T) {
	env := newLoopbackEnv(t, backend.LoopbackOptions{})

	params := DefaultParams()
	params.RingSize = 8
	wq := env.create(t, params, nil)

	const workers = 8
	const size = 8192
	bufs := make([][]byte, workers)

	var g errgroup.Group
	for i := 0; i < workers; i++ {
		i := i
		bufs[i] = pattern(size, byte(i))
		g.Go(func() error {
			for {
				n, err := wq.Post(context.Background(), &Request{
					Fragments: env.iommu.Fragments(bufs[i]),
					Length:    size,
					Write:     true,
					EPAddr:    uint64(i * size),
					Block:     true,
				})
				if errors.Is(err, ErrWouldBlock) {
					time.Sleep(time.Millisecond)
					continue
				}
				if err != nil {
					return err
				}
				if n != size {
					return fmt.Errorf("worker %d: moved %d bytes", i, n)
				}
				return nil
			}
		})
	}
	require.NoError(t, g.Wait())

	for i := 0; i < workers; i++ {
		got := make([]byte, size)
		_, err := env.mem.ReadAt(got, int64(i*size))
		require.NoError(t, err)
		assert.Equal(t, bufs[i], got, "worker %d", i)
	}

	snap := wq.MetricsSnapshot()
	assert.Equal(t, uint64(workers), snap.RequestsCompleted)
	assert.Equal(t, uint64(workers*size), snap.BytesCompleted)
}

func TestNonBlockingDeliveryOrder(t *testing.T) {
	env := newLoopbackEnv(t, backend.LoopbackOptions{})

	params := DefaultParams()
	params.RingSize = 16
	params.PrivDataSize = 8
	wq := env.create(t, params, nil)

	rec := NewResultRecorder()
	const count = 32
	for i := 0; i < count; i++ {
		priv := make([]byte, 8)
		binary.LittleEndian.PutUint64(priv, uint64(i))
		buf := pattern(512, byte(i))
		n, err := wq.Post(context.Background(), &Request{
			Fragments: env.iommu.Fragments(buf),
			Length:    uint64(len(buf)),
			Write:     true,
			EPAddr:    uint64(i * 512),
			Done:      rec.Done,
			Priv:      priv,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(len(buf)), n)
	}

	results, ok := rec.Wait(count, 5*time.Second)
	require.True(t, ok, "got %d of %d results", len(results), count)
	for i, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, OutcomeSuccess, r.Outcome)
		assert.Equal(t, uint64(512), r.Bytes)
		require.Len(t, r.Priv, 8)
		assert.Equal(t, uint64(i), binary.LittleEndian.Uint64(r.Priv))
	}
}

func TestStreamingSendToSink(t *testing.T) {
	if PageSize != 4096 {
		t.Skipf("descriptor split assumes 4K pages, have %d", PageSize)
	}
	var sink bytes.Buffer
	env := newLoopbackEnv(t, backend.LoopbackOptions{Sink: &sink})

	params := DefaultParams()
	params.RingSize = 16
	params.Streaming = true
	params.EnableEOT = true
	wq := env.create(t, params, nil)

	src := pattern(10000, 9)
	n, err := wq.Post(context.Background(), &Request{
		Fragments: env.iommu.Fragments(src[:6016], src[6016:]),
		Length:    uint64(len(src)),
		Write:     true,
		EOT:       true,
		Block:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len(src)), n)
	assert.Equal(t, src, sink.Bytes())

	_, err = wq.Post(context.Background(), &Request{
		Fragments: env.iommu.Fragments(src[:6000], src[6000:]),
		Length:    uint64(len(src)),
		Write:     true,
		Block:     true,
	})
	assert.ErrorIs(t, err, ErrAlignment)
}

func TestStreamingReceiveFromSource(t *testing.T) {
	src := pattern(10000, 5)
	env := newLoopbackEnv(t, backend.LoopbackOptions{
		Source:     bytes.NewReader(src),
		C2HBufSize: 4096,
	})

	params := DefaultParams()
	params.RingSize = 16
	params.Streaming = true
	params.C2H = true
	wq := env.create(t, params, nil)

	dst := make([]byte, 16384)
	n, err := wq.Post(context.Background(), &Request{
		Fragments: env.iommu.Fragments(dst),
		Length:    uint64(len(dst)),
		Block:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len(src)), n)
	assert.Equal(t, src, dst[:len(src)])
}

func TestObserverOption(t *testing.T) {
	env := newLoopbackEnv(t, backend.LoopbackOptions{})
	obs := NewMockObserver()

	params := DefaultParams()
	params.RingSize = 16
	wq := env.create(t, params, &Options{Observer: obs})

	buf := pattern(2048, 1)
	_, err := wq.Post(context.Background(), &Request{
		Fragments: env.iommu.Fragments(buf),
		Length:    uint64(len(buf)),
		Write:     true,
		Block:     true,
	})
	require.NoError(t, err)

	submitted, completed := obs.Bytes()
	assert.Equal(t, uint64(2048), submitted)
	assert.Equal(t, uint64(2048), completed)
	assert.Equal(t, 1, obs.Outcomes()[OutcomeSuccess])
	assert.GreaterOrEqual(t, obs.MaxDepth(), uint32(1))

	// The queue's own metrics are bypassed by a custom observer
	assert.Equal(t, uint64(0), wq.MetricsSnapshot().RequestsSubmitted)
}

func TestCancelLatestBlockingPost(t *testing.T) {
	env := newLoopbackEnv(t, backend.LoopbackOptions{Latency: 200 * time.Millisecond})

	params := DefaultParams()
	params.RingSize = 16
	wq := env.create(t, params, nil)

	rec := NewResultRecorder()
	for i := 0; i < 2; i++ {
		buf := pattern(4096, byte(i))
		_, err := wq.Post(context.Background(), &Request{
			Fragments: env.iommu.Fragments(buf),
			Length:    4096,
			Write:     true,
			Done:      rec.Done,
		})
		require.NoError(t, err)
	}

	require.NoError(t, wq.CancelLatest())

	results, ok := rec.Wait(2, 5*time.Second)
	require.True(t, ok)
	assert.Equal(t, OutcomeSuccess, results[0].Outcome)
	assert.Equal(t, OutcomeCanceled, results[1].Outcome)

	assert.ErrorIs(t, wq.CancelLatest(), ErrNothingToCancel)
}

func TestCloseCancelsOutstanding(t *testing.T) {
	env := newLoopbackEnv(t, backend.LoopbackOptions{Latency: 200 * time.Millisecond})

	params := DefaultParams()
	params.RingSize = 16
	wq := env.create(t, params, nil)

	rec := NewResultRecorder()
	for i := 0; i < 4; i++ {
		buf := pattern(1024, byte(i))
		_, err := wq.Post(context.Background(), &Request{
			Fragments: env.iommu.Fragments(buf),
			Length:    1024,
			Write:     true,
			Done:      rec.Done,
		})
		require.NoError(t, err)
	}

	require.NoError(t, wq.Close())

	results := rec.Results()
	require.Len(t, results, 4)
	for _, r := range results {
		if r.Outcome != OutcomeSuccess {
			assert.Equal(t, OutcomeCanceled, r.Outcome)
			assert.ErrorIs(t, r.Err, ErrClosed)
		}
	}
}

func TestCollector(t *testing.T) {
	env := newLoopbackEnv(t, backend.LoopbackOptions{})

	params := DefaultParams()
	params.RingSize = 16
	wq := env.create(t, params, nil)

	buf := pattern(1024, 2)
	_, err := wq.Post(context.Background(), &Request{
		Fragments: env.iommu.Fragments(buf),
		Length:    1024,
		Write:     true,
		Block:     true,
	})
	require.NoError(t, err)

	c := NewCollector(wq, "qdma")
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, mfs, 5)
	var found bool
	for _, mf := range mfs {
		if mf.GetName() == "qdma_workqueue_slots" {
			assert.Len(t, mf.GetMetric(), 3)
		}
		if mf.GetName() == "qdma_workqueue_bytes_completed_total" {
			found = true
			assert.Equal(t, float64(1024), mf.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found)
}
