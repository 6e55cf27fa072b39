package torrent

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/seedless/leech/peer"
)

var testPeerID = [20]byte{'-', 'L', 'C', '0', '0', '0', '1', '-', 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}

func testAddrs(n int) []peer.Address {
	addrs := make([]peer.Address, n)
	for i := range addrs {
		addrs[i] = peer.Address{IP: net.IPv4(127, 0, 0, 1), Port: uint16(20000 + i)}
	}
	return addrs
}

func fastConfig() Config {
	off := false
	return Config{
		MaxConcurrent: 20,
		PieceTimeout:  2 * time.Second,
		TickInterval:  5 * time.Millisecond,
		Shuffle:       &off,
	}
}

// memWriter is an in-memory output file that records every write so
// tests can assert exactly-once semantics per offset.
type memWriter struct {
	mu     sync.Mutex
	buf    []byte
	writes map[int64]int
	fail   error
}

func newMemWriter(size int64) *memWriter {
	return &memWriter{buf: make([]byte, size), writes: make(map[int64]int)}
}

func (w *memWriter) WriteAt(p []byte, off int64) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return 0, w.fail
	}
	w.writes[off]++
	copy(w.buf[off:], p)
	return len(p), nil
}

func (w *memWriter) assertWrittenOnce(t *testing.T, content []byte, pieceLength int) {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	require.Equal(t, content, w.buf)
	numPieces := (len(content) + pieceLength - 1) / pieceLength
	require.Len(t, w.writes, numPieces)
	for off, count := range w.writes {
		require.Equal(t, 1, count, "offset %d written %d times", off, count)
	}
}

// fakeSource serves piece data straight out of the torrent content.
type fakeSource struct {
	content      []byte
	failDownload func(d peer.PieceDescriptor) error
	block        bool

	closed chan struct{}
	once   sync.Once
}

func newFakeSource(content []byte) *fakeSource {
	return &fakeSource{content: content, closed: make(chan struct{})}
}

func (f *fakeSource) AwaitReady() error       { return nil }
func (f *fakeSource) AwaitUnchoke() error     { return nil }
func (f *fakeSource) HasPiece(index int) bool { return true }
func (f *fakeSource) SendHave(index int)      {}

func (f *fakeSource) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeSource) DownloadPiece(d peer.PieceDescriptor) ([]byte, error) {
	if f.block {
		<-f.closed
		return nil, errors.New("connection closed")
	}
	if f.failDownload != nil {
		if err := f.failDownload(d); err != nil {
			return nil, err
		}
	}
	start := d.Index * 16 // piece length in these tests is 16
	return append([]byte(nil), f.content[start:start+d.Length]...), nil
}

func run(t *testing.T, s *Scheduler, out *memWriter, addrs []peer.Address) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	updates := make(chan []peer.Address, 1)
	updates <- addrs
	return s.Run(ctx, out, updates)
}

func TestSchedulerLiveness(t *testing.T) {
	meta, content := testTorrent(t, 130, 16)
	out := newMemWriter(meta.Info.Length)

	dial := func(addr peer.Address) (pieceSource, error) {
		return newFakeSource(content), nil
	}
	s := New(meta, testPeerID, fastConfig(), WithDialer(dial))

	require.NoError(t, run(t, s, out, testAddrs(3)))
	out.assertWrittenOnce(t, content, 16)

	done, total, bytes := s.Progress()
	require.Equal(t, total, done)
	require.Equal(t, meta.Info.Length, bytes)
	require.Equal(t, int64(0), s.Left())
}

func TestSchedulerSinglePeer(t *testing.T) {
	meta, content := testTorrent(t, 64, 16)
	out := newMemWriter(meta.Info.Length)

	dial := func(addr peer.Address) (pieceSource, error) {
		return newFakeSource(content), nil
	}
	s := New(meta, testPeerID, fastConfig(), WithDialer(dial))
	require.NoError(t, run(t, s, out, testAddrs(1)))
	out.assertWrittenOnce(t, content, 16)
}

func TestSchedulerRetryFlakyPeers(t *testing.T) {
	meta, content := testTorrent(t, 160, 16)
	out := newMemWriter(meta.Info.Length)

	// Each download attempt fails with probability one half; the
	// scheduler must still finish every piece exactly once.
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(7))
	dial := func(addr peer.Address) (pieceSource, error) {
		src := newFakeSource(content)
		src.failDownload = func(d peer.PieceDescriptor) error {
			mu.Lock()
			defer mu.Unlock()
			if rng.Intn(2) == 0 {
				return fmt.Errorf("flaky peer dropped piece %d", d.Index)
			}
			return nil
		}
		return src, nil
	}
	s := New(meta, testPeerID, fastConfig(), WithDialer(dial))
	require.NoError(t, run(t, s, out, testAddrs(4)))
	out.assertWrittenOnce(t, content, 16)
}

func TestSchedulerRecoversFromDialFailure(t *testing.T) {
	meta, content := testTorrent(t, 96, 16)
	out := newMemWriter(meta.Info.Length)

	dial := func(addr peer.Address) (pieceSource, error) {
		if addr.Port%2 == 0 {
			return nil, errors.New("connection refused")
		}
		return newFakeSource(content), nil
	}
	s := New(meta, testPeerID, fastConfig(), WithDialer(dial))
	require.NoError(t, run(t, s, out, testAddrs(4)))
	out.assertWrittenOnce(t, content, 16)
}

func TestSchedulerConcurrencyCap(t *testing.T) {
	meta, content := testTorrent(t, 320, 16)
	out := newMemWriter(meta.Info.Length)

	cfg := fastConfig()
	cfg.MaxConcurrent = 3

	inFlight := atomic.NewInt32(0)
	maxSeen := atomic.NewInt32(0)
	dial := func(addr peer.Address) (pieceSource, error) {
		src := newFakeSource(content)
		src.failDownload = func(peer.PieceDescriptor) error {
			n := inFlight.Inc()
			for {
				cur := maxSeen.Load()
				if n <= cur || maxSeen.CAS(cur, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			inFlight.Dec()
			return nil
		}
		return src, nil
	}
	s := New(meta, testPeerID, cfg, WithDialer(dial))
	require.NoError(t, run(t, s, out, testAddrs(10)))
	out.assertWrittenOnce(t, content, 16)
	require.LessOrEqual(t, maxSeen.Load(), int32(3))
}

func TestSchedulerTimeoutRequeues(t *testing.T) {
	meta, content := testTorrent(t, 48, 16)
	out := newMemWriter(meta.Info.Length)

	cfg := fastConfig()
	cfg.PieceTimeout = 30 * time.Millisecond

	// The first address hangs forever; the second serves correctly.
	// Every piece must eventually route around the stuck peer.
	var stuck []*fakeSource
	var mu sync.Mutex
	dial := func(addr peer.Address) (pieceSource, error) {
		src := newFakeSource(content)
		if addr.Port == 20000 {
			src.block = true
			mu.Lock()
			stuck = append(stuck, src)
			mu.Unlock()
		}
		return src, nil
	}
	s := New(meta, testPeerID, cfg, WithDialer(dial))
	require.NoError(t, run(t, s, out, testAddrs(2)))
	out.assertWrittenOnce(t, content, 16)

	// Cancellation released the stuck sessions' sockets. The last
	// session may be torn down by its own goroutine just after Run
	// returns, so poll briefly.
	mu.Lock()
	snapshot := append([]*fakeSource(nil), stuck...)
	mu.Unlock()
	require.NotEmpty(t, snapshot)
	for _, src := range snapshot {
		select {
		case <-src.closed:
		case <-time.After(time.Second):
			t.Fatal("timed-out session was not closed")
		}
	}
}

func TestSchedulerFatalOutputError(t *testing.T) {
	meta, content := testTorrent(t, 48, 16)
	out := newMemWriter(meta.Info.Length)
	out.fail = errors.New("disk full")

	dial := func(addr peer.Address) (pieceSource, error) {
		return newFakeSource(content), nil
	}
	s := New(meta, testPeerID, fastConfig(), WithDialer(dial))
	err := run(t, s, out, testAddrs(2))
	require.ErrorContains(t, err, "disk full")
}

func TestSchedulerContextCancelled(t *testing.T) {
	meta, _ := testTorrent(t, 48, 16)
	out := newMemWriter(meta.Info.Length)

	s := New(meta, testPeerID, fastConfig(),
		WithDialer(func(peer.Address) (pieceSource, error) {
			return nil, errors.New("unreachable")
		}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	updates := make(chan []peer.Address, 1)
	err := s.Run(ctx, out, updates)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSchedulerChokeRetriedOnSameSession(t *testing.T) {
	meta, content := testTorrent(t, 32, 16)
	out := newMemWriter(meta.Info.Length)

	// First attempt per source reports a mid-download choke; the
	// task must wait out the choke and retry without failing.
	dial := func(addr peer.Address) (pieceSource, error) {
		src := newFakeSource(content)
		first := true
		src.failDownload = func(peer.PieceDescriptor) error {
			if first {
				first = false
				return peer.ErrChoked
			}
			return nil
		}
		return src, nil
	}
	s := New(meta, testPeerID, fastConfig(), WithDialer(dial))
	require.NoError(t, run(t, s, out, testAddrs(1)))
	out.assertWrittenOnce(t, content, 16)
}
