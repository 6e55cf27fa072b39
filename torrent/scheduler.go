package torrent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/seedless/leech/fileutils"
	"github.com/seedless/leech/messaging"
	"github.com/seedless/leech/peer"
)

// pieceSource is the slice of a peer session the scheduler drives.
// *peer.Session satisfies it; tests substitute fakes.
type pieceSource interface {
	AwaitReady() error
	AwaitUnchoke() error
	HasPiece(index int) bool
	DownloadPiece(d peer.PieceDescriptor) ([]byte, error)
	SendHave(index int)
	Close() error
}

// dialer opens a session to one peer, handshake included.
type dialer func(addr peer.Address) (pieceSource, error)

var errPieceUnavailable = errors.New("peer does not have the assigned piece")

// Scheduler pairs discovered peers with outstanding piece work. It is
// the sole owner of the work queue, the active session set and the
// output file; peer tasks hand completed pieces back over a channel
// and never touch shared state.
type Scheduler struct {
	cfg     Config
	meta    *fileutils.TorrentFile
	dial    dialer
	clk     clock.Clock
	rng     *rand.Rand
	stats   tally.Scope
	log     *zap.SugaredLogger
	results chan taskResult

	// stopping is closed when Run returns so straggler tasks never
	// block sending a result nobody will read.
	stopping chan struct{}

	completedPieces *atomic.Int32
	downloadedBytes *atomic.Int64
}

// taskResult is one finished peer task: either a verified piece or
// the error that ended the attempt.
type taskResult struct {
	task *activeTask
	data []byte
	err  error
}

// activeTask is the scheduler's handle on one running peer task. The
// session pointer lands after the dial completes so a cancellation
// can close it mid-flight.
type activeTask struct {
	addr      peer.Address
	desc      peer.PieceDescriptor
	startedAt time.Time

	mu        sync.Mutex
	src       pieceSource
	cancelled bool
}

// attach records the dialed session, unless the task was already
// cancelled, in which case the caller must drop the session.
func (t *activeTask) attach(src pieceSource) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return false
	}
	t.src = src
	return true
}

// cancel tears the task down: any attached session is closed, which
// unblocks its pending socket reads.
func (t *activeTask) cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = true
	if t.src != nil {
		t.src.Close()
	}
}

func (t *activeTask) wasCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Option overrides a Scheduler collaborator, mostly for tests.
type Option func(*Scheduler)

// WithClock substitutes the scheduler's clock.
func WithClock(clk clock.Clock) Option {
	return func(s *Scheduler) { s.clk = clk }
}

// WithStats substitutes the stats scope.
func WithStats(scope tally.Scope) Option {
	return func(s *Scheduler) { s.stats = scope }
}

// WithLogger substitutes the logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithDialer substitutes how peer sessions are established.
func WithDialer(d dialer) Option {
	return func(s *Scheduler) { s.dial = d }
}

// WithRand substitutes the randomness used to shuffle the work queue.
func WithRand(rng *rand.Rand) Option {
	return func(s *Scheduler) { s.rng = rng }
}

// New builds a scheduler for one torrent. peerID is the identity sent
// in every handshake; it must match what was announced to the
// tracker.
func New(meta *fileutils.TorrentFile, peerID [20]byte, cfg Config, opts ...Option) *Scheduler {
	cfg = cfg.applyDefaults()
	s := &Scheduler{
		cfg:             cfg,
		meta:            meta,
		clk:             clock.New(),
		stats:           tally.NoopScope,
		log:             zap.NewNop().Sugar(),
		results:         make(chan taskResult, cfg.MaxConcurrent),
		stopping:        make(chan struct{}),
		completedPieces: atomic.NewInt32(0),
		downloadedBytes: atomic.NewInt64(0),
	}
	hs := messaging.Handshake{InfoHash: meta.InfoHash, PeerID: peerID}
	s.dial = func(addr peer.Address) (pieceSource, error) {
		sess, err := peer.Dial(addr, hs, meta.PieceCount(), cfg.Peer, s.log)
		if err != nil {
			return nil, err
		}
		return sess, nil
	}
	if *cfg.Shuffle {
		s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("scheduler")
	return s
}

// Progress reports completed pieces, total pieces and downloaded
// bytes. Safe to call from any goroutine while Run is in flight.
func (s *Scheduler) Progress() (done, total int, bytes int64) {
	return int(s.completedPieces.Load()), s.meta.PieceCount(), s.downloadedBytes.Load()
}

// Left returns how many bytes remain, as reported to the tracker.
func (s *Scheduler) Left() int64 {
	left := s.meta.Info.Length - s.downloadedBytes.Load()
	if left < 0 {
		return 0
	}
	return left
}

// Run downloads every piece and writes each at its offset in out. It
// returns nil once all pieces are verified and written, the output
// write error if the disk fails (fatal), or ctx.Err on cancellation.
// Peer-level failures are never fatal: the piece goes back on the
// queue and the peer is dropped.
func (s *Scheduler) Run(ctx context.Context, out io.WriterAt, updates <-chan []peer.Address) error {
	defer close(s.stopping)

	queue := newPieceQueue(Partition(s.meta), s.rng)
	completed := make([]bool, s.meta.PieceCount())
	active := make(map[string]*activeTask)
	var available []peer.Address

	ticker := s.clk.Ticker(s.cfg.TickInterval)
	defer ticker.Stop()

	activeGauge := s.stats.Gauge("active_peers")

	for {
		select {
		case <-ctx.Done():
			for _, task := range active {
				task.cancel()
			}
			return ctx.Err()

		case list := <-updates:
			available = list
			s.log.Debugw("peer list updated", "peers", len(list))

		case r := <-s.results:
			if err := s.handleResult(r, queue, completed, active, out); err != nil {
				for _, task := range active {
					task.cancel()
				}
				return err
			}

		case <-ticker.C:
			s.reapStalled(queue, active)
		}

		s.dispatch(queue, completed, active, available)
		activeGauge.Update(float64(len(active)))

		if int(s.completedPieces.Load()) == s.meta.PieceCount() {
			// Tasks still in flight (a stalled peer whose piece
			// completed elsewhere) are torn down with the run.
			for _, task := range active {
				task.cancel()
			}
			s.log.Infow("download complete", "pieces", s.meta.PieceCount(), "bytes", s.downloadedBytes.Load())
			return nil
		}
	}
}

// handleResult folds one finished task back into scheduler state.
// Only output-file errors propagate.
func (s *Scheduler) handleResult(r taskResult, queue *pieceQueue, completed []bool, active map[string]*activeTask, out io.WriterAt) error {
	key := r.task.addr.String()
	if active[key] == r.task {
		delete(active, key)
	}

	if r.err != nil {
		s.stats.Counter("pieces_failed").Inc(1)
		s.log.Debugw("piece attempt failed",
			"piece", r.task.desc.Index, "peer", key, "error", r.err)
		// A cancelled task's piece was already re-queued by the
		// reaper.
		if !r.task.wasCancelled() {
			queue.pushBack(r.task.desc)
		}
		return nil
	}

	desc := r.task.desc
	if completed[desc.Index] {
		// A success racing its own cancellation can arrive after the
		// re-queued descriptor completed elsewhere. The piece is
		// already on disk; never write the same offset twice.
		return nil
	}
	offset := int64(desc.Index) * int64(s.meta.Info.PieceLength)
	if _, err := out.WriteAt(r.data, offset); err != nil {
		return fmt.Errorf("writing piece %d at offset %d: %w", desc.Index, offset, err)
	}
	completed[desc.Index] = true
	s.completedPieces.Inc()
	s.downloadedBytes.Add(int64(len(r.data)))
	s.stats.Counter("pieces_completed").Inc(1)
	s.log.Debugw("piece written",
		"piece", desc.Index, "peer", key,
		"done", s.completedPieces.Load(), "total", s.meta.PieceCount())
	return nil
}

// reapStalled cancels sessions that have exceeded the per-piece
// budget and puts their pieces back in the queue.
func (s *Scheduler) reapStalled(queue *pieceQueue, active map[string]*activeTask) {
	now := s.clk.Now()
	for key, task := range active {
		if now.Sub(task.startedAt) <= s.cfg.PieceTimeout {
			continue
		}
		s.stats.Counter("pieces_timed_out").Inc(1)
		s.log.Debugw("piece timed out", "piece", task.desc.Index, "peer", key)
		task.cancel()
		queue.pushBack(task.desc)
		delete(active, key)
	}
}

// dispatch pairs idle peers with queued pieces until the concurrency
// cap or either resource runs out.
func (s *Scheduler) dispatch(queue *pieceQueue, completed []bool, active map[string]*activeTask, available []peer.Address) {
	for _, addr := range available {
		if len(active) >= s.cfg.MaxConcurrent {
			return
		}
		key := addr.String()
		if _, busy := active[key]; busy {
			continue
		}
		desc, ok := s.nextPiece(queue, completed)
		if !ok {
			return
		}
		task := &activeTask{addr: addr, desc: desc, startedAt: s.clk.Now()}
		active[key] = task
		go s.runTask(task)
	}
}

// nextPiece pops the first descriptor that still needs downloading.
// Stale re-queued entries for pieces that completed via the
// cancellation race are dropped here.
func (s *Scheduler) nextPiece(queue *pieceQueue, completed []bool) (peer.PieceDescriptor, bool) {
	for {
		desc, ok := queue.popFront()
		if !ok {
			return peer.PieceDescriptor{}, false
		}
		if !completed[desc.Index] {
			return desc, true
		}
	}
}

// runTask is the peer task: dial, handshake, wait for unchoke,
// download the assigned piece, report. It owns its session and the
// descriptor until the result is delivered.
func (s *Scheduler) runTask(task *activeTask) {
	data, err := s.attemptPiece(task)
	select {
	case s.results <- taskResult{task: task, data: data, err: err}:
	case <-s.stopping:
	}
}

func (s *Scheduler) attemptPiece(task *activeTask) ([]byte, error) {
	src, err := s.dial(task.addr)
	if err != nil {
		return nil, err
	}
	if !task.attach(src) {
		src.Close()
		return nil, errors.New("cancelled before handshake completed")
	}
	defer src.Close()

	if err := src.AwaitReady(); err != nil {
		return nil, err
	}
	if !src.HasPiece(task.desc.Index) {
		return nil, errPieceUnavailable
	}
	for {
		data, err := src.DownloadPiece(task.desc)
		if errors.Is(err, peer.ErrChoked) {
			// Mid-download choke: abandon the attempt but keep the
			// session; retry once the peer unchokes. The piece
			// timeout still bounds the whole task.
			if err := src.AwaitUnchoke(); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		src.SendHave(task.desc.Index)
		return data, nil
	}
}
