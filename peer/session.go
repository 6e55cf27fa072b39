package peer

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/seedless/leech/messaging"
)

// BlockSize is the fixed request granularity within a piece.
const BlockSize = 16 * 1024

// ErrHandshakeMismatch reports a peer that answered the handshake
// with a different info-hash.
var ErrHandshakeMismatch = errors.New("peer: handshake info-hash mismatch")

// ErrHashMismatch reports a completed piece whose SHA-1 disagrees
// with the metainfo. The peer that produced it is suspect.
var ErrHashMismatch = errors.New("peer: piece hash mismatch")

// ErrChoked reports a choke received mid-download. The piece in
// flight is abandoned; the session itself is still usable once the
// peer unchokes again.
var ErrChoked = errors.New("peer: choked mid-download")

// errNotReady guards against driving the block pipeline before the
// session reached the ready state.
var errNotReady = errors.New("peer: session not ready")

// PieceDescriptor identifies one unit of download work: a piece
// index, its exact byte length and its published hash.
type PieceDescriptor struct {
	Index  int
	Length int
	Hash   [20]byte
}

// Config carries the session tunables.
type Config struct {
	// DialTimeout bounds the TCP connect.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// ReadTimeout bounds each wire read and write. A peer that goes
	// silent longer than this fails the session.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// MaxPipeline is how many block requests may be outstanding at
	// once within a piece.
	MaxPipeline int `yaml:"max_pipeline"`
}

func (c Config) applyDefaults() Config {
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.MaxPipeline == 0 {
		c.MaxPipeline = 5
	}
	return c
}

// Session is a live connection to one peer. It moves through the
// states connected (after Dial), ready (after AwaitReady) and
// downloading (inside DownloadPiece); any wire error is terminal for
// the session but not for the piece, which the caller re-queues.
type Session struct {
	conn      net.Conn
	addr      Address
	remoteID  [20]byte
	numPieces int
	cfg       Config
	log       *zap.SugaredLogger

	bitfield *Bitfield // nil until the peer announces one
	choked   bool
	ready    bool
}

// Dial connects to addr, exchanges handshakes and verifies the peer
// is serving the same torrent. The returned session is connected but
// not yet ready: the peer still chokes us.
func Dial(addr Address, hs messaging.Handshake, numPieces int, cfg Config, log *zap.SugaredLogger) (*Session, error) {
	cfg = cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	conn, err := net.DialTimeout("tcp", addr.String(), cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	s := &Session{
		conn:      conn,
		addr:      addr,
		numPieces: numPieces,
		cfg:       cfg,
		log:       log.Named("peer").With("addr", addr.String()),
		choked:    true,
	}
	if err := s.handshake(hs); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) handshake(hs messaging.Handshake) error {
	s.conn.SetDeadline(time.Now().Add(s.cfg.ReadTimeout))
	defer s.conn.SetDeadline(time.Time{})

	if _, err := s.conn.Write(hs.Serialize()); err != nil {
		return fmt.Errorf("sending handshake to %s: %w", s.addr, err)
	}
	reply, err := messaging.ReadHandshake(s.conn)
	if err != nil {
		return fmt.Errorf("handshake with %s: %w", s.addr, err)
	}
	if !bytes.Equal(reply.InfoHash[:], hs.InfoHash[:]) {
		return fmt.Errorf("%w: %s answered %x", ErrHandshakeMismatch, s.addr, reply.InfoHash)
	}
	s.remoteID = reply.PeerID
	s.log.Debugw("handshake complete", "remote_id", fmt.Sprintf("%x", reply.PeerID))
	return nil
}

// RemoteID returns the peer id the remote sent in its handshake.
func (s *Session) RemoteID() [20]byte { return s.remoteID }

// Addr returns the remote address.
func (s *Session) Addr() Address { return s.addr }

// HasPiece reports whether the peer claims piece i. A peer that never
// sent a bitfield is assumed to have everything; a wrong assumption
// surfaces as a failed request and the scheduler moves on.
func (s *Session) HasPiece(i int) bool {
	if s.bitfield == nil {
		return true
	}
	return s.bitfield.Has(i)
}

// AwaitReady declares interest and waits for the peer to unchoke.
// Some peers lead with a bitfield, some with have messages, some with
// nothing at all before the unchoke; all are tolerated.
func (s *Session) AwaitReady() error {
	if _, err := s.write(messaging.NewInterested()); err != nil {
		return err
	}
	if err := s.awaitUnchoke(); err != nil {
		return err
	}
	s.ready = true
	return nil
}

// awaitUnchoke consumes messages until the peer unchokes, folding
// bitfield and have announcements into the session view.
func (s *Session) awaitUnchoke() error {
	for s.choked {
		msg, err := s.read()
		if err != nil {
			return err
		}
		if err := s.handleControl(msg); err != nil {
			return err
		}
		if msg.ID == messaging.IDPiece {
			return fmt.Errorf("%s: unsolicited piece while choked", s.addr)
		}
	}
	return nil
}

// handleControl folds a control message into session state. Piece
// messages are not control and must be handled by the caller.
func (s *Session) handleControl(msg *messaging.Message) error {
	switch msg.ID {
	case messaging.IDChoke:
		s.choked = true
	case messaging.IDUnchoke:
		s.choked = false
	case messaging.IDBitfield:
		b, err := BitfieldFromWire(msg.Payload, s.numPieces)
		if err != nil {
			return fmt.Errorf("%s: %w", s.addr, err)
		}
		s.bitfield = b
	case messaging.IDHave:
		index, err := messaging.ParseHave(msg)
		if err != nil {
			return fmt.Errorf("%s: %w", s.addr, err)
		}
		if s.bitfield == nil {
			s.bitfield = NewBitfield(s.numPieces)
		}
		s.bitfield.Set(index)
	case messaging.IDInterested, messaging.IDNotInterested, messaging.IDRequest, messaging.IDCancel:
		// We do not serve uploads; a leeching peer gets silence.
	}
	return nil
}

// DownloadPiece runs the block pipeline for one piece and verifies
// the result. On ErrChoked the caller may wait out the choke with
// AwaitUnchoke and retry; on any other error the session is dead.
func (s *Session) DownloadPiece(d PieceDescriptor) ([]byte, error) {
	if !s.ready {
		return nil, errNotReady
	}
	if s.choked {
		return nil, ErrChoked
	}

	buf := make([]byte, d.Length)
	outstanding := make(map[int]int, s.cfg.MaxPipeline) // begin -> requested length
	next := 0 // offset of the next block to request
	done := 0

	for done < d.Length {
		for len(outstanding) < s.cfg.MaxPipeline && next < d.Length {
			length := BlockSize
			if next+length > d.Length {
				length = d.Length - next
			}
			if _, err := s.write(messaging.NewRequest(d.Index, next, length)); err != nil {
				return nil, err
			}
			outstanding[next] = length
			next += length
		}

		msg, err := s.read()
		if err != nil {
			return nil, err
		}
		if msg.ID != messaging.IDPiece {
			if err := s.handleControl(msg); err != nil {
				return nil, err
			}
			if s.choked {
				return nil, ErrChoked
			}
			continue
		}

		index, begin, block, err := messaging.ParsePiece(msg)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.addr, err)
		}
		if index != d.Index {
			return nil, fmt.Errorf("%s: piece %d delivered while downloading %d", s.addr, index, d.Index)
		}
		want, pending := outstanding[begin]
		if !pending {
			return nil, fmt.Errorf("%s: unrequested block at offset %d of piece %d", s.addr, begin, index)
		}
		if len(block) != want {
			return nil, fmt.Errorf("%s: block at offset %d of piece %d is %d bytes, requested %d",
				s.addr, begin, index, len(block), want)
		}
		copy(buf[begin:], block)
		delete(outstanding, begin)
		done += want
	}

	if sum := sha1.Sum(buf); !bytes.Equal(sum[:], d.Hash[:]) {
		return nil, fmt.Errorf("%w: piece %d from %s", ErrHashMismatch, d.Index, s.addr)
	}
	return buf, nil
}

// AwaitUnchoke waits out a choke so the caller can retry a piece on
// the same session.
func (s *Session) AwaitUnchoke() error {
	return s.awaitUnchoke()
}

// SendHave tells the peer we completed a piece. Best effort: the
// session does not fail if the peer is gone.
func (s *Session) SendHave(index int) {
	s.write(messaging.NewHave(index))
}

// Close releases the connection. Safe to call from another goroutine
// to cancel a download in flight; the blocked read fails immediately.
func (s *Session) Close() error {
	return s.conn.Close()
}

func (s *Session) read() (*messaging.Message, error) {
	s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	msg, err := messaging.Read(s.conn)
	if err != nil {
		return nil, fmt.Errorf("reading from %s: %w", s.addr, err)
	}
	return msg, nil
}

func (s *Session) write(msg *messaging.Message) (int, error) {
	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.ReadTimeout))
	n, err := s.conn.Write(msg.Serialize())
	if err != nil {
		return n, fmt.Errorf("writing %s to %s: %w", msg.ID, s.addr, err)
	}
	return n, nil
}
