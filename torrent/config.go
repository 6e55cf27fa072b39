package torrent

import (
	"time"

	"github.com/seedless/leech/peer"
)

// Config is the scheduler configuration.
type Config struct {
	// MaxConcurrent caps how many peer sessions run at once.
	MaxConcurrent int `yaml:"max_concurrent"`

	// PieceTimeout is the wall-clock budget for one piece on one
	// peer; a session older than this is cancelled and its piece
	// re-queued.
	PieceTimeout time.Duration `yaml:"piece_timeout"`

	// TickInterval is how often the scheduler loop wakes to reap
	// stalled sessions and dispatch new ones.
	TickInterval time.Duration `yaml:"tick_interval"`

	// Shuffle randomizes the initial piece order. On by default;
	// deterministic order is fine for tests.
	Shuffle *bool `yaml:"shuffle"`

	Peer peer.Config `yaml:"peer"`
}

func (c Config) applyDefaults() Config {
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 20
	}
	if c.PieceTimeout == 0 {
		c.PieceTimeout = 5 * time.Second
	}
	if c.TickInterval == 0 {
		c.TickInterval = 200 * time.Millisecond
	}
	if c.Shuffle == nil {
		t := true
		c.Shuffle = &t
	}
	return c
}
