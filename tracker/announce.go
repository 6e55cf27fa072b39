// Package tracker talks to an HTTP tracker: one-shot announces and a
// polling loop that keeps a fresh peer list flowing to the scheduler.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/seedless/leech/bencode"
	"github.com/seedless/leech/peer"
)

// ErrTracker reports a failed announce: network failure, an HTTP
// error status, a response that is not bencode, or an explicit
// failure reason from the tracker.
var ErrTracker = errors.New("tracker: announce failed")

// Config carries the announce tunables.
type Config struct {
	// Timeout bounds a single HTTP announce.
	Timeout time.Duration `yaml:"timeout"`

	// Port is the local port advertised to the tracker.
	Port int `yaml:"port"`

	// RetryInitialInterval seeds the backoff between retries of a
	// failed announce.
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval"`

	// RetryMaxElapsed caps how long one announce is retried before
	// the poller falls back to waiting out the poll interval.
	RetryMaxElapsed time.Duration `yaml:"retry_max_elapsed"`
}

func (c Config) applyDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = 15 * time.Second
	}
	if c.Port == 0 {
		c.Port = 6881
	}
	if c.RetryInitialInterval == 0 {
		c.RetryInitialInterval = time.Second
	}
	if c.RetryMaxElapsed == 0 {
		c.RetryMaxElapsed = 30 * time.Second
	}
	return c
}

// Progress is the transfer state reported with each announce.
type Progress struct {
	Uploaded   int64
	Downloaded int64
	Left       int64
}

// Response is a decoded announce response.
type Response struct {
	// Interval is how long the tracker wants us to wait before the
	// next announce.
	Interval time.Duration

	// Peers is the decoded compact peer list.
	Peers []peer.Address
}

// Client announces to a single HTTP tracker.
type Client struct {
	announceURL string
	infoHash    [20]byte
	peerID      [20]byte
	cfg         Config
	httpClient  *http.Client
	log         *zap.SugaredLogger
}

// NewClient builds an announce client for one torrent.
func NewClient(announceURL string, infoHash, peerID [20]byte, cfg Config, log *zap.SugaredLogger) *Client {
	cfg = cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Client{
		announceURL: announceURL,
		infoHash:    infoHash,
		peerID:      peerID,
		cfg:         cfg,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		log:         log.Named("tracker"),
	}
}

// buildURL assembles the announce GET URL. The info_hash and peer_id
// values are the raw 20 bytes; url.Values percent-encodes each byte
// individually, which is the historical tracker convention (not
// UTF-8).
func (c *Client) buildURL(p Progress) (string, error) {
	base, err := url.Parse(c.announceURL)
	if err != nil {
		return "", fmt.Errorf("%w: bad announce URL %q: %v", ErrTracker, c.announceURL, err)
	}
	params := url.Values{
		"info_hash":  []string{string(c.infoHash[:])},
		"peer_id":    []string{string(c.peerID[:])},
		"port":       []string{strconv.Itoa(c.cfg.Port)},
		"uploaded":   []string{strconv.FormatInt(p.Uploaded, 10)},
		"downloaded": []string{strconv.FormatInt(p.Downloaded, 10)},
		"left":       []string{strconv.FormatInt(p.Left, 10)},
		"compact":    []string{"1"},
	}
	base.RawQuery = params.Encode()
	return base.String(), nil
}

// Announce performs one announce and decodes the peer list.
func (c *Client) Announce(ctx context.Context, p Progress) (*Response, error) {
	announceURL, err := c.buildURL(p)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, announceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTracker, err)
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTracker, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %s", ErrTracker, res.Status)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrTracker, err)
	}
	return parseResponse(body)
}

func parseResponse(body []byte) (*Response, error) {
	var reply struct {
		FailureReason string `bencode:"failure reason"`
		Interval      int64  `bencode:"interval"`
		Peers         []byte `bencode:"peers"`
	}
	if err := bencode.Unmarshal(body, &reply); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTracker, err)
	}
	if reply.FailureReason != "" {
		return nil, fmt.Errorf("%w: %s", ErrTracker, reply.FailureReason)
	}
	if reply.Interval <= 0 {
		return nil, fmt.Errorf("%w: missing interval", ErrTracker)
	}
	peers, err := peer.ParseCompact(reply.Peers)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTracker, err)
	}
	return &Response{
		Interval: time.Duration(reply.Interval) * time.Second,
		Peers:    peers,
	}, nil
}
