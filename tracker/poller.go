package tracker

import (
	"context"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/seedless/leech/peer"
)

// Poller re-announces on the tracker's interval and publishes each
// peer list to a watch channel: the consumer always observes the most
// recent list, never a backlog.
type Poller struct {
	client     *Client
	progressFn func() Progress
	clk        clock.Clock
	log        *zap.SugaredLogger
}

// NewPoller builds a poller around an announce client. progressFn is
// sampled at each announce; clk may be nil for the wall clock.
func NewPoller(client *Client, progressFn func() Progress, clk clock.Clock, log *zap.SugaredLogger) *Poller {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Poller{
		client:     client,
		progressFn: progressFn,
		clk:        clk,
		log:        log.Named("poller"),
	}
}

// Run announces until ctx is cancelled, publishing peer lists to
// updates. Failed announces are retried with exponential backoff; if
// retries are exhausted the poller logs and waits out the interval
// from the last good response. The updates channel must be buffered
// (capacity 1); the poller both sends and drains it to keep only the
// newest list.
func (p *Poller) Run(ctx context.Context, updates chan []peer.Address) {
	interval := 30 * time.Second // until the tracker tells us otherwise
	for {
		res, err := p.announceWithRetry(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warnw("announce failed, keeping previous peer list", "error", err)
		} else {
			interval = res.Interval
			p.log.Debugw("announce ok", "peers", len(res.Peers), "interval", res.Interval)
			publishLatest(updates, res.Peers)
		}

		timer := p.clk.Timer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (p *Poller) announceWithRetry(ctx context.Context) (*Response, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.client.cfg.RetryInitialInterval
	policy.MaxElapsedTime = p.client.cfg.RetryMaxElapsed

	var res *Response
	err := backoff.Retry(func() error {
		var err error
		res, err = p.client.Announce(ctx, p.progressFn())
		return err
	}, backoff.WithContext(policy, ctx))
	return res, err
}

// publishLatest delivers peers with latest-wins semantics: a stale
// value sitting in the channel is replaced rather than queued behind.
func publishLatest(updates chan []peer.Address, peers []peer.Address) {
	for {
		select {
		case updates <- peers:
			return
		default:
		}
		select {
		case <-updates:
		default:
		}
	}
}
