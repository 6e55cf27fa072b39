// Package client wires the pieces of a download together: metainfo
// loading, tracker polling, the scheduler and the output file.
package client

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/seedless/leech/fileutils"
	"github.com/seedless/leech/peer"
	"github.com/seedless/leech/torrent"
	"github.com/seedless/leech/tracker"
	"github.com/seedless/leech/utils"
)

// ProgressFunc receives download progress while Run is in flight.
type ProgressFunc func(done, total int, bytes int64)

// Options carries the optional collaborators for a download.
type Options struct {
	Config     Config
	Logger     *zap.SugaredLogger
	OnProgress ProgressFunc
}

// Download fetches the torrent at torrentPath into outPath. An empty
// outPath puts the file next to the torrent under its metainfo name.
// It blocks until the download completes, the context is cancelled or
// a fatal error occurs.
func Download(ctx context.Context, torrentPath, outPath string, opts Options) error {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	meta, err := fileutils.Open(torrentPath)
	if err != nil {
		return err
	}
	if outPath == "" {
		outPath = filepath.Join(filepath.Dir(torrentPath), meta.Info.Name)
	}

	outFile, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	defer outFile.Close()
	if err := outFile.Truncate(meta.Info.Length); err != nil {
		return fmt.Errorf("sizing output file: %w", err)
	}

	id := utils.ClientID()
	log.Infow("starting download",
		"name", meta.Info.Name,
		"size", meta.Info.Length,
		"pieces", meta.PieceCount(),
		"info_hash", fmt.Sprintf("%x", meta.InfoHash))

	sched := torrent.New(meta, id, opts.Config.Scheduler, torrent.WithLogger(log))

	announce := tracker.NewClient(meta.Announce, meta.InfoHash, id, opts.Config.Tracker, log)
	poller := tracker.NewPoller(announce, func() tracker.Progress {
		_, _, bytes := sched.Progress()
		return tracker.Progress{Downloaded: bytes, Left: sched.Left()}
	}, nil, log)

	pollCtx, stopPolling := context.WithCancel(ctx)
	defer stopPolling()
	updates := make(chan []peer.Address, 1)
	go poller.Run(pollCtx, updates)

	stopProgress := func() {}
	if opts.OnProgress != nil {
		stopProgress = reportProgress(sched, opts.OnProgress)
	}

	err = sched.Run(ctx, outFile, updates)
	stopProgress()
	if err != nil {
		return err
	}
	if opts.OnProgress != nil {
		opts.OnProgress(meta.PieceCount(), meta.PieceCount(), meta.Info.Length)
	}
	log.Infow("saved file", "path", outPath)
	return nil
}

// reportProgress samples the scheduler a few times a second until the
// returned stop function is called.
func reportProgress(sched *torrent.Scheduler, fn ProgressFunc) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				fn(sched.Progress())
			}
		}
	}()
	// stop blocks until the reporter exits so the caller can safely
	// emit a final progress event without racing it.
	return func() {
		close(done)
		<-finished
	}
}
