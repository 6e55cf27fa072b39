// Command leech downloads the content of a single-file torrent.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin"
	"github.com/mitchellh/colorstring"
	"github.com/schollz/progressbar/v3"

	"github.com/seedless/leech/client"
	"github.com/seedless/leech/utils/log"
)

func main() {
	app := kingpin.New("leech", "Download the content of a single-file torrent.")
	torrentPath := app.Arg("torrent", "Path of the torrent file.").Required().ExistingFile()
	outPath := app.Flag("output", "Path of the output file. Defaults to the torrent's name next to the torrent file.").Short('o').String()
	configPath := app.Flag("config", "Path of a yaml config file.").Short('c').String()
	verbose := app.Flag("verbose", "Enable debug logging.").Short('v').Bool()
	kingpin.MustParse(app.Parse(os.Args[1:]))

	if err := run(*torrentPath, *outPath, *configPath, *verbose); err != nil {
		colorstring.Fprintf(os.Stderr, "[red]leech: %v\n", err)
		os.Exit(1)
	}
}

func run(torrentPath, outPath, configPath string, verbose bool) error {
	var cfg client.Config
	if configPath != "" {
		var err error
		cfg, err = client.LoadConfig(configPath)
		if err != nil {
			return err
		}
	}

	logger, err := log.New(verbose)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var bar *progressbar.ProgressBar
	opts := client.Options{
		Config: cfg,
		Logger: logger,
		OnProgress: func(done, total int, bytes int64) {
			if bar == nil {
				bar = progressbar.NewOptions(total,
					progressbar.OptionSetDescription("downloading"),
					progressbar.OptionSetWriter(os.Stderr),
					progressbar.OptionShowCount(),
					progressbar.OptionClearOnFinish(),
				)
			}
			bar.Set(done)
		},
	}

	if err := client.Download(ctx, torrentPath, outPath, opts); err != nil {
		return err
	}
	colorstring.Println("[green]download complete")
	return nil
}
