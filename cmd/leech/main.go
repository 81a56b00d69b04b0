// Command leech downloads a single-file torrent given its metainfo
// path, driving the download engine to completion and exiting.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/caldera-so/torrentcore/coordinator"
	"github.com/caldera-so/torrentcore/metainfo"
	"github.com/caldera-so/torrentcore/tracker"
)

func usage() {
	fmt.Printf(`%s [options] <torrent-file>

    torrent-file        Path of the .torrent file

    -o output-dir       Output directory. Defaults to the current directory.
    -r, --rarest-first  Use rarest-first piece selection (default true).
    -v, --verbose       Enable debug logging.
`, os.Args[0])
	os.Exit(2)
}

func main() {
	var outPath string
	var rarestFirst bool
	var verbose bool
	flag.Usage = usage
	flag.StringVar(&outPath, "o", "", "")
	flag.BoolVar(&rarestFirst, "r", true, "")
	flag.BoolVar(&rarestFirst, "rarest-first", true, "")
	flag.BoolVar(&verbose, "v", false, "")
	flag.BoolVar(&verbose, "verbose", false, "")
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if outPath == "" {
		var err error
		outPath, err = os.Getwd()
		if err != nil {
			log.Fatal().Err(err).Msg("could not determine working directory")
		}
	}

	meta, err := metainfo.Load(flag.Arg(0))
	if err != nil {
		log.Fatal().Err(err).Str("file", flag.Arg(0)).Msg("could not load torrent file")
	}

	peerID, err := tracker.NewPeerID()
	if err != nil {
		log.Fatal().Err(err).Msg("could not generate peer id")
	}

	co, err := coordinator.New(meta, peerID,
		coordinator.WithOutputDir(outPath),
		coordinator.WithRarestFirst(rarestFirst),
		coordinator.WithProgress(func(completed, total int, downloaded, totalBytes int64) {
			log.Info().
				Int("completed", completed).
				Int("total", total).
				Int64("downloaded_bytes", downloaded).
				Int64("total_bytes", totalBytes).
				Msg("progress")
		}),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("could not initialise download")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := co.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("download failed")
	}
}
