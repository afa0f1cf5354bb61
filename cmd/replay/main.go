// Package main replays a recorded detection script through the counting engine
// and prints the final tally.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"github.com/viam-modules/vehicle-counter/replay"
	"github.com/viam-modules/vehicle-counter/results"
	"github.com/viam-modules/vehicle-counter/tracker"
)

func main() {
	scriptPath := flag.String("script", "", "recorded detections (YAML or JSON)")
	resultsDB := flag.String("results", "", "optional SQLite file to store the tally in")
	source := flag.String("source", "", "source name stored with the tally (defaults to the script file name)")
	debug := flag.Bool("debug", false, "log dropped detections and evictions")
	flag.Parse()

	logger := logging.NewLogger("replay")
	if *debug {
		logger.SetLevel(logging.DEBUG)
	}
	if *scriptPath == "" {
		flag.Usage()
		os.Exit(2)
	}
	if *source == "" {
		*source = strings.TrimSuffix(filepath.Base(*scriptPath), filepath.Ext(*scriptPath))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, logger, *scriptPath, *resultsDB, *source); err != nil {
		logger.Error(err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger logging.Logger, scriptPath, resultsDB, source string) error {
	script, err := replay.Load(scriptPath)
	if err != nil {
		return err
	}
	cfg, err := script.EngineConfig()
	if err != nil {
		return err
	}
	eng, err := tracker.NewEngine(cfg, logger)
	if err != nil {
		return err
	}

	started := time.Now()
	res, err := tracker.Process(ctx, eng, script.Source())
	if res.Status == tracker.StatusFailed {
		return errors.Wrap(err, "replay failed")
	}
	if err != nil {
		logger.Warnf("replay stopped early: %s", err)
	}

	fmt.Printf("status: %s after %d frames\n", res.Status, res.Frames)
	for _, c := range res.Tally.Categories() {
		fmt.Printf("%-22s %d\n", c, res.Tally[c])
	}
	fmt.Printf("%-22s %d\n", "total", res.Tally.Total())

	if resultsDB == "" {
		return nil
	}
	store, err := results.Open(context.Background(), resultsDB)
	if err != nil {
		return err
	}
	defer store.Close()
	id, err := store.SaveRun(context.Background(), results.Run{
		Source:     source,
		Status:     res.Status,
		Frames:     res.Frames,
		Counts:     res.Tally,
		StartedAt:  started,
		FinishedAt: time.Now(),
	})
	if err != nil {
		return err
	}
	logger.Infof("saved run %s to %s", id, resultsDB)
	return nil
}
