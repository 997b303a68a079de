package ingest

import (
	"bufio"
	"context"
	"os/exec"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pricehawk/pricehawk/internal/store"
)

// RunScrape spawns the scrape producer as a child process, ingests its
// stdout through a Pipeline, mirrors its stderr into the log, and
// finalizes the run from the combined outcome. binary is the executable to
// spawn (normally the current one); args select the scrape subcommand and
// its flags.
func RunScrape(ctx context.Context, st store.Store, runID string, total int, binary string, args ...string) error {
	cmd := exec.CommandContext(ctx, binary, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return eris.Wrap(err, "ingest: stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return eris.Wrap(err, "ingest: stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return eris.Wrap(err, "ingest: start scrape process")
	}
	zap.L().Info("scrape process started",
		zap.String("run", runID),
		zap.Int("pid", cmd.Process.Pid),
	)

	pipeline := New(st, runID, total)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pipeline.Consume(gctx, stdout)
	})
	g.Go(func() error {
		// The child logs through its own zap to stderr; relay the lines so
		// one process's log carries the whole run.
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			zap.L().Debug("scrape", zap.String("line", scanner.Text()))
		}
		return eris.Wrap(scanner.Err(), "ingest: read scrape stderr")
	})

	readErr := g.Wait()
	waitErr := cmd.Wait()
	exitOK := waitErr == nil && readErr == nil
	if waitErr != nil {
		zap.L().Warn("scrape process exited with error", zap.String("run", runID), zap.Error(waitErr))
	}

	if err := pipeline.Finalize(ctx, exitOK); err != nil {
		return err
	}
	if readErr != nil {
		return readErr
	}
	return nil
}
