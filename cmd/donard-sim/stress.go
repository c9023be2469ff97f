package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	donard "github.com/sbates130272/nvme-donard"
	"github.com/sbates130272/nvme-donard/internal/config"
	"github.com/sbates130272/nvme-donard/internal/logging"
)

// stressCmd implements subcommands.Command for the "stress" command.
type stressCmd struct {
	workers    int
	iterations int
	revoke     time.Duration

	lost atomic.Uint64
}

// Name implements subcommands.Command.Name.
func (*stressCmd) Name() string { return "stress" }

// Synopsis implements subcommands.Command.Synopsis.
func (*stressCmd) Synopsis() string {
	return "pin, write, compare and unpin from many sessions while the accelerator revokes"
}

// Usage implements subcommands.Command.Usage.
func (*stressCmd) Usage() string {
	return `stress [flags]
  Each worker owns a session and a region of accelerator memory. It pins
  the region, fills it from the device side, writes and compares it
  against the namespace, then unpins it. A revoker reclaims every region
  at a fixed interval.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *stressCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.workers, "workers", 0, "concurrent sessions (0 for the configured value)")
	f.IntVar(&c.iterations, "iterations", 0, "pin cycles per worker (0 for the configured value)")
	f.DurationVar(&c.revoke, "revoke", 5*time.Millisecond, "interval between accelerator revokes (0 disables)")
}

// Execute implements subcommands.Command.Execute.
func (c *stressCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg := args[0].(*config.Config)
	logger := args[1].(*logging.Logger)
	if c.workers == 0 {
		c.workers = cfg.Stress.Workers
	}
	if c.iterations == 0 {
		c.iterations = cfg.Stress.Iterations
	}

	s, err := newSim(cfg, logger)
	if err != nil {
		logger.Error("failed to create simulation", "error", err)
		return subcommands.ExitFailure
	}
	defer s.close(context.Background())

	start := time.Now()
	if err := c.run(ctx, s); err != nil {
		logger.Error("stress failed", "error", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("elapsed:   %s\n", time.Since(start).Round(time.Millisecond))
	fmt.Printf("lost:      %d cycles to revocation\n", c.lost.Load())
	s.report(os.Stdout)
	return subcommands.ExitSuccess
}

func (c *stressCmd) run(ctx context.Context, s *sim) error {
	region := s.cfg.Stress.RegionSize
	if c.workers <= 0 || c.iterations <= 0 {
		return fmt.Errorf("workers and iterations must be positive")
	}
	if uint64(c.workers)*region > s.accel.VASize() {
		return fmt.Errorf("%d regions of %s do not fit in accelerator memory", c.workers, formatSize(int64(region)))
	}
	if uint64(c.workers)*region>>s.target.LBAShift > s.ns.Blocks() {
		return fmt.Errorf("%d regions of %s do not fit in the namespace", c.workers, formatSize(int64(region)))
	}
	if region%(1<<s.target.LBAShift) != 0 || region>>s.target.LBAShift > 1<<16 {
		return fmt.Errorf("region size %d is not a whole command", region)
	}

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < c.workers; w++ {
		w := w
		g.Go(func() error {
			return c.worker(gctx, s, w, region)
		})
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		if c.revoke > 0 {
			c.revoker(s, done)
		}
	}()
	err := g.Wait()
	close(done)
	<-stopped
	if err != nil {
		return err
	}

	if pending := s.m.PendingReleases(); len(pending) > 0 {
		s.logger.Info("retrying pending releases", "count", len(pending))
		if err := s.m.RetryPendingReleases(ctx); err != nil {
			return err
		}
	}
	if live := s.m.LiveHandles(); live != 0 {
		return fmt.Errorf("%d handles still live after all workers unpinned", live)
	}
	return nil
}

func (c *stressCmd) revoker(s *sim, done <-chan struct{}) {
	ticker := time.NewTicker(c.revoke)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if n := s.accel.RevokeAll(); n > 0 {
				s.logger.Debug("revoked regions", "count", n)
			}
		}
	}
}

// lostToRevoke reports whether err means the region was reclaimed under
// the worker, which is expected while the revoker runs. An unpin that
// races a revoke may also be left pending until the revoke lands.
func lostToRevoke(err error) bool {
	return donard.IsCode(err, donard.ErrCodeRevoked) ||
		donard.IsCode(err, donard.ErrCodeInvalidHandle) ||
		donard.IsCode(err, donard.ErrCodeReleasePending)
}

func (c *stressCmd) worker(ctx context.Context, s *sim, w int, region uint64) error {
	sess := s.m.OpenSession()
	defer sess.Close()

	addr := s.accel.VABase() + uint64(w)*region
	slba := uint64(w) * region >> s.target.LBAShift
	fill := make([]byte, region)

	for i := 0; i < c.iterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		for j := range fill {
			fill[j] = byte(w + i + j)
		}
		if err := s.accel.WriteVirtual(fill, addr); err != nil {
			return err
		}

		req := &donard.PinRequest{Address: addr, Size: region, PeerToken: sess.ID(), VASpaceToken: uint32(w)}
		if err := sess.Pin(ctx, req); err != nil {
			if lostToRevoke(err) {
				c.lost.Add(1)
				continue
			}
			return err
		}

		err := c.cycle(ctx, s, sess, req, slba)
		if uerr := sess.Unpin(ctx, req); uerr != nil && !lostToRevoke(uerr) {
			return uerr
		}
		if err != nil {
			if lostToRevoke(err) {
				c.lost.Add(1)
				continue
			}
			return err
		}
	}
	return nil
}

func (c *stressCmd) cycle(ctx context.Context, s *sim, sess *donard.Session, req *donard.PinRequest, slba uint64) error {
	for _, op := range []donard.Opcode{donard.OpWrite, donard.OpCompare} {
		io := &donard.IORequest{Opcode: op, NBlocks: s.blocks(req.Size), SLBA: slba, Handle: req.Handle}
		if _, err := sess.SubmitIO(ctx, s.target, io); err != nil {
			return err
		}
	}
	return nil
}
