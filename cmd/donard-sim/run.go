package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	donard "github.com/sbates130272/nvme-donard"
	"github.com/sbates130272/nvme-donard/internal/config"
	"github.com/sbates130272/nvme-donard/internal/logging"
)

// hostBase is where the run command maps the source region
const hostBase = 0x7f00_0000_0000

// runCmd implements subcommands.Command for the "run" command.
type runCmd struct {
	size  uint64
	slba  uint64
	chunk uint64
}

// Name implements subcommands.Command.Name.
func (*runCmd) Name() string { return "run" }

// Synopsis implements subcommands.Command.Synopsis.
func (*runCmd) Synopsis() string {
	return "copy one pinned region into another through the namespace"
}

// Usage implements subcommands.Command.Usage.
func (*runCmd) Usage() string {
	return `run [flags]
  Pins a source and a destination region, fills the source through a host
  mapping, writes it to the namespace, reads it back into the destination
  and verifies the result.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *runCmd) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&r.size, "size", 1<<20, "bytes in each region")
	f.Uint64Var(&r.slba, "slba", 0, "first logical block written")
	f.Uint64Var(&r.chunk, "chunk", 256<<10, "bytes per command")
}

// Execute implements subcommands.Command.Execute.
func (r *runCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg := args[0].(*config.Config)
	logger := args[1].(*logging.Logger)

	s, err := newSim(cfg, logger)
	if err != nil {
		logger.Error("failed to create simulation", "error", err)
		return subcommands.ExitFailure
	}
	defer s.close(context.Background())

	if err := r.run(ctx, s); err != nil {
		logger.Error("run failed", "error", err)
		return subcommands.ExitFailure
	}
	s.report(os.Stdout)
	return subcommands.ExitSuccess
}

func (r *runCmd) validate(s *sim) error {
	block := uint64(1) << s.target.LBAShift
	switch {
	case r.chunk == 0 || r.chunk%block != 0 || r.chunk>>s.target.LBAShift > 1<<16:
		return fmt.Errorf("chunk %d must be a multiple of %d bytes and at most 65536 blocks", r.chunk, block)
	case r.size == 0 || r.size%r.chunk != 0:
		return fmt.Errorf("size %d must be a non-zero multiple of chunk %d", r.size, r.chunk)
	case 2*r.size > s.accel.VASize():
		return fmt.Errorf("two regions of %s do not fit in accelerator memory", formatSize(int64(r.size)))
	case r.slba+r.size>>s.target.LBAShift > s.ns.Blocks():
		return fmt.Errorf("%d blocks at %d run past the namespace", r.size>>s.target.LBAShift, r.slba)
	}
	return nil
}

func (r *runCmd) run(ctx context.Context, s *sim) error {
	if err := r.validate(s); err != nil {
		return err
	}

	sess := s.m.OpenSession()
	defer sess.Close()

	src := &donard.PinRequest{Address: s.accel.VABase(), Size: r.size, PeerToken: sess.ID()}
	dst := &donard.PinRequest{Address: s.accel.VABase() + r.size, Size: r.size, PeerToken: sess.ID()}
	for _, req := range []*donard.PinRequest{src, dst} {
		if err := sess.Pin(ctx, req); err != nil {
			return err
		}
		defer sess.Unpin(context.Background(), req)
	}

	if err := sess.Select(src.Handle); err != nil {
		return err
	}
	mapping, err := sess.EstablishMapping(ctx, donard.VirtualRange{
		Start:  hostBase,
		Length: r.size,
		Prot:   donard.ProtRead | donard.ProtWrite,
	})
	if err != nil {
		return err
	}
	defer sess.Unmap(context.Background(), mapping)

	pattern := make([]byte, r.size)
	for i := range pattern {
		pattern[i] = byte(i*131 + i>>12)
	}
	if err := s.as.Store(pattern, hostBase); err != nil {
		return fmt.Errorf("fill source: %w", err)
	}

	for _, step := range []struct {
		op donard.Opcode
		h  donard.Handle
	}{
		{donard.OpWrite, src.Handle},
		{donard.OpRead, dst.Handle},
		{donard.OpCompare, dst.Handle},
	} {
		if err := r.transfer(ctx, s, sess, step.op, step.h); err != nil {
			return err
		}
	}

	got := make([]byte, r.size)
	if err := s.accel.ReadVirtual(got, dst.Address); err != nil {
		return err
	}
	if !bytes.Equal(got, pattern) {
		return fmt.Errorf("destination region differs from source")
	}
	s.logger.Info("round trip verified", "bytes", r.size, "commands", 3*r.size/r.chunk)
	return nil
}

func (r *runCmd) transfer(ctx context.Context, s *sim, sess *donard.Session, op donard.Opcode, h donard.Handle) error {
	for off := uint64(0); off < r.size; off += r.chunk {
		req := &donard.IORequest{
			Opcode:  op,
			NBlocks: s.blocks(r.chunk),
			SLBA:    r.slba + off>>s.target.LBAShift,
			Handle:  h,
			Offset:  off,
		}
		if _, err := sess.SubmitIO(ctx, s.target, req); err != nil {
			return fmt.Errorf("%s at offset %d: %w", op, off, err)
		}
	}
	return nil
}
