package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff"

	donard "github.com/sbates130272/nvme-donard"
	"github.com/sbates130272/nvme-donard/backend"
	"github.com/sbates130272/nvme-donard/internal/config"
	"github.com/sbates130272/nvme-donard/internal/logging"
)

// physBase is where the shared physical window starts
const physBase = 0x1_0000_0000

// sim is one set of simulated devices and the Manager over them
type sim struct {
	cfg    *config.Config
	bus    *backend.PhysMem
	accel  *backend.Accelerator
	ns     *backend.Namespace
	as     *backend.AddressSpace
	m      *donard.Manager
	target donard.Namespace
	logger *logging.Logger
}

func newSim(cfg *config.Config, logger *logging.Logger) (*sim, error) {
	class, err := cfg.PageClass()
	if err != nil {
		return nil, err
	}

	bus, err := backend.NewPhysMem(physBase, int64(cfg.Accelerator.Memory))
	if err != nil {
		return nil, fmt.Errorf("physical window: %w", err)
	}
	accel, err := backend.NewAccelerator(bus, backend.AcceleratorConfig{
		PageSize: class,
		Seed:     time.Now().UnixNano(),
		Logger:   logger,
	})
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("accelerator: %w", err)
	}
	ns, err := backend.NewNamespace(bus, backend.NamespaceConfig{
		ID:                 cfg.Namespace.ID,
		LBAShift:           cfg.Namespace.LBAShift,
		Size:               int64(cfg.Namespace.Size),
		ControllerPageSize: cfg.Namespace.ControllerPageSize,
		Logger:             logger,
	})
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("namespace: %w", err)
	}
	as := backend.NewAddressSpace(bus)

	release := cfg.Release
	m, err := donard.New(accel, ns, as, &donard.Options{
		Logger: logger,
		ReleaseBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(release.Interval.Duration), release.Retries)
		},
	})
	if err != nil {
		ns.Close()
		bus.Close()
		return nil, err
	}

	logger.Info("simulated devices ready",
		"page_size", class.String(),
		"accelerator_memory", formatSize(int64(cfg.Accelerator.Memory)),
		"nsid", cfg.Namespace.ID,
		"namespace_size", formatSize(int64(cfg.Namespace.Size)))

	return &sim{
		cfg:    cfg,
		bus:    bus,
		accel:  accel,
		ns:     ns,
		as:     as,
		m:      m,
		target: donard.Namespace{ID: ns.ID(), LBAShift: ns.LBAShift()},
		logger: logger,
	}, nil
}

// blocks returns the zero-based block count addressing n bytes
func (s *sim) blocks(n uint64) uint16 {
	return uint16(n>>s.target.LBAShift) - 1
}

func (s *sim) close(ctx context.Context) error {
	return errors.Join(s.m.Close(ctx), s.ns.Close(), s.bus.Close())
}

func (s *sim) report(w io.Writer) {
	snap := s.m.MetricsSnapshot()
	fmt.Fprintf(w, "pins:      %d (%d errors, %s)\n", snap.PinOps, snap.PinErrors, formatSize(int64(snap.PinnedBytes)))
	fmt.Fprintf(w, "unpins:    %d (%d errors, %d pending)\n", snap.UnpinOps, snap.UnpinErrors, snap.ReleasePending)
	fmt.Fprintf(w, "revokes:   %d\n", snap.Revokes)
	fmt.Fprintf(w, "mappings:  %d (%d pages)\n", snap.MappingOps, snap.MappedPages)
	fmt.Fprintf(w, "writes:    %d (%s)\n", snap.WriteOps, formatSize(int64(snap.WriteBytes)))
	fmt.Fprintf(w, "reads:     %d (%s)\n", snap.ReadOps, formatSize(int64(snap.ReadBytes)))
	fmt.Fprintf(w, "compares:  %d (%d mismatched)\n", snap.CompareOps, snap.CompareErrors)
	fmt.Fprintf(w, "latency:   p50 %s  p99 %s\n", time.Duration(snap.LatencyP50Ns), time.Duration(snap.LatencyP99Ns))
	fmt.Fprintf(w, "written:   %d blocks\n", s.ns.WrittenBlocks())
}

// formatSize formats a byte count as a human-readable string
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
