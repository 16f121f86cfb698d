// Kernel bring-up for the simulator binary: format-or-load a disk
// image, mount the filesystem over it, and start one scheduler
// goroutine per configured hart under an errgroup supervisor, mirroring
// hanwen-go-fuse's use of golang.org/x/sync/errgroup to run and
// supervise a pool of concurrent workers with one shared cancellation
// path. internal/rvtest wires the same pieces for tests without the
// supervisor (its callers block on a result channel and call Shutdown
// directly); the simulator binary's harts additionally need to be
// waited on during shutdown, which is what errgroup.Wait gives us.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"

	"rv6/internal/defs"
	"rv6/internal/diskimage"
	"rv6/internal/file"
	"rv6/internal/fs"
	"rv6/internal/mem"
	"rv6/internal/proc"
	"rv6/internal/trap"
)

// cacheCapacity sizes the buffer cache generously relative to any
// layout rv6sim boots, matching internal/rvtest's scenario-test fixture
// sizing (and equal to internal/limits.NBUF, the capacity bio.NewCache
// falls back to when given none).
const cacheCapacity = 32

// Kernel bundles one booted simulation instance plus the errgroup
// supervising its hart pool.
type Kernel struct {
	Procs    *proc.Table
	Files    *file.Table
	Devtab   *file.DevTable
	FS       *fs.FS
	Arena    *mem.Arena
	Syscalls *trap.Syscalls
	Console  *file.Console
	Backing  []byte
	ImagePath string

	group  *errgroup.Group
	cancel context.CancelFunc
}

// bootKernel formats or loads the configured disk image, mounts it, and
// starts cfg.Harts scheduler goroutines under an errgroup rooted at ctx.
// If cfg.Image names an existing file, its bytes are mounted directly
// (running journal recovery exactly as a real reboot would); otherwise a
// fresh image is formatted in memory and, if cfg.Image is non-empty,
// persisted to that path by Shutdown.
func bootKernel(ctx context.Context, cfg Config, log *slog.Logger) (*Kernel, error) {
	arenaBytes := cfg.MemMiB * 1024 * 1024
	arena := mem.NewArena(arenaBytes)
	procs := proc.NewTable()

	var fx *diskimage.Fixture
	var err defs.Err_t
	if cfg.Image != "" {
		if backing, rerr := os.ReadFile(cfg.Image); rerr == nil {
			log.Info("mounting existing image", "path", cfg.Image, "bytes", len(backing))
			fx, err = diskimage.Mount(ctx, arena, procs, backing, cacheCapacity)
		} else {
			log.Info("formatting fresh image", "path", cfg.Image, "layout", cfg.layout())
			fx, err = diskimage.NewFixture(ctx, arena, procs, cfg.layout(), cacheCapacity)
		}
	} else {
		log.Info("formatting in-memory image (not persisted)", "layout", cfg.layout())
		fx, err = diskimage.NewFixture(ctx, arena, procs, cfg.layout(), cacheCapacity)
	}
	if err != 0 {
		return nil, fmt.Errorf("mounting filesystem: %w", err)
	}

	files := file.NewTable()
	devtab := file.NewDevTable()
	console := file.NewConsole()
	devtab.Register(defs.D_CONSOLE, console)
	devtab.Register(defs.D_DEVNULL, file.Null{})

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	k := &Kernel{
		Procs:  procs,
		Files:  files,
		Devtab: devtab,
		FS:     fx.FS,
		Arena:  arena,
		Syscalls: &trap.Syscalls{
			Procs: procs, Files: files, Devtab: devtab, FS: fx.FS, Arena: arena,
			Ticks: trap.NewTicks(procs),
		},
		Console:   console,
		Backing:   fx.Backing,
		ImagePath: cfg.Image,
		group:     g,
		cancel:    cancel,
	}

	for i := 0; i < cfg.Harts; i++ {
		id := i
		hctx, _ := proc.NewHartContext(gctx, id)
		g.Go(func() error {
			log.Debug("hart started", "hart", id)
			procs.Scheduler(hctx)
			log.Debug("hart stopped", "hart", id)
			return nil
		})
	}
	return k, nil
}

// Spawn creates a new process running body, binding its cwd to the
// filesystem root before body runs, exactly as internal/rvtest.Kernel's
// Spawn does for test scenarios.
func (k *Kernel) Spawn(body func(ctx context.Context, p *proc.Proc) int) (*proc.Proc, defs.Err_t) {
	return k.Procs.Create(k.Arena, func(ctx context.Context, p *proc.Proc) int {
		if err := k.Syscalls.InitCwd(p); err != 0 {
			return -1
		}
		return body(ctx, p)
	})
}

// Shutdown stops every hart's scheduler loop and waits for their
// goroutines to return, then persists the disk image if one was
// configured. Callers must ensure every spawned process has already
// exited; processes still blocked in Sleep never resume once the hart
// pool's context is cancelled.
func (k *Kernel) Shutdown(log *slog.Logger) error {
	k.cancel()
	if err := k.group.Wait(); err != nil {
		return fmt.Errorf("hart pool: %w", err)
	}
	if k.ImagePath != "" {
		if err := os.WriteFile(k.ImagePath, k.Backing, 0o644); err != nil {
			return fmt.Errorf("persisting image: %w", err)
		}
		log.Info("image persisted", "path", k.ImagePath, "bytes", len(k.Backing))
	}
	return nil
}
