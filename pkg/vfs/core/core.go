// Package core wires the VFS core's components together into a single
// running object: the mount tree, per-thread execution contexts, the
// delegation pool, the open-file cache, the user/credential cache, the
// watchdog sweep, the KV facility, and the public verb dispatcher.
package core

import (
	"context"
	"time"

	"github.com/chimera-nas/vfscore/pkg/metrics"
	"github.com/chimera-nas/vfscore/pkg/vfs/delegation"
	"github.com/chimera-nas/vfscore/pkg/vfs/kv"
	"github.com/chimera-nas/vfscore/pkg/vfs/module"
	"github.com/chimera-nas/vfscore/pkg/vfs/mount"
	"github.com/chimera-nas/vfscore/pkg/vfs/ops"
	"github.com/chimera-nas/vfscore/pkg/vfs/opencache"
	"github.com/chimera-nas/vfscore/pkg/vfs/rootfs"
	"github.com/chimera-nas/vfscore/pkg/vfs/thread"
	"github.com/chimera-nas/vfscore/pkg/vfs/usercache"
	"github.com/chimera-nas/vfscore/pkg/vfs/watchdog"
)

// Config holds the VFS-core knobs from SPEC_FULL.md §6.
type Config struct {
	CoreThreads      int
	DelegationThreads int
	DelegationQueue  int
	WatchdogPeriod   time.Duration
	IdleCloseTimeout time.Duration
	MaxOpenFiles     int
	UserCacheTTL     time.Duration
	RequestTimeout   time.Duration
}

// DefaultConfig returns the knob values the daemon would fall back to when
// none are configured.
func DefaultConfig() Config {
	return Config{
		CoreThreads:       4,
		DelegationThreads: 8,
		DelegationQueue:   256,
		WatchdogPeriod:    5 * time.Second,
		IdleCloseTimeout:  30 * time.Second,
		MaxOpenFiles:      65536,
		UserCacheTTL:      usercache.DefaultTTL,
		RequestTimeout:    30 * time.Second,
	}
}

// Core is the assembled VFS core.
type Core struct {
	cfg Config

	Tree       *mount.Tree
	Instances  *module.Registry
	Threads    []*thread.Thread
	Delegation *delegation.Pool
	OpenFiles  *opencache.Cache
	Users      *usercache.Cache
	KV         *kv.Facility
	Dispatch   *ops.Dispatcher
	Root       *rootfs.Module

	watchdog *watchdog.Sweeper
	rootInst *module.Instance
	metrics  metrics.VFSMetrics
}

// New assembles a Core from cfg. It does not start any goroutines; call
// Start for that. m may be nil, in which case every VFS-core metric is a
// no-op (metrics.NewVFSMetrics returns nil unless metrics.InitRegistry was
// called).
func New(cfg Config, kvBackend kv.Backend, m metrics.VFSMetrics) *Core {
	tree := mount.New()
	root := rootfs.New(tree)
	rootInst := &module.Instance{Name: "__root__", Tag: rootfs.Tag, Module: root}
	openFiles := opencache.New(cfg.IdleCloseTimeout, cfg.MaxOpenFiles, m)

	c := &Core{
		cfg:        cfg,
		Tree:       tree,
		Instances:  module.NewRegistry(),
		Delegation: delegation.New(cfg.DelegationThreads, cfg.DelegationQueue),
		OpenFiles:  openFiles,
		Users:      usercache.New(cfg.UserCacheTTL),
		KV:         kv.New(kvBackend),
		Dispatch:   ops.New(tree, m, openFiles, cfg.RequestTimeout),
		Root:       root,
		rootInst:   rootInst,
		metrics:    m,
	}
	c.Instances.Add(rootInst.Name, rootInst)

	for i := 0; i < cfg.CoreThreads; i++ {
		c.Threads = append(c.Threads, thread.New(i, 1024))
	}

	c.watchdog = watchdog.New(cfg.WatchdogPeriod, c.sweepOpenFiles, c.sweepModules, c.sweepDelegationDepth, c.sweepInFlight)

	return c
}

func (c *Core) sweepOpenFiles(ctx context.Context) {
	c.OpenFiles.Sweep(ctx)
}

// sweepInFlight times out any dispatched request whose deadline has passed
// without a backend completion (spec.md §5).
func (c *Core) sweepInFlight(ctx context.Context) {
	c.Dispatch.SweepInFlight(ctx)
}

func (c *Core) sweepDelegationDepth(ctx context.Context) {
	if c.metrics != nil {
		c.metrics.RecordDelegationQueueDepth(c.Delegation.QueueDepth())
	}
}

func (c *Core) sweepModules(ctx context.Context) {
	for _, th := range c.Threads {
		for _, name := range c.Instances.List() {
			inst, ok := c.Instances.Get(name)
			if !ok {
				continue
			}
			ts, err := th.ModuleState(ctx, inst)
			if err != nil {
				continue
			}
			inst.Module.Watchdog(ctx, ts)
		}
	}
}

// Mount registers a module instance at path. name must be unique across the
// Core's lifetime.
func (c *Core) Mount(ctx context.Context, path, name string, inst *module.Instance, opts mount.Options) error {
	c.Instances.Add(name, inst)
	return c.Tree.Add(path, inst, opts)
}

// Unmount removes path and unregisters its instance, failing with
// module.ErrBusy if live handles still reference it (spec.md §9 Open
// Question: resolved as "forbidden while handles are live").
func (c *Core) Unmount(ctx context.Context, path, name string) error {
	if err := c.Instances.Unregister(name); err != nil {
		return err
	}
	return c.Tree.Remove(path)
}

// Start launches every thread's event loop and the watchdog sweep.
func (c *Core) Start(ctx context.Context) {
	for _, th := range c.Threads {
		go th.Run()
	}
	c.Users.Start()
	c.watchdog.Start(ctx)
}

// Stop tears down every goroutine the Core started, in reverse order.
func (c *Core) Stop(ctx context.Context) {
	c.watchdog.Stop()
	c.Users.Stop()
	c.OpenFiles.Close(ctx)
	c.Delegation.Stop()
	for _, th := range c.Threads {
		th.TeardownModules(ctx)
		th.Stop()
	}
}
