// Package ops implements the VFS core's public verbs (spec.md §4.10):
// lookup, getattr, setattr, read, write, create, mkdir, remove, rmdir,
// rename, symlink, readlink, link, readdir, open, close, commit, statfs.
// Each verb resolves its handle(s) to an owning module instance via the
// mount tree, builds a request.Request, and calls Dispatch on the correct
// per-thread module state — enforcing the cross-module XDEV rule from
// spec.md §7 along the way. READ/WRITE/COMMIT additionally honor spec.md
// §4.3 step 5: when the owning module's capabilities say it requires an
// open file, the verb is transparently wrapped in an open/op/close
// continuation through the open-file cache instead of calling Dispatch bare.
package ops

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chimera-nas/vfscore/pkg/metrics"
	"github.com/chimera-nas/vfscore/pkg/vfs/attrs"
	vfserrors "github.com/chimera-nas/vfscore/pkg/vfs/errors"
	"github.com/chimera-nas/vfscore/pkg/vfs/fh"
	"github.com/chimera-nas/vfscore/pkg/vfs/mount"
	"github.com/chimera-nas/vfscore/pkg/vfs/opencache"
	"github.com/chimera-nas/vfscore/pkg/vfs/request"
	"github.com/chimera-nas/vfscore/pkg/vfs/thread"
)

// Dispatcher routes public verb calls to the owning backend module.
type Dispatcher struct {
	tree           *mount.Tree
	metrics        metrics.VFSMetrics
	openFiles      *opencache.Cache
	requestTimeout time.Duration

	inflightMu sync.Mutex
	inflight   map[*inflight]struct{}
}

// inflight tracks one dispatched request from the moment Call hands it to a
// module's Dispatch until either that call returns or the watchdog times it
// out, whichever comes first (spec.md §4.3 step 7: "record the request on
// the in-flight list keyed by (thread, request.id) so the watchdog can
// enforce deadlines"). Whichever of the backend goroutine or the watchdog
// wins the race to call complete delivers the result Call's caller sees; the
// loser's result (a late backend completion arriving after a watchdog
// timeout) is silently discarded, per spec.md §5/§8.
type inflight struct {
	thread   *thread.Thread
	req      *request.Request
	done     chan *request.Result
	resolved atomic.Bool
}

func (in *inflight) complete(res *request.Result) bool {
	if in.resolved.CompareAndSwap(false, true) {
		in.done <- res
		return true
	}
	return false
}

// New builds a Dispatcher over the given mount tree. m may be nil to
// disable metrics collection with zero overhead. openFiles may be nil, in
// which case READ/WRITE/COMMIT are dispatched bare even to modules whose
// capabilities require an open file, and explicit Open/Close are unavailable.
// requestTimeout sets the deadline Call assigns to a request that doesn't
// already carry one; requestTimeout <= 0 leaves such requests without a
// deadline, so the watchdog's in-flight sweep never times them out.
func New(tree *mount.Tree, m metrics.VFSMetrics, openFiles *opencache.Cache, requestTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		tree:           tree,
		metrics:        m,
		openFiles:      openFiles,
		requestTimeout: requestTimeout,
		inflight:       make(map[*inflight]struct{}),
	}
}

func (d *Dispatcher) resolve(h fh.Handle) (*mount.Mount, error) {
	m, ok := d.tree.ByID(h.Mount)
	if !ok {
		return nil, vfserrors.New("resolve", vfserrors.STALE)
	}
	return m, nil
}

// Call resolves req.Handle's owning module instance, obtains this thread's
// per-thread state for it, and dispatches req. It is the single path every
// public verb below funnels through. The request is recorded on the
// dispatcher's in-flight list for the duration of the backend call so the
// watchdog's SweepInFlight can force it to TIMEDOUT if it outlives its
// deadline (spec.md §4.3 step 7, §5).
//
// Call takes ownership of req's lifecycle: since a timed-out call returns to
// its caller before the backend's Dispatch goroutine necessarily has (its
// late completion is only discarded, not waited for), req must not go back
// to request's free list until that goroutine genuinely finishes touching it
// — never on Call's own return. Accordingly Call itself returns req to the
// pool once Dispatch actually completes (or immediately, on a failure before
// Dispatch is ever invoked); verb methods below must not request.Put(req)
// themselves.
func (d *Dispatcher) Call(ctx context.Context, th *thread.Thread, req *request.Request) *request.Result {
	start := time.Now()
	op := req.Op.String()
	req.Submitted = start
	if req.Deadline.IsZero() && d.requestTimeout > 0 {
		req.Deadline = start.Add(d.requestTimeout)
	}

	m, err := d.resolve(req.Handle)
	if err != nil {
		res := request.Fail(vfserrors.CodeOf(err), err)
		if d.metrics != nil {
			d.metrics.RecordDispatch(op, time.Since(start), res.Code.String())
		}
		request.Put(req)
		return res
	}

	ts, err := th.ModuleState(ctx, m.Instance)
	if err != nil {
		res := request.Fail(vfserrors.SERVERFAULT, err)
		if d.metrics != nil {
			d.metrics.RecordDispatch(op, time.Since(start), res.Code.String())
		}
		request.Put(req)
		return res
	}

	m.Instance.Ref()

	in := &inflight{thread: th, req: req, done: make(chan *request.Result, 1)}
	d.trackInflight(in)

	go func() {
		defer m.Instance.Unref()
		res := m.Instance.Module.Dispatch(ctx, ts, req)
		in.complete(res)
		d.untrackInflight(in)
		request.Put(req)
	}()

	res := <-in.done
	if d.metrics != nil {
		d.metrics.RecordDispatch(op, time.Since(start), res.Code.String())
	}
	return res
}

func (d *Dispatcher) trackInflight(in *inflight) {
	d.inflightMu.Lock()
	d.inflight[in] = struct{}{}
	d.inflightMu.Unlock()
}

func (d *Dispatcher) untrackInflight(in *inflight) {
	d.inflightMu.Lock()
	delete(d.inflight, in)
	d.inflightMu.Unlock()
}

// SweepInFlight force-completes, with TIMEDOUT, every in-flight request whose
// deadline has already passed (spec.md §5: "the watchdog runs on every
// thread once per configured period and, for each request whose deadline
// has passed, completes it with ETIMEDOUT"). The owning Call then returns
// that result to its caller immediately; the backend's own goroutine is left
// running and its eventual completion is discarded by inflight.complete's
// losing CAS (spec.md §8: "the core discards such late completions").
func (d *Dispatcher) SweepInFlight(ctx context.Context) int {
	now := time.Now()

	d.inflightMu.Lock()
	var expired []*inflight
	for in := range d.inflight {
		if !in.req.Deadline.IsZero() && now.After(in.req.Deadline) {
			expired = append(expired, in)
		}
	}
	d.inflightMu.Unlock()

	timedOut := 0
	for _, in := range expired {
		res := request.Fail(vfserrors.TIMEDOUT, vfserrors.New("watchdog", vfserrors.TIMEDOUT))
		if !in.complete(res) {
			continue
		}
		timedOut++
		if d.metrics != nil {
			d.metrics.RecordDispatch(in.req.Op.String(), now.Sub(in.req.Submitted), vfserrors.TIMEDOUT.String())
		}
	}
	return timedOut
}

// crossModuleCheck enforces spec.md §7's rule that an operation joining two
// handles (rename, hard link) across different mount instances fails with
// XDEV rather than being silently attempted by one side's module.
func (d *Dispatcher) crossModuleCheck(a, b fh.Handle) error {
	if a.Mount != b.Mount {
		return vfserrors.New("xdev", vfserrors.XDEV)
	}
	return nil
}

// ensureOpen acquires (single-flight, reference-counted) the open-file
// cache entry for h, issuing the owning module's OPEN slot at most once per
// concurrently-opened handle (spec.md §4.4) and its CLOSE slot only once the
// cache reclaims the entry as idle.
func (d *Dispatcher) ensureOpen(ctx context.Context, th *thread.Thread, h fh.Handle) (*opencache.Handle, error) {
	if d.openFiles == nil {
		return nil, nil
	}
	return d.openFiles.Open(ctx, h,
		func(ctx context.Context) (any, error) {
			req := request.Get()
			req.Op = request.OpOpen
			req.Handle = h
			res := d.Call(ctx, th, req)
			if res.Code != vfserrors.OK {
				return nil, vfserrors.Wrap("open", res.Code, h.String(), res.Err)
			}
			return res.OpenState, nil
		},
		func(ctx context.Context, state any) {
			req := request.Get()
			req.Op = request.OpClose
			req.Handle = h
			req.OpenState = state
			d.Call(ctx, th, req)
		},
	)
}

// callTransferOp dispatches req (READ, WRITE, or COMMIT) after transparently
// wrapping it in an open/op/close continuation when the owning module's
// capabilities say it requires an open file (spec.md §4.3 step 5). Modules
// that don't require one get req dispatched as a bare one-shot call, same
// as every other verb.
func (d *Dispatcher) callTransferOp(ctx context.Context, th *thread.Thread, req *request.Request) *request.Result {
	m, err := d.resolve(req.Handle)
	if err != nil {
		request.Put(req)
		return request.Fail(vfserrors.CodeOf(err), err)
	}
	if !m.Instance.Module.Capabilities().RequiresOpen {
		return d.Call(ctx, th, req)
	}

	oh, err := d.ensureOpen(ctx, th, req.Handle)
	if err != nil {
		request.Put(req)
		return request.Fail(vfserrors.CodeOf(err), err)
	}
	if oh != nil {
		req.OpenState = oh.State
		defer oh.Release()
	}
	return d.Call(ctx, th, req)
}

// Open acquires an open-file cache handle for h, for callers (e.g. an
// SMB-style protocol front-end) that hold it across multiple subsequent
// verbs rather than relying on the transparent per-call wrap. Close must be
// called exactly once on the returned handle.
func (d *Dispatcher) Open(ctx context.Context, th *thread.Thread, h fh.Handle) (*opencache.Handle, *request.Result) {
	oh, err := d.ensureOpen(ctx, th, h)
	if err != nil {
		return nil, request.Fail(vfserrors.CodeOf(err), err)
	}
	if oh == nil {
		return nil, request.Fail(vfserrors.NOTSUPP, vfserrors.New("open", vfserrors.NOTSUPP))
	}
	return oh, request.OK()
}

// Close releases a reference acquired from Open. It does not force the
// backend's CLOSE slot to run immediately; the open-file cache reclaims the
// entry once it has been idle past its configured timeout (spec.md §4.4).
func (d *Dispatcher) Close(oh *opencache.Handle) {
	oh.Release()
}

func (d *Dispatcher) Lookup(ctx context.Context, th *thread.Thread, dir fh.Handle, name string) *request.Result {
	req := request.Get()
	req.Op = request.OpLookup
	req.Handle = dir
	req.Name = name
	return d.Call(ctx, th, req)
}

func (d *Dispatcher) GetAttr(ctx context.Context, th *thread.Thread, h fh.Handle, mask uint32) *request.Result {
	req := request.Get()
	req.Op = request.OpGetAttr
	req.Handle = h
	req.AttrMask = attrs.Mask(mask)
	return d.Call(ctx, th, req)
}

func (d *Dispatcher) SetAttr(ctx context.Context, th *thread.Thread, h fh.Handle, req *request.Request) *request.Result {
	req.Op = request.OpSetAttr
	req.Handle = h
	return d.Call(ctx, th, req)
}

func (d *Dispatcher) Read(ctx context.Context, th *thread.Thread, h fh.Handle, offset uint64, req *request.Request) *request.Result {
	req.Op = request.OpRead
	req.Handle = h
	req.Offset = offset
	return d.callTransferOp(ctx, th, req)
}

func (d *Dispatcher) Write(ctx context.Context, th *thread.Thread, h fh.Handle, offset uint64, req *request.Request) *request.Result {
	req.Op = request.OpWrite
	req.Handle = h
	req.Offset = offset
	return d.callTransferOp(ctx, th, req)
}

// Commit completes only once every write submitted before it on h has been
// acknowledged by the backend (spec.md §5); backends that honor fsync
// (module.Capabilities.HonorsFsync) flush durably here, others treat it as
// a no-op success.
func (d *Dispatcher) Commit(ctx context.Context, th *thread.Thread, h fh.Handle, offset uint64, count uint32) *request.Result {
	req := request.Get()
	req.Op = request.OpCommit
	req.Handle = h
	req.Offset = offset
	req.Count = count
	return d.callTransferOp(ctx, th, req)
}

// Statfs reports filesystem-level capacity counters for h's mount.
func (d *Dispatcher) Statfs(ctx context.Context, th *thread.Thread, h fh.Handle) *request.Result {
	req := request.Get()
	req.Op = request.OpStatfs
	req.Handle = h
	return d.Call(ctx, th, req)
}

func (d *Dispatcher) Create(ctx context.Context, th *thread.Thread, dir fh.Handle, name string) *request.Result {
	req := request.Get()
	req.Op = request.OpCreate
	req.Handle = dir
	req.Name = name
	return d.Call(ctx, th, req)
}

func (d *Dispatcher) Mkdir(ctx context.Context, th *thread.Thread, dir fh.Handle, name string) *request.Result {
	req := request.Get()
	req.Op = request.OpMkdir
	req.Handle = dir
	req.Name = name
	return d.Call(ctx, th, req)
}

func (d *Dispatcher) Remove(ctx context.Context, th *thread.Thread, dir fh.Handle, name string) *request.Result {
	req := request.Get()
	req.Op = request.OpRemove
	req.Handle = dir
	req.Name = name
	return d.Call(ctx, th, req)
}

func (d *Dispatcher) Rmdir(ctx context.Context, th *thread.Thread, dir fh.Handle, name string) *request.Result {
	req := request.Get()
	req.Op = request.OpRmdir
	req.Handle = dir
	req.Name = name
	return d.Call(ctx, th, req)
}

// Rename moves name out of srcDir into dstDir under newName. Both
// directories must belong to the same mount (spec.md §7 XDEV rule).
func (d *Dispatcher) Rename(ctx context.Context, th *thread.Thread, srcDir fh.Handle, name string, dstDir fh.Handle, newName string) *request.Result {
	if err := d.crossModuleCheck(srcDir, dstDir); err != nil {
		return request.Fail(vfserrors.XDEV, err)
	}
	req := request.Get()
	req.Op = request.OpRename
	req.Handle = srcDir
	req.Name = name
	req.Target = dstDir
	req.NewName = newName
	return d.Call(ctx, th, req)
}

func (d *Dispatcher) Symlink(ctx context.Context, th *thread.Thread, dir fh.Handle, name, target string) *request.Result {
	req := request.Get()
	req.Op = request.OpSymlink
	req.Handle = dir
	req.Name = name
	req.LinkValue = target
	return d.Call(ctx, th, req)
}

func (d *Dispatcher) Readlink(ctx context.Context, th *thread.Thread, h fh.Handle) *request.Result {
	req := request.Get()
	req.Op = request.OpReadlink
	req.Handle = h
	return d.Call(ctx, th, req)
}

// Link creates newName in dstDir as a hard link to existing. Both must
// belong to the same mount.
func (d *Dispatcher) Link(ctx context.Context, th *thread.Thread, existing fh.Handle, dstDir fh.Handle, newName string) *request.Result {
	if err := d.crossModuleCheck(existing, dstDir); err != nil {
		return request.Fail(vfserrors.XDEV, err)
	}
	req := request.Get()
	req.Op = request.OpLink
	req.Handle = existing
	req.Target = dstDir
	req.NewName = newName
	return d.Call(ctx, th, req)
}

func (d *Dispatcher) Readdir(ctx context.Context, th *thread.Thread, dir fh.Handle, cookie uint64, maxCount uint32) *request.Result {
	req := request.Get()
	req.Op = request.OpReaddir
	req.Handle = dir
	req.Cookie = cookie
	req.MaxCount = maxCount
	return d.Call(ctx, th, req)
}
