// Package rootfs implements the VFS core's root pseudo-module (spec.md
// §4.8): a synthetic backend that serves the namespace root by presenting
// every currently mounted path as a directory entry, without owning any
// real storage of its own.
package rootfs

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/chimera-nas/vfscore/pkg/vfs/attrs"
	vfserrors "github.com/chimera-nas/vfscore/pkg/vfs/errors"
	"github.com/chimera-nas/vfscore/pkg/vfs/fh"
	"github.com/chimera-nas/vfscore/pkg/vfs/module"
	"github.com/chimera-nas/vfscore/pkg/vfs/mount"
	"github.com/chimera-nas/vfscore/pkg/vfs/request"
)

// Tag is the module_tag byte the root pseudo-module stamps into the
// handles it issues. It is reserved and never assigned to a real backend.
const Tag = 0

// Module presents mount.Tree's current mounts as the root directory.
type Module struct {
	tree *mount.Tree
}

// New builds the root pseudo-module over tree.
func New(tree *mount.Tree) *Module {
	return &Module{tree: tree}
}

func (m *Module) Init(ctx context.Context, cfg json.RawMessage) error { return nil }
func (m *Module) Destroy(ctx context.Context) error                  { return nil }

func (m *Module) ThreadInit(ctx context.Context) (module.ThreadState, error) { return nil, nil }
func (m *Module) ThreadDestroy(ctx context.Context, ts module.ThreadState) error {
	return nil
}

func (m *Module) FhMagic() byte { return Tag }

// RootPayload returns the root pseudo-module's own root payload. rootfs is
// never itself mounted beneath another mount, so this exists only to
// satisfy module.Module.
func (m *Module) RootPayload() []byte { return []byte{0} }

func (m *Module) Capabilities() module.Capabilities {
	return module.Capabilities{ReadOnly: true, CaseSensitive: true, MaxNameLen: 255, MaxPathLen: 4096}
}

func (m *Module) Watchdog(ctx context.Context, ts module.ThreadState) {}

// Dispatch implements the small subset of verbs meaningful against a
// synthetic root: GETATTR, LOOKUP (by mounted top-level name), and
// READDIR (one entry per current mount).
func (m *Module) Dispatch(ctx context.Context, ts module.ThreadState, req *request.Request) *request.Result {
	switch req.Op {
	case request.OpGetAttr:
		return &request.Result{
			Code: vfserrors.OK,
			Attrs: attrs.Attrs{
				Present: attrs.MaskType | attrs.MaskMode,
				Type:    attrs.TypeDirectory,
				Mode:    0o755,
			},
		}

	case request.OpLookup:
		for _, mnt := range m.tree.Iterate() {
			if topLevelName(mnt.Path) == req.Name {
				return &request.Result{Code: vfserrors.OK, Handle: rootChildHandle(mnt)}
			}
		}
		return request.Fail(vfserrors.NOENT, vfserrors.New("rootfs.lookup", vfserrors.NOENT))

	case request.OpReaddir:
		seen := map[string]bool{}
		var entries []request.DirEntry
		for _, mnt := range m.tree.Iterate() {
			name := topLevelName(mnt.Path)
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			entries = append(entries, request.DirEntry{
				Name:   name,
				Handle: rootChildHandle(mnt),
				Attrs: attrs.Attrs{
					Present: attrs.MaskType,
					Type:    attrs.TypeDirectory,
				},
			})
		}
		return &request.Result{Code: vfserrors.OK, Entries: entries, EOF: true}

	default:
		return request.Fail(vfserrors.NOTSUPP, vfserrors.New("rootfs.dispatch", vfserrors.NOTSUPP))
	}
}

func topLevelName(mountPath string) string {
	trimmed := strings.TrimPrefix(mountPath, "/")
	if trimmed == "" {
		return ""
	}
	return strings.SplitN(trimmed, "/", 2)[0]
}

// rootChildHandle builds a handle that names the root directory of a
// mounted backend: the owning mount's ID with the backend's own tag, and
// the payload the backend's RootPayload returns for its root object.
func rootChildHandle(mnt mount.Mount) fh.Handle {
	return fh.New(mnt.ID, mnt.Instance.Tag, mnt.Instance.Module.RootPayload())
}
