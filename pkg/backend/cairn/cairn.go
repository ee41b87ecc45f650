// Package cairn implements a log-structured VFS backend module on top of
// BadgerDB: every object is a UUID-identified record in a single embedded
// key-value store, addressed through prefixed key namespaces rather than a
// directory tree walked on disk.
//
// Grounded on the teacher's pkg/metadata/store/badger package: the
// UUID-per-object identity scheme, the prefixed key namespaces (here
// "f:", "d:" and "c:"), and the db.View/db.Update transaction idiom all come from
// there, adapted from dittofs's metadata.File record to this module's own
// attrs.Attrs-shaped record. Because cairn also designates itself as the
// VFS core's KV facility backend (spec.md §4.9), it keeps its own
// namespace's keys ("kv:"-prefixed) walled off from the filesystem
// namespaces so a KV client can never observe or collide with file
// metadata.
package cairn

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/chimera-nas/vfscore/pkg/vfs/attrs"
	vfserrors "github.com/chimera-nas/vfscore/pkg/vfs/errors"
	"github.com/chimera-nas/vfscore/pkg/vfs/fh"
	"github.com/chimera-nas/vfscore/pkg/vfs/kv"
	"github.com/chimera-nas/vfscore/pkg/vfs/module"
	"github.com/chimera-nas/vfscore/pkg/vfs/request"
)

// Tag is the module_tag byte cairn stamps into the handles it issues.
const Tag = 3

const (
	prefixFile  = "f:"
	prefixData  = "d:"
	prefixChild = "c:"
	prefixKV    = "kv:"
)

func keyFile(id uuid.UUID) []byte  { return []byte(prefixFile + id.String()) }
func keyData(id uuid.UUID) []byte  { return []byte(prefixData + id.String()) }
func keyChildPrefix(parent uuid.UUID) []byte {
	return []byte(prefixChild + parent.String() + ":")
}
func keyChild(parent uuid.UUID, name string) []byte {
	return append(keyChildPrefix(parent), []byte(name)...)
}
func keyKV(key []byte) []byte { return append([]byte(prefixKV), key...) }

// rootID is the well-known UUID of the root directory every cairn instance
// synthesizes at Init.
var rootID = uuid.Nil

func init() {
	module.Register(Tag, "cairn", func() module.Module { return New() })
}

// config is cairn's Init payload. A non-empty Path opens (creating if
// necessary) an on-disk BadgerDB there; InMemory opens an ephemeral
// in-process store instead, used by tests and scratch mounts.
type config struct {
	Path     string `json:"path"`
	InMemory bool   `json:"in_memory"`
}

// record is the on-disk shape of one filesystem object, keyed by UUID.
type record struct {
	ID     uuid.UUID  `json:"id"`
	Type   attrs.Type `json:"type"`
	Mode   uint32     `json:"mode"`
	UID    uint32     `json:"uid"`
	GID    uint32     `json:"gid"`
	Nlink  uint32     `json:"nlink"`
	Size   uint64     `json:"size"`
	ATime  time.Time  `json:"atime"`
	MTime  time.Time  `json:"mtime"`
	CTime  time.Time  `json:"ctime"`
	Target string     `json:"target,omitempty"` // symlink target
}

func (r *record) attrs() attrs.Attrs {
	return attrs.Attrs{
		Present:   attrs.MaskAll,
		Type:      r.Type,
		Mode:      r.Mode,
		Nlink:     r.Nlink,
		UID:       r.UID,
		GID:       r.GID,
		Size:      r.Size,
		SpaceUsed: r.Size,
		ATime:     r.ATime,
		MTime:     r.MTime,
		CTime:     r.CTime,
		FileID:    idFileID(r.ID),
	}
}

// idFileID folds a UUID down to the 64-bit FileID attrs.Attrs carries. It is
// not guaranteed collision-free across the whole UUID space, only stable for
// a given UUID, which is all GetAttr's FileID field promises.
func idFileID(id uuid.UUID) uint64 {
	b := id[:8]
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// Module is the BadgerDB-backed backend.
type Module struct {
	db *badger.DB
}

// New builds an unopened cairn instance; Init must be called before
// Dispatch is used.
func New() *Module {
	return &Module{}
}

func (m *Module) Init(ctx context.Context, cfg json.RawMessage) error {
	var c config
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &c); err != nil {
			return vfserrors.Wrap("cairn.init", vfserrors.INVAL, "", err)
		}
	}
	var opts badger.Options
	if c.InMemory || c.Path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(c.Path)
	}
	opts = opts.WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return vfserrors.Wrap("cairn.init", vfserrors.IO, "", err)
	}
	m.db = db

	now := time.Now()
	err = m.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(keyFile(rootID)); err == nil {
			return nil
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		root := &record{ID: rootID, Type: attrs.TypeDirectory, Mode: 0o755, Nlink: 2, ATime: now, MTime: now, CTime: now}
		b, err := json.Marshal(root)
		if err != nil {
			return err
		}
		return txn.Set(keyFile(rootID), b)
	})
	if err != nil {
		db.Close()
		return vfserrors.Wrap("cairn.init", vfserrors.IO, "", err)
	}
	return nil
}

func (m *Module) Destroy(ctx context.Context) error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}

func (m *Module) ThreadInit(ctx context.Context) (module.ThreadState, error) { return nil, nil }
func (m *Module) ThreadDestroy(ctx context.Context, ts module.ThreadState) error {
	return nil
}

func (m *Module) Watchdog(ctx context.Context, ts module.ThreadState) {}

func (m *Module) FhMagic() byte { return Tag }

func (m *Module) RootPayload() []byte { return rootID[:] }

func (m *Module) Capabilities() module.Capabilities {
	return module.Capabilities{
		ReadOnly:           false,
		CaseSensitive:      true,
		MaxNameLen:         255,
		MaxPathLen:         4096,
		RequiresOpen:       false,
		HonorsFsync:        true,
		CursorBasedListing: false,
	}
}

func decodeID(h fh.Handle) (uuid.UUID, error) {
	id, err := uuid.FromBytes(h.Payload)
	if err != nil {
		return uuid.Nil, vfserrors.Wrap("cairn.decode", vfserrors.BADHANDLE, "", err)
	}
	return id, nil
}

func (m *Module) handle(mount fh.MountID, id uuid.UUID) fh.Handle {
	b, _ := id.MarshalBinary()
	return fh.New(mount, Tag, b)
}

func (m *Module) getRecord(id uuid.UUID) (*record, error) {
	var rec record
	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyFile(id))
		if err == badger.ErrKeyNotFound {
			return vfserrors.New("cairn.get", vfserrors.STALE)
		}
		if err != nil {
			return vfserrors.Wrap("cairn.get", vfserrors.IO, "", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (m *Module) putRecord(r *record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return vfserrors.Wrap("cairn.put", vfserrors.IO, "", err)
	}
	return m.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyFile(r.ID), b)
	})
}

// Dispatch implements every verb cairn supports against its BadgerDB-backed
// object store.
func (m *Module) Dispatch(ctx context.Context, ts module.ThreadState, req *request.Request) *request.Result {
	switch req.Op {
	case request.OpLookup:
		return m.lookup(req)
	case request.OpGetAttr:
		return m.getAttr(req)
	case request.OpSetAttr:
		return m.setAttr(req)
	case request.OpRead:
		return m.read(req)
	case request.OpWrite:
		return m.write(req)
	case request.OpCreate:
		return m.create(req, attrs.TypeRegular)
	case request.OpMkdir:
		return m.create(req, attrs.TypeDirectory)
	case request.OpSymlink:
		return m.symlink(req)
	case request.OpReadlink:
		return m.readlink(req)
	case request.OpRemove:
		return m.remove(req, false)
	case request.OpRmdir:
		return m.remove(req, true)
	case request.OpRename:
		return m.rename(req)
	case request.OpLink:
		return m.link(req)
	case request.OpReaddir:
		return m.readdir(req)
	case request.OpOpen, request.OpClose:
		return request.OK()
	case request.OpCommit:
		return m.commit()
	case request.OpStatfs:
		return m.statfs()
	default:
		return request.Fail(vfserrors.NOTSUPP, vfserrors.New("cairn.dispatch", vfserrors.NOTSUPP))
	}
}

func (m *Module) commit() *request.Result {
	if err := m.db.Sync(); err != nil {
		return request.Fail(vfserrors.IO, vfserrors.Wrap("cairn.commit", vfserrors.IO, "", err))
	}
	return request.OK()
}

func (m *Module) statfs() *request.Result {
	lsm, vlog := m.db.Size()
	return &request.Result{Code: vfserrors.OK, Statfs: attrs.Statfs{
		FreeBytes:  0,
		AvailBytes: 0,
		TotalBytes: uint64(lsm + vlog),
		BlockSize:  4096,
		MaxNameLen: 255,
	}}
}

func (m *Module) lookup(req *request.Request) *request.Result {
	dirID, err := decodeID(req.Handle)
	if err != nil {
		return request.Fail(vfserrors.CodeOf(err), err)
	}
	var childID uuid.UUID
	err = m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyChild(dirID, req.Name))
		if err == badger.ErrKeyNotFound {
			return vfserrors.New("cairn.lookup", vfserrors.NOENT)
		}
		if err != nil {
			return vfserrors.Wrap("cairn.lookup", vfserrors.IO, "", err)
		}
		return item.Value(func(val []byte) error {
			return childID.UnmarshalBinary(val)
		})
	})
	if err != nil {
		return request.Fail(vfserrors.CodeOf(err), err)
	}
	rec, err := m.getRecord(childID)
	if err != nil {
		return request.Fail(vfserrors.CodeOf(err), err)
	}
	return &request.Result{Code: vfserrors.OK, Handle: m.handle(req.Handle.Mount, childID), Attrs: rec.attrs()}
}

func (m *Module) getAttr(req *request.Request) *request.Result {
	id, err := decodeID(req.Handle)
	if err != nil {
		return request.Fail(vfserrors.CodeOf(err), err)
	}
	rec, err := m.getRecord(id)
	if err != nil {
		return request.Fail(vfserrors.CodeOf(err), err)
	}
	return &request.Result{Code: vfserrors.OK, Attrs: rec.attrs().Project(req.AttrMask)}
}

func (m *Module) setAttr(req *request.Request) *request.Result {
	id, err := decodeID(req.Handle)
	if err != nil {
		return request.Fail(vfserrors.CodeOf(err), err)
	}
	rec, err := m.getRecord(id)
	if err != nil {
		return request.Fail(vfserrors.CodeOf(err), err)
	}
	if req.SetAttrs.Present.Has(attrs.MaskMode) {
		rec.Mode = req.SetAttrs.Mode
	}
	if req.SetAttrs.Present.Has(attrs.MaskUID) {
		rec.UID = req.SetAttrs.UID
	}
	if req.SetAttrs.Present.Has(attrs.MaskGID) {
		rec.GID = req.SetAttrs.GID
	}
	if req.SetAttrs.Present.Has(attrs.MaskSize) {
		if err := m.truncateData(id, req.SetAttrs.Size); err != nil {
			return request.Fail(vfserrors.CodeOf(err), err)
		}
		rec.Size = req.SetAttrs.Size
	}
	rec.CTime = time.Now()
	if err := m.putRecord(rec); err != nil {
		return request.Fail(vfserrors.CodeOf(err), err)
	}
	return &request.Result{Code: vfserrors.OK, Attrs: rec.attrs()}
}

func (m *Module) truncateData(id uuid.UUID, size uint64) error {
	return m.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(keyData(id))
		var data []byte
		if err == nil {
			data, err = item.ValueCopy(nil)
			if err != nil {
				return err
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		if uint64(len(data)) > size {
			data = data[:size]
		} else if uint64(len(data)) < size {
			grown := make([]byte, size)
			copy(grown, data)
			data = grown
		}
		return txn.Set(keyData(id), data)
	})
}

func (m *Module) read(req *request.Request) *request.Result {
	id, err := decodeID(req.Handle)
	if err != nil {
		return request.Fail(vfserrors.CodeOf(err), err)
	}
	var data []byte
	err = m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyData(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return request.Fail(vfserrors.IO, vfserrors.Wrap("cairn.read", vfserrors.IO, "", err))
	}
	if req.Offset >= uint64(len(data)) {
		return &request.Result{Code: vfserrors.OK, EOF: true}
	}
	end := req.Offset + uint64(req.MaxCount)
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}
	out := append([]byte(nil), data[req.Offset:end]...)
	return &request.Result{Code: vfserrors.OK, Data: out, N: len(out), EOF: end == uint64(len(data))}
}

func (m *Module) write(req *request.Request) *request.Result {
	id, err := decodeID(req.Handle)
	if err != nil {
		return request.Fail(vfserrors.CodeOf(err), err)
	}
	var written int
	err = m.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(keyData(id))
		var data []byte
		if err == nil {
			data, err = item.ValueCopy(nil)
			if err != nil {
				return err
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		off := req.Offset
		for _, v := range req.Iovecs {
			end := off + uint64(len(v.Base))
			if end > uint64(len(data)) {
				grown := make([]byte, end)
				copy(grown, data)
				data = grown
			}
			copy(data[off:end], v.Base)
			off = end
			written += len(v.Base)
		}
		return txn.Set(keyData(id), data)
	})
	if err != nil {
		return request.Fail(vfserrors.IO, vfserrors.Wrap("cairn.write", vfserrors.IO, "", err))
	}

	rec, err := m.getRecord(id)
	if err == nil {
		rec.MTime = time.Now()
		if end := req.Offset + uint64(written); end > rec.Size {
			rec.Size = end
		}
		m.putRecord(rec)
	}
	return &request.Result{Code: vfserrors.OK, N: written}
}

func (m *Module) create(req *request.Request, typ attrs.Type) *request.Result {
	dirID, err := decodeID(req.Handle)
	if err != nil {
		return request.Fail(vfserrors.CodeOf(err), err)
	}
	childID := uuid.New()
	now := time.Now()
	nlink := uint32(1)
	if typ == attrs.TypeDirectory {
		nlink = 2
	}
	rec := &record{
		ID: childID, Type: typ, Mode: req.SetAttrs.Mode, UID: req.Cred.UID, GID: req.Cred.GID,
		Nlink: nlink, ATime: now, MTime: now, CTime: now,
	}

	err = m.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(keyChild(dirID, req.Name)); err == nil {
			return vfserrors.New("cairn.create", vfserrors.EXIST)
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		b, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := txn.Set(keyFile(childID), b); err != nil {
			return err
		}
		childBytes, _ := childID.MarshalBinary()
		return txn.Set(keyChild(dirID, req.Name), childBytes)
	})
	if err != nil {
		return request.Fail(vfserrors.CodeOf(err), err)
	}
	return &request.Result{Code: vfserrors.OK, Handle: m.handle(req.Handle.Mount, childID), Attrs: rec.attrs()}
}

func (m *Module) symlink(req *request.Request) *request.Result {
	res := m.create(req, attrs.TypeSymlink)
	if res.Code != vfserrors.OK {
		return res
	}
	id, _ := decodeID(res.Handle)
	rec, err := m.getRecord(id)
	if err != nil {
		return request.Fail(vfserrors.CodeOf(err), err)
	}
	rec.Target = req.LinkValue
	if err := m.putRecord(rec); err != nil {
		return request.Fail(vfserrors.CodeOf(err), err)
	}
	return res
}

func (m *Module) readlink(req *request.Request) *request.Result {
	id, err := decodeID(req.Handle)
	if err != nil {
		return request.Fail(vfserrors.CodeOf(err), err)
	}
	rec, err := m.getRecord(id)
	if err != nil {
		return request.Fail(vfserrors.CodeOf(err), err)
	}
	if rec.Type != attrs.TypeSymlink {
		return request.Fail(vfserrors.INVAL, vfserrors.New("cairn.readlink", vfserrors.INVAL))
	}
	return &request.Result{Code: vfserrors.OK, Data: []byte(rec.Target)}
}

func (m *Module) remove(req *request.Request, wantDir bool) *request.Result {
	dirID, err := decodeID(req.Handle)
	if err != nil {
		return request.Fail(vfserrors.CodeOf(err), err)
	}
	var childID uuid.UUID
	var rec record
	err = m.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(keyChild(dirID, req.Name))
		if err == badger.ErrKeyNotFound {
			return vfserrors.New("cairn.remove", vfserrors.NOENT)
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := childID.UnmarshalBinary(val); err != nil {
			return err
		}

		fitem, err := txn.Get(keyFile(childID))
		if err != nil {
			return err
		}
		if err := fitem.Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
			return err
		}

		isDir := rec.Type == attrs.TypeDirectory
		if wantDir && !isDir {
			return vfserrors.New("cairn.remove", vfserrors.NOTDIR)
		}
		if !wantDir && isDir {
			return vfserrors.New("cairn.remove", vfserrors.ISDIR)
		}
		if isDir {
			cit := txn.NewIterator(badger.DefaultIteratorOptions)
			defer cit.Close()
			prefix := keyChildPrefix(childID)
			cit.Seek(prefix)
			if cit.ValidForPrefix(prefix) {
				return vfserrors.New("cairn.remove", vfserrors.NOTEMPTY)
			}
		}

		if err := txn.Delete(keyChild(dirID, req.Name)); err != nil {
			return err
		}
		rec.Nlink--
		if rec.Nlink == 0 {
			if err := txn.Delete(keyFile(childID)); err != nil {
				return err
			}
			return txn.Delete(keyData(childID))
		}
		b, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return txn.Set(keyFile(childID), b)
	})
	if err != nil {
		return request.Fail(vfserrors.CodeOf(err), err)
	}
	return request.OK()
}

func (m *Module) rename(req *request.Request) *request.Result {
	srcDirID, err := decodeID(req.Handle)
	if err != nil {
		return request.Fail(vfserrors.CodeOf(err), err)
	}
	dstDirID, err := decodeID(req.Target)
	if err != nil {
		return request.Fail(vfserrors.CodeOf(err), err)
	}
	err = m.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(keyChild(srcDirID, req.Name))
		if err == badger.ErrKeyNotFound {
			return vfserrors.New("cairn.rename", vfserrors.NOENT)
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Delete(keyChild(srcDirID, req.Name)); err != nil {
			return err
		}
		return txn.Set(keyChild(dstDirID, req.NewName), val)
	})
	if err != nil {
		return request.Fail(vfserrors.CodeOf(err), err)
	}
	return request.OK()
}

func (m *Module) link(req *request.Request) *request.Result {
	existingID, err := decodeID(req.Handle)
	if err != nil {
		return request.Fail(vfserrors.CodeOf(err), err)
	}
	dirID, err := decodeID(req.Target)
	if err != nil {
		return request.Fail(vfserrors.CodeOf(err), err)
	}
	rec, err := m.getRecord(existingID)
	if err != nil {
		return request.Fail(vfserrors.CodeOf(err), err)
	}
	if rec.Type == attrs.TypeDirectory {
		return request.Fail(vfserrors.ISDIR, vfserrors.New("cairn.link", vfserrors.ISDIR))
	}
	rec.Nlink++
	if err := m.putRecord(rec); err != nil {
		return request.Fail(vfserrors.CodeOf(err), err)
	}
	existingBytes, _ := existingID.MarshalBinary()
	err = m.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyChild(dirID, req.NewName), existingBytes)
	})
	if err != nil {
		return request.Fail(vfserrors.IO, vfserrors.Wrap("cairn.link", vfserrors.IO, "", err))
	}
	return &request.Result{Code: vfserrors.OK, Handle: m.handle(req.Handle.Mount, existingID)}
}

func (m *Module) readdir(req *request.Request) *request.Result {
	dirID, err := decodeID(req.Handle)
	if err != nil {
		return request.Fail(vfserrors.CodeOf(err), err)
	}
	prefix := keyChildPrefix(dirID)

	type childEntry struct {
		name string
		id   uuid.UUID
	}
	var children []childEntry
	err = m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			name := string(bytes.TrimPrefix(item.Key(), prefix))
			var childID uuid.UUID
			if err := item.Value(func(v []byte) error { return childID.UnmarshalBinary(v) }); err != nil {
				return err
			}
			children = append(children, childEntry{name: name, id: childID})
		}
		return nil
	})
	if err != nil {
		return request.Fail(vfserrors.IO, vfserrors.Wrap("cairn.readdir", vfserrors.IO, "", err))
	}

	// Badger iterates keys in lexicographic order, so a cookie is the
	// 1-based position of an entry in that order; it is recomputed on every
	// call by walking all children and skipping those at or before the
	// requested cookie.
	var entries []request.DirEntry
	var cookie uint64
	for _, c := range children {
		cookie++
		if cookie <= req.Cookie {
			continue
		}
		rec, err := m.getRecord(c.id)
		if err != nil {
			continue
		}
		entries = append(entries, request.DirEntry{
			Name:   c.name,
			Handle: m.handle(req.Handle.Mount, c.id),
			Cookie: cookie,
			Attrs:  rec.attrs(),
		})
		if req.MaxCount > 0 && uint32(len(entries)) >= req.MaxCount {
			return &request.Result{Code: vfserrors.OK, Entries: entries, NextCookie: cookie}
		}
	}
	return &request.Result{Code: vfserrors.OK, Entries: entries, EOF: true}
}

// Put implements kv.Backend, storing value under key in cairn's own "kv:"
// namespace, disjoint from the filesystem object namespace above.
func (m *Module) Put(ctx context.Context, key, value []byte) error {
	err := m.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyKV(key), append([]byte(nil), value...))
	})
	if err != nil {
		return vfserrors.Wrap("cairn.kv.put", vfserrors.IO, "", err)
	}
	return nil
}

// Get implements kv.Backend.
func (m *Module) Get(ctx context.Context, key []byte) ([]byte, error) {
	var out []byte
	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyKV(key))
		if err == badger.ErrKeyNotFound {
			return vfserrors.New("cairn.kv.get", vfserrors.NOENT)
		}
		if err != nil {
			return vfserrors.Wrap("cairn.kv.get", vfserrors.IO, "", err)
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete implements kv.Backend.
func (m *Module) Delete(ctx context.Context, key []byte) error {
	err := m.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(keyKV(key))
	})
	if err != nil {
		return vfserrors.Wrap("cairn.kv.delete", vfserrors.IO, "", err)
	}
	return nil
}

// badgerIterator adapts a badger.Txn-bound iterator to kv.Iterator, closing
// the read transaction it was opened against on Close.
type badgerIterator struct {
	txn  *badger.Txn
	it   *badger.Iterator
	end  []byte
	key  []byte
	val  []byte
	err  error
	init bool
}

func (it *badgerIterator) Next() bool {
	if !it.init {
		it.init = true
	} else {
		it.it.Next()
	}
	if !it.it.Valid() {
		return false
	}
	item := it.it.Item()
	k := item.KeyCopy(nil)
	if it.end != nil && bytes.Compare(k, it.end) >= 0 {
		return false
	}
	it.key = bytes.TrimPrefix(k, []byte(prefixKV))
	v, err := item.ValueCopy(nil)
	if err != nil {
		it.err = err
		return false
	}
	it.val = v
	return true
}

func (it *badgerIterator) Key() []byte   { return it.key }
func (it *badgerIterator) Value() []byte { return it.val }
func (it *badgerIterator) Err() error     { return it.err }
func (it *badgerIterator) Close() error {
	it.it.Close()
	it.txn.Discard()
	return nil
}

// Search implements kv.Backend, scanning the "kv:" namespace over
// [start, end).
func (m *Module) Search(ctx context.Context, start, end []byte) (kv.Iterator, error) {
	txn := m.db.NewTransaction(false)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefixKV)
	it := txn.NewIterator(opts)
	seekKey := keyKV(start)
	it.Seek(seekKey)

	var endKey []byte
	if end != nil {
		endKey = keyKV(end)
	}
	return &badgerIterator{txn: txn, it: it, end: endKey}, nil
}
