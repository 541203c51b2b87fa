// Package cache stores compiled function bodies on disk, keyed by the
// target fingerprint, the backend and the printed IR.
package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"kiln/internal/ir"
	"kiln/internal/obj"
)

// Current schema version - increment when Entry format changes
const schemaVersion uint16 = 1

// Digest identifies one compiled function.
type Digest [sha256.Size]byte

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Key hashes everything that influences the compiled body of fn. Symbol
// ids are included because relocations refer to them.
func Key(fingerprint, backend string, fn *ir.Func) Digest {
	h := sha256.New()
	h.Write([]byte(fingerprint))
	h.Write([]byte{0})
	h.Write([]byte(backend))
	h.Write([]byte{0})
	h.Write([]byte(fn.String()))
	var buf [4]byte
	for _, ext := range fn.ExtFuncs {
		binary.LittleEndian.PutUint32(buf[:], ext.Symbol)
		h.Write(buf[:])
	}
	h.Write([]byte{0})
	for _, gv := range fn.Globals {
		binary.LittleEndian.PutUint32(buf[:], gv.Symbol)
		h.Write(buf[:])
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// Entry is the on-disk form of a compiled body.
type Entry struct {
	Schema    uint16
	Bytes     []byte
	Relocs    []Reloc
	Align     uint64
	Text      string
	FrameSize int
}

type Reloc struct {
	Offset uint64
	Kind   uint8
	Symbol uint32
	Addend int64
}

func entryFromCode(c *obj.Code) *Entry {
	e := &Entry{
		Schema:    schemaVersion,
		Bytes:     c.Bytes,
		Align:     c.Align,
		Text:      c.Text,
		FrameSize: c.FrameSize,
		Relocs:    make([]Reloc, len(c.Relocs)),
	}
	for i, r := range c.Relocs {
		e.Relocs[i] = Reloc{Offset: r.Offset, Kind: uint8(r.Kind), Symbol: r.Symbol, Addend: r.Addend}
	}
	return e
}

func (e *Entry) code() *obj.Code {
	c := &obj.Code{
		Bytes:     e.Bytes,
		Align:     e.Align,
		Text:      e.Text,
		FrameSize: e.FrameSize,
	}
	if len(e.Relocs) > 0 {
		c.Relocs = make([]obj.Reloc, len(e.Relocs))
		for i, r := range e.Relocs {
			c.Relocs[i] = obj.Reloc{Offset: r.Offset, Kind: obj.RelocKind(r.Kind), Symbol: r.Symbol, Addend: r.Addend}
		}
	}
	return c
}

// DiskCache is safe for concurrent use.
type DiskCache struct {
	mu  sync.RWMutex
	dir string
}

// DefaultDir returns the per-user cache directory for app.
func DefaultDir(app string) (string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".cache")
	}
	return filepath.Join(base, app), nil
}

// Open returns a cache rooted at dir, creating it if needed.
func Open(dir string) (*DiskCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	return &DiskCache{dir: dir}, nil
}

// Dir returns the cache root.
func (c *DiskCache) Dir() string {
	if c == nil {
		return ""
	}
	return c.dir
}

func (c *DiskCache) pathFor(key Digest) string {
	hexKey := key.String()
	return filepath.Join(c.dir, "funcs", hexKey[:2], hexKey+".mp")
}

// Put stores code under key, replacing any previous entry atomically.
func (c *DiskCache) Put(key Digest, code *obj.Code) (err error) {
	if c == nil || code == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.pathFor(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(p), "tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
		}
	}()

	if err = msgpack.NewEncoder(f).Encode(entryFromCode(code)); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), p)
}

// Get returns the code stored under key. Entries written by another schema
// version are reported as misses.
func (c *DiskCache) Get(key Digest) (*obj.Code, bool, error) {
	if c == nil {
		return nil, false, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := os.ReadFile(c.pathFor(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var e Entry
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return nil, false, fmt.Errorf("decode cache entry %s: %w", key, err)
	}
	if e.Schema != schemaVersion {
		return nil, false, nil
	}
	return e.code(), true, nil
}

// DropAll removes every entry.
func (c *DiskCache) DropAll() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.dir + ".old-" + time.Now().Format("20060102150405")
	if err := os.Rename(c.dir, old); err != nil {
		return err
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return err
	}
	return os.RemoveAll(old)
}
