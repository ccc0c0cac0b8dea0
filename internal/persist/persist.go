// Package persist implements the persisted store of spec.md §3: the
// on-disk layout backing the inode-map and directory-entry stores, using
// go.etcd.io/bbolt as the storage engine (grounded on rclone's
// backend/cache/storage_persistent.go, which wraps the same library the
// same way: one *bolt.DB, a handful of top-level buckets, a single mutex
// serializing writes).
package persist

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// Bucket names for the sequence of records described in spec.md §3.
const (
	BucketInodes      = "inodes"
	BucketDirents     = "dirents"
	BucketBaseRefs    = "baserefs"
	BucketStorageRefs = "storagerefs"
	BucketBaseRev     = "baserev"
	BucketStorageRev  = "storagerev"
)

var allBuckets = []string{
	BucketInodes,
	BucketDirents,
	BucketBaseRefs,
	BucketStorageRefs,
	BucketBaseRev,
	BucketStorageRev,
}

// InodeRecord is the persisted representation of a logical inode (spec.md
// §3's "Logical inode"), minus any live backing handles, which are never
// persisted.
type InodeRecord struct {
	Lino       uint64
	Mode       uint32
	Uid        uint32
	Gid        uint32
	Size       uint64
	Nlink      uint32
	Rdev       uint32
	Atime      time.Time
	Mtime      time.Time
	Ctime      time.Time
	ParentLino uint64
	Name       string
	Flags      uint32

	BaseDev    uint64
	BaseIno    uint64
	HasBase    bool
	StorageDev uint64
	StorageIno uint64
	HasStorage bool
}

// DirentRecord is one persisted directory entry (spec.md §3's "Directory
// entry"), keyed by (DirLino, Name) at the storage layer.
type DirentRecord struct {
	DirLino    uint64
	Name       string
	TargetLino uint64
	Flags      uint32
}

// Store wraps a single bolt.DB file holding every bucket above. All writes
// take store.mu, matching spec.md §5's "single global mutex, short critical
// sections" for the map store; reads take the database's own read
// transaction, which bbolt permits concurrently with a writer.
type Store struct {
	path string
	db   *bolt.DB
	mu   sync.Mutex
}

// Open opens or creates the bbolt database at path, creating every bucket
// this package knows about if missing.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "persist: open %q", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return errors.Wrapf(err, "persist: create bucket %q", name)
			}
		}

		// Reserve sequence value 1 for fuseops.RootInodeID, which is never
		// allocated through NextLino.
		inodes := tx.Bucket([]byte(BucketInodes))
		if inodes.Sequence() == 0 {
			if err := inodes.SetSequence(1); err != nil {
				return errors.Wrap(err, "persist: reserve root lino")
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{path: path, db: db}, nil
}

// Close flushes and closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// NextLino allocates a fresh logical inode number from the inodes
// bucket's sequence counter, implementing spec.md §4.3's add_inode
// allocation step.
func (s *Store) NextLino() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		seq, err := tx.Bucket([]byte(BucketInodes)).NextSequence()
		if err != nil {
			return err
		}
		id = seq
		return nil
	})

	return id, err
}

func linoKey(lino uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], lino)
	return b[:]
}

func direntKey(dirLino uint64, name string) []byte {
	b := make([]byte, 8+len(name))
	binary.BigEndian.PutUint64(b[:8], dirLino)
	copy(b[8:], name)
	return b
}

func refKey(dev, ino uint64) []byte {
	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], dev)
	binary.BigEndian.PutUint64(b[8:], ino)
	return b[:]
}

// PutInode persists rec, overwriting any existing record for the same lino.
func (s *Store) PutInode(rec InodeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "persist: marshal inode record")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(BucketInodes))
		if err := b.Put(linoKey(rec.Lino), data); err != nil {
			return err
		}

		if rec.HasBase {
			rb := tx.Bucket([]byte(BucketBaseRefs))
			if err := rb.Put(refKey(rec.BaseDev, rec.BaseIno), linoKey(rec.Lino)); err != nil {
				return err
			}
		}

		if rec.HasStorage {
			rb := tx.Bucket([]byte(BucketStorageRefs))
			if err := rb.Put(refKey(rec.StorageDev, rec.StorageIno), linoKey(rec.Lino)); err != nil {
				return err
			}
		}

		return nil
	})
}

// GetInode loads the record for lino, returning ok=false if absent.
func (s *Store) GetInode(lino uint64) (rec InodeRecord, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(BucketInodes))
		data := b.Get(linoKey(lino))
		if data == nil {
			return nil
		}

		ok = true
		return json.Unmarshal(data, &rec)
	})

	return
}

// DeleteInode erases the persisted record for lino. The overlay's
// clean_inode does not call it: cleaned records stay in the inodes bucket.
func (s *Store) DeleteInode(lino uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(BucketInodes)).Delete(linoKey(lino))
	})
}

// LookupByBaseRef performs the map_lookup(dev, ino, base) reverse lookup.
func (s *Store) LookupByBaseRef(dev, ino uint64) (lino uint64, ok bool, err error) {
	return s.lookupRef(BucketBaseRefs, dev, ino)
}

// LookupByStorageRef performs the map_lookup(dev, ino, storage) reverse
// lookup.
func (s *Store) LookupByStorageRef(dev, ino uint64) (lino uint64, ok bool, err error) {
	return s.lookupRef(BucketStorageRefs, dev, ino)
}

func (s *Store) lookupRef(bucket string, dev, ino uint64) (lino uint64, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		data := b.Get(refKey(dev, ino))
		if data == nil {
			return nil
		}

		ok = true
		lino = binary.BigEndian.Uint64(data)
		return nil
	})

	return
}

// PutDirent persists a single directory entry record.
func (s *Store) PutDirent(rec DirentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "persist: marshal dirent record")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(BucketDirents))
		return b.Put(direntKey(rec.DirLino, rec.Name), data)
	})
}

// DeleteDirent hard-removes the persisted entry (dirLino, name).
func (s *Store) DeleteDirent(dirLino uint64, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(BucketDirents)).Delete(direntKey(dirLino, name))
	})
}

// ListDirents returns every persisted entry for dirLino, in key order
// (which sorts by name since direntKey is dirLino-prefixed).
func (s *Store) ListDirents(dirLino uint64) (recs []DirentRecord, err error) {
	prefix := linoKey(dirLino)

	err = s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(BucketDirents)).Cursor()

		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var rec DirentRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			recs = append(recs, rec)
		}

		return nil
	})

	return
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}

	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}

	return true
}

// Backend is the interface a named persistence method must implement;
// spec.md §9's "storage methods" design note models this as a registry
// constructed at package init, mirroring the original ovl_stg.h method
// table. Store satisfies this trivially.
type Backend interface {
	Close() error
}

var (
	registryMu sync.Mutex
	registry   = map[string]func(path string) (Backend, error){}
)

// Register adds a named persistence backend to the process-wide registry.
// Panics on a duplicate name, matching the teacher packages' own init-time
// registration style (cf. reqtrace's single global tracer).
func Register(name string, open func(path string) (Backend, error)) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[name]; exists {
		panic("persist: duplicate backend " + name)
	}

	registry[name] = open
}

// Lookup resolves a previously-registered backend by name, as named by the
// mount option stg_method=NAME.
func Lookup(name string) (open func(path string) (Backend, error), ok bool) {
	registryMu.Lock()
	defer registryMu.Unlock()

	open, ok = registry[name]
	return
}

func init() {
	Register("bbolt", func(path string) (Backend, error) {
		return Open(path)
	})
}

var _ = os.ModePerm
