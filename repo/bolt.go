// repo/bolt.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package repo

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	filesBucket  = []byte("files")
	blocksBucket = []byte("blocks")
	partsBucket  = []byte("fileparts")
	dirsBucket   = []byte("directories")
	activeBucket = []byte("activepaths")
)

// Number of records read per read transaction when iterating; each page
// is handed to the callback after the transaction has ended, so that the
// callback can write to the database.
const boltPageSize = 256

// Interval between syncs of the database file when background flushing
// is enabled.
var boltFlushInterval = 5 * time.Second

// Bolt is a Repository stored in a single bbolt database file.
type Bolt struct {
	db   *bolt.DB
	path string

	// Serializes write transactions with changes to db.NoSync.
	wmu        sync.Mutex
	background bool
	stop       chan struct{}
	done       chan struct{}
	tmpSeq     atomic.Int64

	lock sync.Mutex
}

var _ Repository = (*Bolt)(nil)

// OpenBolt opens (creating if necessary) the repository at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{filesBucket, blocksBucket, partsBucket,
			dirsBucket, activeBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		// Clean up scratch buckets left behind by a crash.
		var stale [][]byte
		err := tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			if bytes.HasPrefix(name, []byte("tmp:")) {
				stale = append(stale, dupe(name))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, name := range stale {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	b := &Bolt{db: db, path: path}
	b.SetBackgroundFlush(true)
	return b, nil
}

func (b *Bolt) String() string {
	return "bolt:" + b.path
}

func encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func decode(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (b *Bolt) update(fn func(tx *bolt.Tx) error) error {
	b.wmu.Lock()
	defer b.wmu.Unlock()
	err := b.db.Update(fn)
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	return err
}

func (b *Bolt) view(fn func(tx *bolt.Tx) error) error {
	err := b.db.View(fn)
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	return err
}

type kv struct {
	k, v []byte
}

// scan calls fn for every key in bucket that starts with prefix, in key
// order. Records are read a page at a time in short read transactions;
// fn runs outside of any transaction.
func (b *Bolt) scan(bucket, prefix []byte, fn func(k, v []byte) error) error {
	var last []byte
	for {
		var page []kv
		err := b.view(func(tx *bolt.Tx) error {
			c := tx.Bucket(bucket).Cursor()
			var k, v []byte
			if last == nil {
				k, v = c.Seek(prefix)
			} else {
				k, v = c.Seek(last)
				if k != nil && bytes.Equal(k, last) {
					k, v = c.Next()
				}
			}
			for ; k != nil && bytes.HasPrefix(k, prefix) && len(page) < boltPageSize; k, v = c.Next() {
				page = append(page, kv{dupe(k), dupe(v)})
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, e := range page {
			if err := fn(e.k, e.v); err != nil {
				if errors.Is(err, ErrStop) {
					return nil
				}
				return err
			}
		}
		if len(page) < boltPageSize {
			return nil
		}
		last = page[len(page)-1].k
	}
}

func (b *Bolt) get(bucket, key []byte, v interface{}) error {
	return b.view(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get(key)
		if data == nil {
			return ErrNotFound
		}
		return decode(data, v)
	})
}

///////////////////////////////////////////////////////////////////////////
// Files

func (b *Bolt) ForEachFile(fn func(File) error) error {
	return b.scan(filesBucket, nil, func(k, v []byte) error {
		var f File
		if err := decode(v, &f); err != nil {
			return fmt.Errorf("file %q: %w", k, err)
		}
		return fn(f)
	})
}

func (b *Bolt) File(path string, added time.Time) (File, error) {
	var f File
	if err := b.get(filesBucket, versionKey(path, added), &f); err != nil {
		return File{}, fmt.Errorf("%s@%s: %w", path, added.Format(time.RFC3339), err)
	}
	return f, nil
}

func (b *Bolt) FileVersions(path string) ([]File, error) {
	var fs []File
	err := b.scan(filesBucket, pathPrefix(path), func(k, v []byte) error {
		var f File
		if err := decode(v, &f); err != nil {
			return err
		}
		fs = append(fs, f)
		return nil
	})
	return fs, err
}

func (b *Bolt) AddFile(f File) error {
	data, err := encode(f)
	if err != nil {
		return err
	}
	key := versionKey(f.Path, f.Added)
	return b.update(func(tx *bolt.Tx) error {
		files, parts := tx.Bucket(filesBucket), tx.Bucket(partsBucket)
		if old := files.Get(key); old != nil {
			var of File
			if err := decode(old, &of); err == nil {
				if err := deleteRefs(parts, of); err != nil {
					return err
				}
			}
		}
		if err := files.Put(key, data); err != nil {
			return err
		}
		for _, r := range fileRefs(f) {
			if err := parts.Put(filePartKey(r), []byte{}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Bolt) DeleteFile(f File) error {
	key := versionKey(f.Path, f.Added)
	return b.update(func(tx *bolt.Tx) error {
		files := tx.Bucket(filesBucket)
		old := files.Get(key)
		if old == nil {
			return fmt.Errorf("%s: %w", f.Path, ErrNotFound)
		}
		var of File
		if err := decode(old, &of); err != nil {
			of = f
		}
		if err := deleteRefs(tx.Bucket(partsBucket), of); err != nil {
			return err
		}
		return files.Delete(key)
	})
}

func deleteRefs(parts *bolt.Bucket, f File) error {
	for _, r := range fileRefs(f) {
		if err := parts.Delete(filePartKey(r)); err != nil {
			return err
		}
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Blocks

func (b *Bolt) ForEachBlock(fn func(Block) error) error {
	return b.scan(blocksBucket, nil, func(k, v []byte) error {
		var blk Block
		if err := decode(v, &blk); err != nil {
			return fmt.Errorf("block %x: %w", k, err)
		}
		return fn(blk)
	})
}

func (b *Bolt) Block(hash Hash) (Block, error) {
	var blk Block
	if err := b.get(blocksBucket, hash[:], &blk); err != nil {
		return Block{}, fmt.Errorf("block %s: %w", hash.Short(), err)
	}
	return blk, nil
}

func (b *Bolt) AddBlock(blk Block) error {
	data, err := encode(blk)
	if err != nil {
		return err
	}
	return b.update(func(tx *bolt.Tx) error {
		return tx.Bucket(blocksBucket).Put(blk.Hash[:], data)
	})
}

func (b *Bolt) DeleteBlock(hash Hash) error {
	return b.update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(blocksBucket)
		if bk.Get(hash[:]) == nil {
			return fmt.Errorf("block %s: %w", hash.Short(), ErrNotFound)
		}
		return bk.Delete(hash[:])
	})
}

///////////////////////////////////////////////////////////////////////////
// File part references

func parseFilePartKey(k []byte) (FilePartRef, error) {
	if len(k) < HashSize+9 {
		return FilePartRef{}, fmt.Errorf("%x: short file part key", k)
	}
	var r FilePartRef
	copy(r.BlockHash[:], k[:HashSize])
	rest := k[HashSize:]
	r.Path = string(rest[:len(rest)-9])
	r.Added = keyTime(rest[len(rest)-8:])
	return r, nil
}

func (b *Bolt) ForEachFilePart(fn func(FilePartRef) error) error {
	return b.scan(partsBucket, nil, func(k, _ []byte) error {
		r, err := parseFilePartKey(k)
		if err != nil {
			return err
		}
		return fn(r)
	})
}

func (b *Bolt) DeleteFilePart(ref FilePartRef) error {
	return b.update(func(tx *bolt.Tx) error {
		return tx.Bucket(partsBucket).Delete(filePartKey(ref))
	})
}

///////////////////////////////////////////////////////////////////////////
// Directories

func (b *Bolt) ForEachDirectory(fn func(Directory) error) error {
	return b.scan(dirsBucket, nil, func(k, v []byte) error {
		var d Directory
		if err := decode(v, &d); err != nil {
			return fmt.Errorf("directory %q: %w", k, err)
		}
		return fn(d)
	})
}

func (b *Bolt) DirectoryVersions(path string) ([]Directory, error) {
	var ds []Directory
	err := b.scan(dirsBucket, pathPrefix(DirPath(path)), func(k, v []byte) error {
		var d Directory
		if err := decode(v, &d); err != nil {
			return err
		}
		ds = append(ds, d)
		return nil
	})
	return ds, err
}

func (b *Bolt) LatestDirectory(path string) (Directory, error) {
	var d Directory
	prefix := pathPrefix(DirPath(path))
	err := b.view(func(tx *bolt.Tx) error {
		c := tx.Bucket(dirsBucket).Cursor()
		// The largest key with the prefix immediately precedes the first
		// key past it; the time suffix is fixed-length.
		end := append(dupe(prefix), 0xff)
		k, v := c.Seek(end)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		if k == nil || !bytes.HasPrefix(k, prefix) {
			return ErrNotFound
		}
		return decode(v, &d)
	})
	if err != nil {
		return Directory{}, fmt.Errorf("directory %s: %w", path, err)
	}
	return d, nil
}

func (b *Bolt) AddDirectory(d Directory) error {
	d = normalizeDirectory(d)
	data, err := encode(d)
	if err != nil {
		return err
	}
	return b.update(func(tx *bolt.Tx) error {
		return tx.Bucket(dirsBucket).Put(versionKey(d.Path, d.Added), data)
	})
}

func (b *Bolt) DeleteDirectory(d Directory) error {
	key := versionKey(DirPath(d.Path), d.Added)
	return b.update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(dirsBucket)
		if bk.Get(key) == nil {
			return fmt.Errorf("directory %s: %w", d.Path, ErrNotFound)
		}
		return bk.Delete(key)
	})
}

///////////////////////////////////////////////////////////////////////////
// Active paths

func (b *Bolt) ActivePaths() ([]ActivePath, error) {
	var as []ActivePath
	err := b.scan(activeBucket, nil, func(_, v []byte) error {
		var a ActivePath
		if err := decode(v, &a); err != nil {
			return err
		}
		as = append(as, a)
		return nil
	})
	return as, err
}

func (b *Bolt) AddActivePath(a ActivePath) error {
	data, err := encode(a)
	if err != nil {
		return err
	}
	return b.update(func(tx *bolt.Tx) error {
		return tx.Bucket(activeBucket).Put(activePathKey(a), data)
	})
}

func (b *Bolt) DeleteActivePath(a ActivePath) error {
	return b.update(func(tx *bolt.Tx) error {
		return tx.Bucket(activeBucket).Delete(activePathKey(a))
	})
}

///////////////////////////////////////////////////////////////////////////
// Locking, scratch space, counts

func (b *Bolt) Lock() (func(), error) {
	b.lock.Lock()
	return b.lock.Unlock, nil
}

func (b *Bolt) TempMap(name string) (TempMap, error) {
	bucket := []byte(fmt.Sprintf("tmp:%s:%d", name, b.tmpSeq.Add(1)))
	err := b.update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucket(bucket)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &boltTemp{b: b, bucket: bucket}, nil
}

func (b *Bolt) Counts() (Counts, error) {
	var c Counts
	err := b.view(func(tx *bolt.Tx) error {
		c.Files = int64(tx.Bucket(filesBucket).Stats().KeyN)
		c.Blocks = int64(tx.Bucket(blocksBucket).Stats().KeyN)
		c.FileParts = int64(tx.Bucket(partsBucket).Stats().KeyN)
		c.Directories = int64(tx.Bucket(dirsBucket).Stats().KeyN)
		return nil
	})
	return c, err
}

// SetBackgroundFlush switches between syncing the database file on every
// commit and letting commits accumulate with a periodic sync from a
// background goroutine.
func (b *Bolt) SetBackgroundFlush(enabled bool) {
	b.wmu.Lock()
	defer b.wmu.Unlock()
	if enabled == b.background {
		return
	}
	b.background = enabled
	b.db.NoSync = enabled
	if enabled {
		b.stop, b.done = make(chan struct{}), make(chan struct{})
		go b.flusher(b.stop, b.done)
		return
	}
	close(b.stop)
	// The flusher takes wmu for each sync; release it while waiting.
	b.wmu.Unlock()
	<-b.done
	b.wmu.Lock()
	b.db.Sync()
}

func (b *Bolt) flusher(stop, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(boltFlushInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			b.wmu.Lock()
			b.db.Sync()
			b.wmu.Unlock()
		}
	}
}

func (b *Bolt) Close() error {
	b.SetBackgroundFlush(false)
	return b.db.Close()
}

type boltTemp struct {
	b      *Bolt
	bucket []byte
	n      atomic.Int64
}

func (t *boltTemp) Get(key []byte) ([]byte, bool, error) {
	var v []byte
	err := t.b.view(func(tx *bolt.Tx) error {
		bk := tx.Bucket(t.bucket)
		if bk == nil {
			return ErrClosed
		}
		if data := bk.Get(key); data != nil {
			v = dupe(data)
		}
		return nil
	})
	return v, v != nil, err
}

func (t *boltTemp) Put(key, value []byte) error {
	return t.b.update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(t.bucket)
		if bk == nil {
			return ErrClosed
		}
		if bk.Get(key) == nil {
			t.n.Add(1)
		}
		// bbolt treats a nil value as absent.
		if value == nil {
			value = []byte{}
		}
		return bk.Put(key, value)
	})
}

func (t *boltTemp) Delete(key []byte) error {
	return t.b.update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(t.bucket)
		if bk == nil {
			return ErrClosed
		}
		if bk.Get(key) != nil {
			t.n.Add(-1)
		}
		return bk.Delete(key)
	})
}

func (t *boltTemp) Len() int {
	return int(t.n.Load())
}

func (t *boltTemp) Close() error {
	err := t.b.update(func(tx *bolt.Tx) error {
		return tx.DeleteBucket(t.bucket)
	})
	if errors.Is(err, bolt.ErrBucketNotFound) {
		return nil
	}
	return err
}
