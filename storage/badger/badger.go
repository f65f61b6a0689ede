/*
	Package badger implements a store on an embedded BadgerDB so many chunked arrays
	can share one database directory, each in its own key namespace.
*/
package badger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blang/semver"
	"github.com/dgraph-io/badger/v3"

	"github.com/janelia-flyem/cellflow/cellflow"
	"github.com/janelia-flyem/cellflow/storage"
)

const (
	// DefaultVersionsToKeep is the number of versions to keep per key.
	DefaultVersionsToKeep = 1

	// DefaultSyncWrites is true if all writes are synced to disk, thereby making db resilient
	// at cost of speed.
	DefaultSyncWrites = false

	// deleteBatchSize is the number of deletions per write batch flush.
	deleteBatchSize = 10000
)

// ValueCompression is applied to values before they are stored.  Chunks handed to the
// store are usually already compressed, so the default only adds a checksum.
var ValueCompression = cellflow.Snappy

func init() {
	ver, err := semver.Make("0.1.0")
	if err != nil {
		cellflow.Errorf("Unable to make semver in badger: %v\n", err)
	}
	e := Engine{"badger", "BadgerDB", ver}
	storage.RegisterEngine(e)
}

// --- Engine Implementation ------

type Engine struct {
	name   string
	desc   string
	semver semver.Version
}

func (e Engine) GetName() string {
	return e.name
}

func (e Engine) GetDescription() string {
	return e.desc
}

func (e Engine) GetSemVer() semver.Version {
	return e.semver
}

func (e Engine) String() string {
	return fmt.Sprintf("%s [%s]", e.name, e.semver)
}

// NewStore returns a namespace within a badger database.  The passed config must
// contain a path.
func (e Engine) NewStore(config storage.StoreConfig) (storage.Store, bool, error) {
	if config.Path == "" {
		return nil, false, fmt.Errorf("path must be specified for BadgerDB configuration")
	}
	db, created, err := acquireDB(config.Path)
	if err != nil {
		return nil, false, err
	}
	ns := strings.Trim(config.Namespace, "/")
	if ns != "" {
		ns += "/"
	}
	return &Store{db: db, namespace: ns}, created, nil
}

// openDB is a database shared by every store in the process that uses its directory.
type openDB struct {
	directory  string
	bdp        *badger.DB
	refs       int
	stopSyncCh chan struct{}
}

var (
	dbsMu sync.Mutex
	dbs   = map[string]*openDB{}
)

func acquireDB(path string) (*openDB, bool, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, false, err
	}
	dbsMu.Lock()
	defer dbsMu.Unlock()
	if db, found := dbs[abs]; found {
		db.refs++
		return db, false, nil
	}

	// Is there a database already at this path?  If not, create.
	var created bool
	if _, err := os.Stat(abs); os.IsNotExist(err) {
		cellflow.Infof("Database not already at path (%s). Creating directory...\n", abs)
		created = true
		if err := os.MkdirAll(abs, 0744); err != nil {
			return nil, true, fmt.Errorf("can't make directory at %s: %w", abs, err)
		}
	}

	opts := badger.DefaultOptions(abs).WithLogger(nil)
	opts.NumVersionsToKeep = DefaultVersionsToKeep
	opts.SyncWrites = DefaultSyncWrites

	cellflow.Infof("Opening badger @ path %s\n", abs)
	bdp, err := badger.Open(opts)
	if err != nil {
		return nil, created, err
	}
	db := &openDB{directory: abs, bdp: bdp, refs: 1, stopSyncCh: make(chan struct{})}
	dbs[abs] = db
	go db.syncPeriodically()
	return db, created, nil
}

// Periodically sync to prevent too many writes from being buffered if the process crashes.
func (db *openDB) syncPeriodically() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-db.stopSyncCh:
			return
		case <-ticker.C:
			if err := db.bdp.Sync(); err != nil {
				cellflow.Warningf("badger sync @ %s: %v\n", db.directory, err)
			}
		}
	}
}

func releaseDB(db *openDB) error {
	dbsMu.Lock()
	defer dbsMu.Unlock()
	db.refs--
	if db.refs > 0 {
		return nil
	}
	delete(dbs, db.directory)
	close(db.stopSyncCh)
	err := db.bdp.Close()
	cellflow.Infof("Closed Badger DB @ %s\n", db.directory)
	return err
}

// Store is one key namespace within a badger database.
type Store struct {
	db        *openDB
	namespace string
	closeOnce sync.Once
}

func (s *Store) String() string {
	return fmt.Sprintf("badger @ %s#%s", s.db.directory, strings.TrimSuffix(s.namespace, "/"))
}

func (s *Store) key(k string) []byte {
	return []byte(s.namespace + k)
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var stored []byte
	err := s.db.bdp.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key(key))
		if err == badger.ErrKeyNotFound {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		stored, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	value, _, err := cellflow.DeserializeData(stored, true)
	if err != nil {
		return nil, fmt.Errorf("bad value for key %q in %s: %w", key, s, err)
	}
	storage.RecordRead(len(stored))
	return value, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	stored, err := cellflow.SerializeData(value, ValueCompression, cellflow.CRC32)
	if err != nil {
		return err
	}
	err = s.db.bdp.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key(key), stored)
	})
	if err != nil {
		return err
	}
	storage.RecordWrite(len(stored))
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.db.bdp.Update(func(txn *badger.Txn) error {
		return txn.Delete(s.key(key))
	})
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	full := s.key(prefix)
	err := s.db.bdp.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = full
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(full); it.ValidForPrefix(full); it.Next() {
			k := string(it.Item().Key())
			keys = append(keys, strings.TrimPrefix(k, s.namespace))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// DeleteAll removes every key in the store's namespace using write batches.
func (s *Store) DeleteAll(ctx context.Context) (int, error) {
	keys, err := s.Keys(ctx, "")
	if err != nil {
		return 0, err
	}
	wb := s.db.bdp.NewWriteBatch()
	defer func() { wb.Cancel() }()
	for i, k := range keys {
		if err := wb.Delete(s.key(k)); err != nil {
			return i, err
		}
		if (i+1)%deleteBatchSize == 0 {
			if err := wb.Flush(); err != nil {
				return i, fmt.Errorf("error on flush of DeleteAll at key %d: %w", i, err)
			}
			wb = s.db.bdp.NewWriteBatch()
		}
	}
	if err := wb.Flush(); err != nil {
		return len(keys), fmt.Errorf("error on last flush of DeleteAll: %w", err)
	}
	cellflow.Debugf("Deleted %d keys via DeleteAll for %s.\n", len(keys), s)
	return len(keys), nil
}

// Close releases this store's hold on the shared database.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = releaseDB(s.db)
	})
	return err
}
