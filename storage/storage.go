/*
	Package storage provides a unified key-value interface to the engines that hold
	chunked arrays: local directories, cloud object stores and an embedded database.

	Each engine registers itself at init time and is selected by the scheme of a store
	reference:

		/data/results/flows.zarr            local directory (filestore)
		file:///data/results/flows.zarr     local directory via gocloud
		s3://bucket/path/flows.zarr         AWS S3 or compatible (blob)
		vast://endpoint/bucket/flows.zarr   VAST S3-compatible (blob)
		gs://bucket/path/flows.zarr         Google Cloud Storage (blob)
		mem://flows.zarr                    in-process memory bucket (blob)
		swift://container/path/flows.zarr   Openstack Swift container (swift)
		badger:///data/db#flows.zarr        BadgerDB directory with key namespace (badger)

	Values are simply []byte at this level.  Serialization and compression of chunks
	occur above the storage level.
*/
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/blang/semver"

	"github.com/janelia-flyem/cellflow/cellflow"
)

// ErrNotFound is returned by Store.Get when a key has no value.
var ErrNotFound = errors.New("key not found")

// Store is a flat key-value namespace.  Keys are slash-separated relative paths.
type Store interface {
	// Get returns the value for a key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores a value for a key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes a key.  Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns the sorted keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close releases resources held by the store.
	Close() error

	String() string
}

// StoreConfig describes a store for an engine.
type StoreConfig struct {
	// Engine is the registered engine name.
	Engine string

	// Path is the engine-specific location, e.g., a directory or bucket URL.
	Path string

	// Namespace is an optional key prefix within the location.
	Namespace string
}

// Engine implementations open stores from a StoreConfig.
type Engine interface {
	GetName() string
	GetDescription() string
	GetSemVer() semver.Version

	// NewStore returns a store and whether it was newly created.
	NewStore(config StoreConfig) (Store, bool, error)

	String() string
}

var (
	enginesMu sync.RWMutex
	engines   = map[string]Engine{}
)

// RegisterEngine registers an Engine so it can be selected by name.
func RegisterEngine(e Engine) {
	enginesMu.Lock()
	engines[e.GetName()] = e
	enginesMu.Unlock()
}

// GetEngine returns the engine registered under name.
func GetEngine(name string) (Engine, bool) {
	enginesMu.RLock()
	defer enginesMu.RUnlock()
	e, found := engines[name]
	return e, found
}

// EnginesAvailable returns a description of the registered engines.
func EnginesAvailable() string {
	enginesMu.RLock()
	defer enginesMu.RUnlock()
	var names []string
	for _, e := range engines {
		names = append(names, e.String())
	}
	sort.Strings(names)
	return strings.Join(names, "; ")
}

// schemeEngines maps reference schemes to engine names.
var schemeEngines = map[string]string{
	"":       "filestore",
	"file":   "blob",
	"s3":     "blob",
	"vast":   "blob",
	"gs":     "blob",
	"gcs":    "blob",
	"mem":    "blob",
	"badger": "badger",
	"swift":  "swift",
}

// ParseRef converts a store reference into a StoreConfig.
func ParseRef(ref string) (StoreConfig, error) {
	if ref == "" {
		return StoreConfig{}, fmt.Errorf("empty store reference")
	}
	if !strings.Contains(ref, "://") {
		return StoreConfig{Engine: "filestore", Path: ref}, nil
	}
	u, err := url.Parse(ref)
	if err != nil {
		return StoreConfig{}, fmt.Errorf("bad store reference %q: %w", ref, err)
	}
	name, found := schemeEngines[u.Scheme]
	if !found {
		return StoreConfig{}, fmt.Errorf("unsupported store scheme %q in %q", u.Scheme, ref)
	}
	switch name {
	case "badger":
		return StoreConfig{Engine: name, Path: u.Path, Namespace: strings.Trim(u.Fragment, "/")}, nil
	case "swift":
		return StoreConfig{Engine: name, Path: u.Host, Namespace: strings.Trim(u.Path, "/")}, nil
	default:
		return StoreConfig{Engine: name, Path: ref}, nil
	}
}

// Open returns the store for a reference using the engine registered for its scheme.
func Open(ref string) (Store, error) {
	config, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}
	e, found := GetEngine(config.Engine)
	if !found {
		return nil, fmt.Errorf("no %q storage engine registered for %q (available: %s)",
			config.Engine, ref, EnginesAvailable())
	}
	store, created, err := e.NewStore(config)
	if err != nil {
		return nil, err
	}
	if created {
		cellflow.Debugf("Created new %s store for %s\n", e.GetName(), ref)
	}
	return store, nil
}

// Join appends path elements to a store reference.  For badger references the
// elements extend the in-database namespace.
func Join(ref string, elem ...string) string {
	if !strings.Contains(ref, "://") {
		return path.Join(append([]string{ref}, elem...)...)
	}
	u, err := url.Parse(ref)
	if err != nil {
		return strings.TrimRight(ref, "/") + "/" + path.Join(elem...)
	}
	if u.Scheme == "badger" {
		u.Fragment = strings.Trim(path.Join(append([]string{u.Fragment}, elem...)...), "/")
		return u.String()
	}
	u.Path = path.Join(append([]string{u.Path}, elem...)...)
	if u.Host == "" && !strings.HasPrefix(u.Path, "/") {
		u.Path = "/" + u.Path
	}
	return u.String()
}

// DeletePrefix removes every key starting with prefix.
func DeletePrefix(ctx context.Context, store Store, prefix string) (int, error) {
	keys, err := store.Keys(ctx, prefix)
	if err != nil {
		return 0, err
	}
	for _, k := range keys {
		if err := store.Delete(ctx, k); err != nil {
			return 0, fmt.Errorf("deleting %q from %s: %w", k, store, err)
		}
	}
	return len(keys), nil
}
