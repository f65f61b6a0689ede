/*
	Package filestore implements a directory-backed store where each key is a file.
	Keys map directly onto relative file paths so the layout of a chunked array on
	disk is the layout other zarr readers expect.
*/
package filestore

import (
	"context"
	"errors"
	"fmt"
		"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/blang/semver"

	"github.com/janelia-flyem/cellflow/cellflow"
	"github.com/janelia-flyem/cellflow/storage"
)

func init() {
	ver, err := semver.Make("0.1.0")
	if err != nil {
		cellflow.Errorf("Unable to make semver in filestore: %v\n", err)
	}
	e := Engine{"filestore", "File-based key value store", ver}
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

// NewStore returns a file-based store.  The passed config must contain a path.
func (e Engine) NewStore(config storage.StoreConfig) (storage.Store, bool, error) {
	return e.newStore(config)
}

type fileStore struct {
	path string
}

// newStore returns a file-based key-value store, insuring a directory at the path.
func (e Engine) newStore(config storage.StoreConfig) (*fileStore, bool, error) {
	if config.Path == "" {
		return nil, false, fmt.Errorf("path must be specified for filestore configuration")
	}
	path := filepath.Join(config.Path, filepath.FromSlash(config.Namespace))

	var created bool
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cellflow.Debugf("File store not already at path (%s). Creating ...\n", path)
		if err := os.MkdirAll(path, 0755); err != nil {
			return nil, false, err
		}
		created = true
	} else if err != nil {
		return nil, false, err
	}
	return &fileStore{path: path}, created, nil
}

// ---- Store interface ------

func (fs *fileStore) String() string {
	return fmt.Sprintf("file store @ %s", fs.path)
}

func (fs *fileStore) Close() error { return nil }

func (fs *fileStore) filename(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("bad key %q for %s", key, fs)
	}
	return filepath.Join(fs.path, clean), nil
}

func (fs *fileStore) Get(ctx context.Context, key string) ([]byte, error) {
	fname, err := fs.filename(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fname)
	if errors.Is(err, os.ErrNotExist) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	storage.RecordRead(len(data))
	return data, nil
}

// Put writes to a temporary file and renames it so readers never see partial values.
func (fs *fileStore) Put(ctx context.Context, key string, value []byte) error {
	fname, err := fs.filename(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(fname)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("can't make directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(fname)+"-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), fname); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	storage.RecordWrite(len(value))
	return nil
}

func (fs *fileStore) Delete(ctx context.Context, key string) error {
	fname, err := fs.filename(key)
	if err != nil {
		return err
	}
	if err := os.Remove(fname); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (fs *fileStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(fs.path, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(fs.path, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}
