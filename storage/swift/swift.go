/*
	Package swift adds Openstack Swift containers as a store engine.  References have
	the form

		swift://container/path/flows.zarr

	Credentials come from the environment variables used by the swift command-line
	client:

	  - ST_AUTH: the authorization URL.
	  - ST_USER: the Swift user.
	  - ST_KEY: the Swift key / password.

	Optional variables are OS_PROJECT_NAME and OS_PROJECT_DOMAIN_NAME (v3 authorization
	only) and ST_AUTH_VERSION.  A missing container is created.
*/
package swift

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/blang/semver"
	"github.com/ncw/swift"

	"github.com/janelia-flyem/cellflow/cellflow"
	"github.com/janelia-flyem/cellflow/storage"
)

const (
	// The maximum number of operations sent to Swift in parallel.
	maxConcurrentOperations = 10

	// The initial delay upon a failure.
	initialDelay = 50 * time.Millisecond

	// The maximum delay after which we give up and an error is returned.
	maximumDelay = 20 * time.Second
)

// rateLimit is a buffered channel used to limit the number of concurrent
// operations sent to Swift.
var rateLimit = make(chan struct{}, maxConcurrentOperations)

func init() {
	ver, err := semver.Make("0.1.0")
	if err != nil {
		cellflow.Errorf("Unable to make semver in swift: %v\n", err)
	}
	storage.RegisterEngine(Engine{"swift", "Openstack Swift", ver})
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

// NewStore returns a store for a prefix within a container.  The config path is the
// container and the namespace the object name prefix.  The returned bool is true if
// the container was created.
func (e Engine) NewStore(config storage.StoreConfig) (storage.Store, bool, error) {
	if config.Path == "" {
		return nil, false, fmt.Errorf("container must be specified for Swift configuration")
	}
	conn, err := connection()
	if err != nil {
		return nil, false, err
	}
	created, err := ensureContainer(conn, config.Path)
	if err != nil {
		return nil, false, err
	}
	ns := strings.Trim(config.Namespace, "/")
	if ns != "" {
		ns += "/"
	}
	return &Store{conn: conn, container: config.Path, prefix: ns}, created, nil
}

var (
	connMu sync.Mutex
	conns  = map[string]*swift.Connection{}
)

// connection returns an authenticated connection for the credentials in the
// environment.  Connections are shared by every store using the same credentials.
func connection() (*swift.Connection, error) {
	conn := &swift.Connection{
		AuthUrl:      os.Getenv("ST_AUTH"),
		UserName:     os.Getenv("ST_USER"),
		ApiKey:       os.Getenv("ST_KEY"),
		Tenant:       os.Getenv("OS_PROJECT_NAME"),
		TenantDomain: os.Getenv("OS_PROJECT_DOMAIN_NAME"),
	}
	for param, value := range map[string]string{"ST_AUTH": conn.AuthUrl, "ST_USER": conn.UserName, "ST_KEY": conn.ApiKey} {
		if value == "" {
			return nil, fmt.Errorf("environment variable %s must be set for Swift stores", param)
		}
	}
	if s := os.Getenv("ST_AUTH_VERSION"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("bad ST_AUTH_VERSION %q", s)
		}
		conn.AuthVersion = v
	} else if conn.Tenant != "" {
		conn.AuthVersion = 3
	}

	id := strings.Join([]string{conn.AuthUrl, conn.UserName, conn.ApiKey, conn.Tenant, conn.TenantDomain}, "\x00")
	connMu.Lock()
	defer connMu.Unlock()
	if c, found := conns[id]; found {
		return c, nil
	}
	if err := conn.Authenticate(); err != nil {
		return nil, fmt.Errorf("unable to authenticate with Swift: %w", err)
	}
	cellflow.Infof("Successfully authenticated to Openstack Swift with user %q via %s\n", conn.UserName, conn.AuthUrl)
	conns[id] = conn
	return conn, nil
}

func ensureContainer(conn *swift.Connection, container string) (bool, error) {
	_, _, err := conn.Container(container)
	if err == nil {
		return false, nil
	}
	if err != swift.ContainerNotFound {
		return false, fmt.Errorf("unable to check if Swift container %q exists: %w", container, err)
	}
	if err := conn.ContainerCreate(container, nil); err != nil {
		return false, fmt.Errorf("cannot create Swift container %q: %w", container, err)
	}
	cellflow.Infof("Created new container %q\n", container)
	return true, nil
}

// Store is a prefix within a Swift container.
type Store struct {
	conn      *swift.Connection
	container string
	prefix    string
}

func (s *Store) String() string {
	return fmt.Sprintf("swift://%s/%s", s.container, strings.TrimSuffix(s.prefix, "/"))
}

// retry runs op with increasing delays until it succeeds, returns a final error or
// the delays exceed maximumDelay.
func retry(ctx context.Context, what string, op func() (done bool, err error)) error {
	delay := initialDelay
	for {
		rateLimit <- struct{}{}
		done, err := op()
		<-rateLimit
		if done {
			return err
		}
		if delay > maximumDelay {
			return fmt.Errorf("maximum %s retries exceeded: %w", what, err)
		}
		cellflow.Debugf("Swift %s failed, retrying in %s: %v\n", what, delay, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := retry(ctx, "object download", func() (bool, error) {
		var err error
		value, err = s.conn.ObjectGetBytes(s.container, s.prefix+key)
		switch err {
		case nil:
			return true, nil
		case swift.ObjectNotFound:
			return true, storage.ErrNotFound
		}
		return false, err
	})
	if err != nil {
		return nil, err
	}
	storage.RecordRead(len(value))
	return value, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	err := retry(ctx, "object upload", func() (bool, error) {
		err := s.conn.ObjectPutBytes(s.container, s.prefix+key, value, "application/octet-stream")
		return err == nil, err
	})
	if err != nil {
		return err
	}
	storage.RecordWrite(len(value))
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return retry(ctx, "object deletion", func() (bool, error) {
		err := s.conn.ObjectDelete(s.container, s.prefix+key)
		if err == nil || err == swift.ObjectNotFound {
			return true, nil
		}
		return false, err
	})
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	err := retry(ctx, "object list", func() (bool, error) {
		var err error
		names, err = s.conn.ObjectNamesAll(s.container, &swift.ObjectsOpts{Prefix: s.prefix + prefix})
		return err == nil, err
	})
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(names))
	for i, name := range names {
		keys[i] = strings.TrimPrefix(name, s.prefix)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op; connections are shared.
func (s *Store) Close() error {
	return nil
}
