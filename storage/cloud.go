package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/blang/semver"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/blob/gcsblob"
	"gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"
	"gocloud.dev/gcp"

	"github.com/janelia-flyem/cellflow/cellflow"
)

func init() {
	ver, err := semver.Make("0.1.0")
	if err != nil {
		cellflow.Errorf("Unable to make semver in blob engine: %v\n", err)
	}
	RegisterEngine(blobEngine{"blob", "Go CDK blob storage (S3, GCS, file, memory)", ver})
}

type blobEngine struct {
	name   string
	desc   string
	semver semver.Version
}

func (e blobEngine) GetName() string {
	return e.name
}

func (e blobEngine) GetDescription() string {
	return e.desc
}

func (e blobEngine) GetSemVer() semver.Version {
	return e.semver
}

func (e blobEngine) String() string {
	return fmt.Sprintf("%s [%s]", e.name, e.semver)
}

// NewStore opens the bucket named by config.Path.  Buckets never report being created.
func (e blobEngine) NewStore(config StoreConfig) (Store, bool, error) {
	ctx := context.Background()
	bucket, shared, err := OpenBucket(ctx, config.Path)
	if err != nil {
		return nil, false, err
	}
	return &blobStore{ref: config.Path, bucket: bucket, shared: shared}, false, nil
}

// memory buckets live for the life of the process so separate opens share data.
var (
	memBucketsMu sync.Mutex
	memBuckets   = map[string]*blob.Bucket{}
)

func memBucket(name string) *blob.Bucket {
	memBucketsMu.Lock()
	defer memBucketsMu.Unlock()
	b, found := memBuckets[name]
	if !found {
		b = memblob.OpenBucket(nil)
		memBuckets[name] = b
	}
	return b
}

func withPrefix(bucket *blob.Bucket, prefix string) *blob.Bucket {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return bucket
	}
	return blob.PrefixedBucket(bucket, prefix+"/")
}

// OpenBucket returns a blob.Bucket for the given reference and whether the underlying
// bucket is shared and must not be closed.  The reference should be of the form:
//
//	file:///<directory>
//	mem://<name>/<prefix>
//	gs://<bucketname>/<prefix>
//	s3://<bucketname>/<prefix>
//	vast://<endpoint>/<bucketname>/<prefix>
func OpenBucket(ctx context.Context, ref string) (bucket *blob.Bucket, shared bool, err error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, false, err
	}
	switch u.Scheme {
	case "mem":
		return withPrefix(memBucket(u.Host), u.Path), true, nil

	case "file":
		if err = os.MkdirAll(u.Path, 0755); err != nil {
			return nil, false, fmt.Errorf("can't make directory %s: %w", u.Path, err)
		}
		bucket, err = fileblob.OpenBucket(u.Path, nil)
		return bucket, false, err

	case "s3":
		// This relies on the non-GCS-specific blob API and requires that the user:
		// A: Have set up AWS credentials in ways gocloud can find them (see the "aws config" command)
		// B: Have set the AWS_REGION environment variable (usually to us-east-2)
		bucketURL := url.URL{Scheme: "s3", Host: u.Host, RawQuery: u.RawQuery}
		bucket, err = blob.OpenBucket(ctx, bucketURL.String())
		if err != nil {
			cellflow.Errorf("Can't open bucket reference @ %q: %v\n", ref, err)
			return nil, false, err
		}
		return withPrefix(bucket, u.Path), false, nil

	case "vast":
		// The ref should be of form "vast://<endpoint>/<bucket>/<prefix>".
		// AWS_REGION must be set though it is ignored, and AWS_SHARED_CREDENTIALS_FILE
		// should point to a file with the access keys.
		parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
		if parts[0] == "" {
			return nil, false, fmt.Errorf("vast ref must be of form 'vast://<endpoint>/<bucket>'")
		}
		s3url := fmt.Sprintf("s3://%s?endpoint=%s&s3ForcePathStyle=true", parts[0], u.Host)
		bucket, err = blob.OpenBucket(ctx, s3url)
		if err != nil {
			cellflow.Errorf("Can't open bucket reference @ %q: %v\n", ref, err)
			return nil, false, err
		}
		if len(parts) == 2 {
			bucket = withPrefix(bucket, parts[1])
		}
		return bucket, false, nil

	case "gs", "gcs":
		// See https://cloud.google.com/docs/authentication/production
		// for alternatives to the default credentials.
		creds, err := gcp.DefaultCredentials(ctx)
		if err != nil {
			return nil, false, err
		}
		client, err := gcp.NewHTTPClient(gcp.DefaultTransport(), gcp.CredentialsTokenSource(creds))
		if err != nil {
			return nil, false, err
		}
		bucket, err = gcsblob.OpenBucket(ctx, client, u.Host, nil)
		if err != nil {
			cellflow.Errorf("Can't open bucket reference @ %q: %v\n", ref, err)
			return nil, false, err
		}
		return withPrefix(bucket, u.Path), false, nil
	}
	return nil, false, fmt.Errorf("unsupported bucket reference %q", ref)
}

type blobStore struct {
	ref    string
	bucket *blob.Bucket
	shared bool
}

func (s *blobStore) String() string {
	return fmt.Sprintf("blob store @ %s", s.ref)
}

func (s *blobStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	RecordRead(len(data))
	return data, nil
}

func (s *blobStore) Put(ctx context.Context, key string, value []byte) error {
	if err := s.bucket.WriteAll(ctx, key, value, nil); err != nil {
		return err
	}
	RecordWrite(len(value))
	return nil
}

func (s *blobStore) Delete(ctx context.Context, key string) error {
	err := s.bucket.Delete(ctx, key)
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return err
	}
	return nil
}

func (s *blobStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if obj.IsDir {
			continue
		}
		keys = append(keys, obj.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *blobStore) Close() error {
	if s.shared {
		return nil
	}
	return s.bucket.Close()
}
