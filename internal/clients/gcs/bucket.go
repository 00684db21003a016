package gcs

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/vitalscan/neurostudy-backend/internal/logger"
)

// SourceStore is the read side of the scan source bucket. Studies reference
// a directory in the bucket; staging pulls the NIfTI files out of it.
type SourceStore interface {
	// ListDirectories returns the top level "folders" of the bucket,
	// without trailing slashes.
	ListDirectories(ctx context.Context) ([]string, error)
	// ListFiles returns the object keys directly under dir.
	ListFiles(ctx context.Context, dir string) ([]string, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
}

type bucketStore struct {
	log           *logger.Logger
	storageClient *storage.Client
	bucketName    string
}

func NewBucketStore(log *logger.Logger) (SourceStore, error) {
	serviceLog := log.With("service", "BucketStore")

	bucketName := os.Getenv("STUDIES_GCS_BUCKET_NAME")
	if bucketName == "" {
		return nil, fmt.Errorf("missing env var STUDIES_GCS_BUCKET_NAME")
	}

	ctx := context.Background()
	opts := ClientOptionsFromEnv()
	opts = append(opts, option.WithScopes(storage.ScopeReadOnly))
	stClient, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	return &bucketStore{
		log:           serviceLog,
		storageClient: stClient,
		bucketName:    bucketName,
	}, nil
}

func (bs *bucketStore) ListDirectories(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	it := bs.storageClient.Bucket(bs.bucketName).Objects(ctx, &storage.Query{Delimiter: "/"})
	out := []string{}
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		// Prefix entries are the synthetic directories; plain objects at
		// the bucket root are skipped.
		if attrs.Prefix != "" {
			out = append(out, strings.TrimSuffix(attrs.Prefix, "/"))
		}
	}
	return out, nil
}

func (bs *bucketStore) ListFiles(ctx context.Context, dir string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	prefix := strings.TrimSuffix(dir, "/") + "/"
	it := bs.storageClient.Bucket(bs.bucketName).Objects(ctx, &storage.Query{
		Prefix:    prefix,
		Delimiter: "/",
	})
	out := []string{}
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		if attrs.Name == "" || attrs.Name == prefix {
			continue
		}
		out = append(out, attrs.Name)
	}
	return out, nil
}

func (bs *bucketStore) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err := bs.storageClient.Bucket(bs.bucketName).Object(key).Attrs(ctx)
	if err == storage.ErrObjectNotExist {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Do NOT defer cancel before returning the reader; the context must stay
// alive until the caller closes it. Cancel rides along on Close.
type readCloserWithCancel struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (r *readCloserWithCancel) Close() error {
	err := r.ReadCloser.Close()
	if r.cancel != nil {
		r.cancel()
	}
	return err
}

func (bs *bucketStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	ctx2, cancel := context.WithTimeout(ctx, 5*time.Minute)

	r, err := bs.storageClient.Bucket(bs.bucketName).Object(key).NewReader(ctx2)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open GCS reader for %q: %w", key, err)
	}

	return &readCloserWithCancel{ReadCloser: r, cancel: cancel}, nil
}
