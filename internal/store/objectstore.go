package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	cliproxyauth "github.com/kiroproxy/kiro-proxy/sdk/cliproxy/auth"
)

const objectStoreSnapshotKey = "accounts.json"

// ObjectStoreConfig captures configuration for the S3-compatible object storage backend.
type ObjectStoreConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	Prefix    string
	UseSSL    bool
	PathStyle bool
}

// ObjectTokenStore persists the account snapshot as a single object in an
// S3-compatible bucket, matching the teacher's object-storage-backed token
// store but against the batch-snapshot Store contract this domain uses.
type ObjectTokenStore struct {
	client *minio.Client
	cfg    ObjectStoreConfig
	mu     sync.Mutex
}

// NewObjectTokenStore initializes an object storage backed account store.
func NewObjectTokenStore(cfg ObjectStoreConfig) (*ObjectTokenStore, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	cfg.AccessKey = strings.TrimSpace(cfg.AccessKey)
	cfg.SecretKey = strings.TrimSpace(cfg.SecretKey)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("object store: endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object store: bucket is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("object store: access key and secret key are required")
	}

	options := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	}
	if cfg.PathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}

	client, err := minio.New(cfg.Endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("object store: create client: %w", err)
	}

	return &ObjectTokenStore{client: client, cfg: cfg}, nil
}

// EnsureBucket creates the target bucket if it does not already exist.
func (s *ObjectTokenStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("object store: check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err = s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
		return fmt.Errorf("object store: create bucket: %w", err)
	}
	return nil
}

// List fetches and parses the account snapshot object from the bucket.
func (s *ObjectTokenStore) List(ctx context.Context) ([]*cliproxyauth.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	object, err := s.client.GetObject(ctx, s.cfg.Bucket, s.prefixedKey(objectStoreSnapshotKey), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("object store: get object: %w", err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if isObjectNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("object store: read object: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var snap accountSnapshot
	if err = json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("object store: parse snapshot: %w", err)
	}
	return snap.Accounts, nil
}

// Save uploads the full account snapshot, overwriting any prior object.
func (s *ObjectTokenStore) Save(ctx context.Context, accounts []*cliproxyauth.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(accountSnapshot{Accounts: accounts, Version: accountSnapshotVersion}, "", "  ")
	if err != nil {
		return fmt.Errorf("object store: marshal snapshot: %w", err)
	}
	key := s.prefixedKey(objectStoreSnapshotKey)
	_, err = s.client.PutObject(ctx, s.cfg.Bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("object store: put object %s: %w", key, err)
	}
	return nil
}

// Delete removes a single account by ID and re-uploads the snapshot.
func (s *ObjectTokenStore) Delete(ctx context.Context, id string) error {
	accounts, err := s.List(ctx)
	if err != nil {
		return err
	}
	filtered := accounts[:0]
	for _, a := range accounts {
		if a.ID != id {
			filtered = append(filtered, a)
		}
	}
	return s.Save(ctx, filtered)
}

func (s *ObjectTokenStore) prefixedKey(key string) string {
	if s.cfg.Prefix == "" {
		return key
	}
	return strings.TrimLeft(s.cfg.Prefix+"/"+key, "/")
}

func isObjectNotFound(err error) bool {
	if err == nil {
		return false
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == http.StatusNotFound {
		return true
	}
	switch resp.Code {
	case "NoSuchKey", "NotFound", "NoSuchBucket":
		return true
	}
	return false
}
