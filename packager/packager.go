// Package packager builds Lambda deployment packages from a source tree and
// uploads them to the source bucket under a content-addressed key.
package packager

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	awsx "github.com/alertpipe/alertpipe/aws"
)

// Package describes a built and uploaded deployment package.
type Package struct {
	Key        string // S3 object key
	Hash       string // base64 SHA-256 of the zip, the form Lambda reports as CodeSha256
	SizeBytes  int64
	UploadedAt time.Time
}

// zipEpoch is the fixed modification time stamped on every archive entry.
// Lambda compares packages by content hash, so identical sources must zip
// to identical bytes regardless of checkout times.
var zipEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// Build zips the source tree rooted at dir. Entries are written in sorted
// path order with fixed timestamps so the archive is reproducible.
func Build(dir string) ([]byte, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("source directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source path %s is not a directory", dir)
	}

	var paths []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking source tree: %w", err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("source directory %s is empty", dir)
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, path := range paths {
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return nil, err
		}
		hdr := &zip.FileHeader{
			Name:     filepath.ToSlash(rel),
			Method:   zip.Deflate,
			Modified: zipEpoch,
		}
		hdr.SetMode(0644)

		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return nil, fmt.Errorf("adding %s: %w", rel, err)
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", rel, err)
		}
		if _, err := io.Copy(w, f); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("writing %s: %w", rel, err)
		}
		_ = f.Close()
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalizing archive: %w", err)
	}

	return buf.Bytes(), nil
}

// Hash returns the base64 SHA-256 of a package, matching what Lambda
// reports as CodeSha256 for the uploaded code.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Key returns the content-addressed object key for a processor package.
func Key(processor string, data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%s/%s.zip", processor, hex.EncodeToString(sum[:8]))
}

// Uploader puts packages into the Lambda source bucket.
type Uploader struct {
	client awsx.S3Client
	bucket string
}

// NewUploader creates an uploader for the given bucket.
func NewUploader(client awsx.S3Client, bucket string) *Uploader {
	return &Uploader{client: client, bucket: bucket}
}

// Upload stores the zip under its content-addressed key and returns the
// package description. Identical bytes land on the same key, so a package
// that is already in the bucket is not uploaded again.
func (u *Uploader) Upload(ctx context.Context, processor string, data []byte) (Package, error) {
	if !validProcessor(processor) {
		return Package{}, fmt.Errorf("invalid processor name %q", processor)
	}

	key := Key(processor, data)
	_, err := u.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &u.bucket,
		Key:    &key,
	})
	if err == nil {
		return Package{
			Key:        key,
			Hash:       Hash(data),
			SizeBytes:  int64(len(data)),
			UploadedAt: time.Now().UTC(),
		}, nil
	}
	if !awsx.IsNotFound(err) {
		return Package{}, fmt.Errorf("probing package s3://%s/%s: %w", u.bucket, key, err)
	}

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &u.bucket,
		Key:    &key,
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return Package{}, fmt.Errorf("uploading package to s3://%s/%s: %w", u.bucket, key, err)
	}

	return Package{
		Key:        key,
		Hash:       Hash(data),
		SizeBytes:  int64(len(data)),
		UploadedAt: time.Now().UTC(),
	}, nil
}

// CreateAndUpload builds the package from dir and uploads it in one step.
func (u *Uploader) CreateAndUpload(ctx context.Context, processor, dir string) (Package, error) {
	data, err := Build(dir)
	if err != nil {
		return Package{}, err
	}
	return u.Upload(ctx, processor, data)
}

func validProcessor(name string) bool {
	if name == "" {
		return false
	}
	return !strings.ContainsAny(name, "/ ")
}
