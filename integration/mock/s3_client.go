package mock

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Client is a mock implementation of the aws.S3Client interface backed by
// in-memory maps.
type S3Client struct {
	mu      sync.Mutex
	buckets map[string]struct{}
	objects map[string][]byte // bucket/key
	puts    map[string]int    // bucket/key -> PutObject calls
	creates map[string]int    // bucket -> CreateBucket calls
}

// NewS3Client creates an empty mock S3 client.
func NewS3Client() *S3Client {
	return &S3Client{
		buckets: make(map[string]struct{}),
		objects: make(map[string][]byte),
		puts:    make(map[string]int),
		creates: make(map[string]int),
	}
}

// PutCount returns how many times an object has been written.
func (m *S3Client) PutCount(bucket, key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts[bucket+"/"+key]
}

// CreateCount returns how many times CreateBucket was called for a bucket.
func (m *S3Client) CreateCount(bucket string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates[bucket]
}

// Object returns the stored bytes for bucket and key.
func (m *S3Client) Object(bucket, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"/"+key]
	return data, ok
}

// HasBucket reports whether a bucket exists.
func (m *S3Client) HasBucket(bucket string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.buckets[bucket]
	return ok
}

func (m *S3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.objects[aws.ToString(params.Bucket)+"/"+aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("key not found")}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (m *S3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	path := aws.ToString(params.Bucket) + "/" + aws.ToString(params.Key)
	m.objects[path] = data
	m.puts[path]++
	return &s3.PutObjectOutput{}, nil
}

func (m *S3Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.objects[aws.ToString(params.Bucket)+"/"+aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NotFound{Message: aws.String("key not found")}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (m *S3Client) CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket := aws.ToString(params.Bucket)
	m.creates[bucket]++
	if _, exists := m.buckets[bucket]; exists {
		return nil, &types.BucketAlreadyOwnedByYou{Message: aws.String("bucket already exists")}
	}
	m.buckets[bucket] = struct{}{}
	return &s3.CreateBucketOutput{}, nil
}

func (m *S3Client) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.buckets[aws.ToString(params.Bucket)]; !ok {
		return nil, &types.NotFound{Message: aws.String("bucket not found")}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (m *S3Client) DeleteBucket(ctx context.Context, params *s3.DeleteBucketInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket := aws.ToString(params.Bucket)
	if _, ok := m.buckets[bucket]; !ok {
		return nil, &types.NoSuchBucket{Message: aws.String("bucket not found")}
	}
	delete(m.buckets, bucket)
	return &s3.DeleteBucketOutput{}, nil
}
