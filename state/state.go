// Package state records what has been provisioned so far, keyed by logical
// resource name. The S3 backend plays the role of remote state shared
// between operators; the file backend covers local-only setups.
package state

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	json "github.com/goccy/go-json"

	awsx "github.com/alertpipe/alertpipe/aws"
)

// Record is the recorded outcome of provisioning one resource. Meta carries
// the provider-side identifiers a later delete needs when the declaration is
// no longer in the stack.
type Record struct {
	Kind      string            `json:"kind"`
	ARN       string            `json:"arn"`
	Hash      string            `json:"hash"`
	Version   string            `json:"version,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// State maps logical resource names to their records. Serial increments on
// every save so stale copies are recognizable in debugging sessions.
type State struct {
	Serial    int64             `json:"serial"`
	Resources map[string]Record `json:"resources"`
}

// New returns an empty state ready for writes.
func New() State {
	return State{Resources: make(map[string]Record)}
}

// Get returns the record for a logical name.
func (s State) Get(name string) (Record, bool) {
	r, ok := s.Resources[name]
	return r, ok
}

// Put stores a record, initializing the map on first use so that the zero
// State loaded from an empty backend is usable directly.
func (s *State) Put(name string, r Record) {
	if s.Resources == nil {
		s.Resources = make(map[string]Record)
	}
	s.Resources[name] = r
}

// Remove deletes a record.
func (s *State) Remove(name string) {
	delete(s.Resources, name)
}

// Store is the persistence contract for state backends.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, s State) error
}

// S3Store keeps the state as a single JSON object in S3.
type S3Store struct {
	client awsx.S3Client
	bucket string
	key    string
}

// NewS3Store creates a store writing to the given bucket and key.
func NewS3Store(client awsx.S3Client, bucket, key string) *S3Store {
	return &S3Store{client: client, bucket: bucket, key: key}
}

// Load fetches the state object. A missing object or a bucket that has not
// been bootstrapped yet both read as empty state, which is what a first
// apply needs.
func (s *S3Store) Load(ctx context.Context) (State, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &s.key,
	})
	if err != nil {
		if awsx.IsNotFound(err) {
			return State{}, nil
		}
		return State{}, fmt.Errorf("failed to get state: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var state State
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return State{}, fmt.Errorf("failed to decode state: %w", err)
	}
	return state, nil
}

// Save writes the state object, bumping the serial.
func (s *S3Store) Save(ctx context.Context, state State) error {
	state.Serial++
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &s.key,
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// FileStore keeps the state in a local JSON file.
type FileStore struct {
	path string
}

// NewFileStore creates a store writing to path, creating parent directories
// as needed.
func NewFileStore(path string) (*FileStore, error) {
	clean := filepath.Clean(path)
	dir := filepath.Dir(clean)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &FileStore{path: clean}, nil
}

// Load reads the state file; a missing file reads as empty state.
func (f *FileStore) Load(ctx context.Context) (State, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, nil
		}
		return State{}, fmt.Errorf("failed to read state file: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("failed to decode state: %w", err)
	}
	return state, nil
}

// Save writes the state file, bumping the serial.
func (f *FileStore) Save(ctx context.Context, state State) error {
	state.Serial++
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	if err := os.WriteFile(f.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}
