// Package stack models the declared AWS resources as typed Go values with
// logical names and references, and derives the order they must be
// provisioned in from those references.
package stack

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	json "github.com/goccy/go-json"
)

// Kind identifies the resource type a declaration maps to.
type Kind string

const (
	KindRole         Kind = "aws_iam_role"
	KindFunction     Kind = "aws_lambda_function"
	KindAlias        Kind = "aws_lambda_alias"
	KindPermission   Kind = "aws_lambda_permission"
	KindTopic        Kind = "aws_sns_topic"
	KindSubscription Kind = "aws_sns_topic_subscription"
	KindBucket       Kind = "aws_s3_bucket"
	KindKey          Kind = "aws_kms_key"
	KindKeyAlias     Kind = "aws_kms_alias"
)

// Resource is a single declared resource. Implementations are plain structs;
// References returns the logical names of other declarations this one needs
// provisioned first.
type Resource interface {
	LogicalName() string
	Kind() Kind
	References() []string
}

// Address renders the terraform-style address of a resource, used in all
// operator-facing output.
func Address(r Resource) string {
	return fmt.Sprintf("%s.%s", r.Kind(), r.LogicalName())
}

// Hash returns a stable fingerprint of a resource's declared attributes.
// The engine compares it against the recorded state to decide between
// create, update, and no-op.
func Hash(r Resource) (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("hashing %s: %w", Address(r), err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Role declares a Lambda execution role.
type Role struct {
	Name      string `json:"name"`
	RoleName  string `json:"role_name"`
	Service   string `json:"service"`
	PolicyARN string `json:"policy_arn"`
}

func (r Role) LogicalName() string  { return r.Name }
func (r Role) Kind() Kind           { return KindRole }
func (r Role) References() []string { return nil }

// Function declares a Lambda function whose code lives in an S3 package.
type Function struct {
	Name         string `json:"name"`
	FunctionName string `json:"function_name"`
	Description  string `json:"description,omitempty"`
	Handler      string `json:"handler"`
	Runtime      string `json:"runtime"`
	MemorySize   int32  `json:"memory_size"`
	Timeout      int32  `json:"timeout"`
	SourceBucket string `json:"source_bucket"`
	SourceKey    string `json:"source_key"`
	SourceHash   string `json:"source_hash"`
	Role         string `json:"role"` // logical name of the execution role
}

func (f Function) LogicalName() string  { return f.Name }
func (f Function) Kind() Kind           { return KindFunction }
func (f Function) References() []string { return []string{f.Role} }

// Alias declares a stable named pointer at a published function version.
type Alias struct {
	Name      string `json:"name"`
	AliasName string `json:"alias_name"`
	Function  string `json:"function"` // logical name of the function
	Version   string `json:"version"`
}

func (a Alias) LogicalName() string  { return a.Name }
func (a Alias) Kind() Kind           { return KindAlias }
func (a Alias) References() []string { return []string{a.Function} }

// Permission declares an invoke grant on a function qualifier for an
// external principal. The grant attaches to the referenced alias, which must
// exist before AddPermission accepts its name as a qualifier. SourceTopic
// references the topic whose ARN scopes the grant.
type Permission struct {
	Name        string `json:"name"`
	StatementID string `json:"statement_id"`
	Action      string `json:"action"`
	Principal   string `json:"principal"`
	Function    string `json:"function"` // logical name of the function
	Alias       string `json:"alias"`    // logical name of the alias the grant attaches to
	SourceTopic string `json:"source_topic"`
}

func (p Permission) LogicalName() string { return p.Name }
func (p Permission) Kind() Kind          { return KindPermission }
func (p Permission) References() []string {
	return []string{p.Function, p.Alias, p.SourceTopic}
}

// Topic declares an SNS topic.
type Topic struct {
	Name      string `json:"name"`
	TopicName string `json:"topic_name"`
}

func (t Topic) LogicalName() string  { return t.Name }
func (t Topic) Kind() Kind           { return KindTopic }
func (t Topic) References() []string { return nil }

// Subscription declares a Lambda subscription on a topic. Endpoint
// references the alias the topic delivers to.
type Subscription struct {
	Name     string `json:"name"`
	Topic    string `json:"topic"`    // logical name of the topic
	Endpoint string `json:"endpoint"` // logical name of the alias
	Protocol string `json:"protocol"`
}

func (s Subscription) LogicalName() string { return s.Name }
func (s Subscription) Kind() Kind          { return KindSubscription }
func (s Subscription) References() []string {
	return []string{s.Topic, s.Endpoint}
}

// Bucket declares an S3 bucket.
type Bucket struct {
	Name         string `json:"name"`
	BucketName   string `json:"bucket_name"`
	ACL          string `json:"acl"`
	ForceDestroy bool   `json:"force_destroy"`
}

func (b Bucket) LogicalName() string  { return b.Name }
func (b Bucket) Kind() Kind           { return KindBucket }
func (b Bucket) References() []string { return nil }

// Key declares a KMS customer key.
type Key struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (k Key) LogicalName() string  { return k.Name }
func (k Key) Kind() Kind           { return KindKey }
func (k Key) References() []string { return nil }

// KeyAlias declares a KMS alias pointed at a key.
type KeyAlias struct {
	Name      string `json:"name"`
	AliasName string `json:"alias_name"`
	Key       string `json:"key"` // logical name of the key
}

func (k KeyAlias) LogicalName() string  { return k.Name }
func (k KeyAlias) Kind() Kind           { return KindKeyAlias }
func (k KeyAlias) References() []string { return []string{k.Key} }
