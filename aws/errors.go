package aws

import (
	"errors"

	"github.com/aws/smithy-go"
)

// notFoundCodes are the error codes the provisioners treat as "the resource
// does not exist". The names differ between services for the same condition.
var notFoundCodes = map[string]struct{}{
	"ResourceNotFoundException": {}, // lambda
	"NoSuchEntity":              {}, // iam
	"NotFound":                  {}, // sns, s3 head
	"NotFoundException":         {}, // sns
	"NoSuchBucket":              {}, // s3
	"NoSuchKey":                 {}, // s3
	"NotFoundError":             {},
}

// conflictCodes are the error codes returned when a resource already exists
// or is concurrently modified.
var conflictCodes = map[string]struct{}{
	"ResourceConflictException": {}, // lambda
	"EntityAlreadyExists":       {}, // iam
	"BucketAlreadyOwnedByYou":   {}, // s3
	"AlreadyExistsException":    {}, // kms
}

// IsNotFound reports whether err is an AWS "resource does not exist" error.
func IsNotFound(err error) bool {
	return hasCode(err, notFoundCodes)
}

// IsConflict reports whether err is an AWS "resource already exists" error.
// Provisioning treats these as success on create since re-applying a stack
// is expected to hit resources that earlier runs already built.
func IsConflict(err error) bool {
	return hasCode(err, conflictCodes)
}

func hasCode(err error, codes map[string]struct{}) bool {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return false
	}
	_, ok := codes[ae.ErrorCode()]
	return ok
}
