package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	awsx "github.com/alertpipe/alertpipe/aws"
	"github.com/alertpipe/alertpipe/stack"
	"github.com/alertpipe/alertpipe/state"
)

// Env is what provisioners get to work with: the AWS clients, a lookup into
// the records provisioned so far used to resolve references to ARNs, and the
// IAM propagation wait.
type Env struct {
	Clients         *awsx.Clients
	PropagationWait time.Duration
	lookup          func(name string) (state.Record, bool)
}

// Resolve returns the record of a previously provisioned reference. Wave
// ordering guarantees references are provisioned before their dependents,
// so a miss means the state is damaged.
func (e *Env) Resolve(name string) (state.Record, error) {
	rec, ok := e.lookup(name)
	if !ok {
		return state.Record{}, fmt.Errorf("reference %q has no state record", name)
	}
	return rec, nil
}

// Provisioner is the create-or-update/delete contract for one resource kind.
// Ensure must be idempotent: re-applying an unchanged stack converges
// without errors.
type Provisioner interface {
	Ensure(ctx context.Context, r stack.Resource, prior *state.Record, env *Env) (state.Record, error)
	Delete(ctx context.Context, name string, rec state.Record, env *Env) error
}

func defaultProvisioners(clients *awsx.Clients) map[stack.Kind]Provisioner {
	return map[stack.Kind]Provisioner{
		stack.KindRole:         roleProvisioner{},
		stack.KindFunction:     functionProvisioner{},
		stack.KindAlias:        aliasProvisioner{},
		stack.KindPermission:   permissionProvisioner{},
		stack.KindTopic:        topicProvisioner{},
		stack.KindSubscription: subscriptionProvisioner{},
		stack.KindBucket:       bucketProvisioner{},
		stack.KindKey:          keyProvisioner{},
		stack.KindKeyAlias:     keyAliasProvisioner{},
	}
}

// iamPropagationWait is how long to wait after creating a role before a
// function can assume it. IAM is eventually consistent and CreateFunction
// rejects roles it cannot see yet.
const iamPropagationWait = 10 * time.Second

const lambdaAssumeRolePolicy = `{
  "Version": "2012-10-17",
  "Statement": [
    {
      "Effect": "Allow",
      "Principal": {"Service": "lambda.amazonaws.com"},
      "Action": "sts:AssumeRole"
    }
  ]
}`

type roleProvisioner struct{}

func (roleProvisioner) Ensure(ctx context.Context, r stack.Resource, prior *state.Record, env *Env) (state.Record, error) {
	role := r.(stack.Role)

	got, err := env.Clients.IAM.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(role.RoleName)})
	if err == nil {
		return roleRecord(role, aws.ToString(got.Role.Arn)), nil
	}
	if !awsx.IsNotFound(err) {
		return state.Record{}, fmt.Errorf("GetRole: %w", err)
	}

	created, err := env.Clients.IAM.CreateRole(ctx, &iam.CreateRoleInput{
		RoleName:                 aws.String(role.RoleName),
		AssumeRolePolicyDocument: aws.String(lambdaAssumeRolePolicy),
	})
	if err != nil {
		if !awsx.IsConflict(err) {
			return state.Record{}, fmt.Errorf("CreateRole: %w", err)
		}
		got, gerr := env.Clients.IAM.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(role.RoleName)})
		if gerr != nil {
			return state.Record{}, fmt.Errorf("GetRole after conflict: %w", gerr)
		}
		return roleRecord(role, aws.ToString(got.Role.Arn)), nil
	}

	if _, err := env.Clients.IAM.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
		RoleName:  aws.String(role.RoleName),
		PolicyArn: aws.String(role.PolicyARN),
	}); err != nil {
		return state.Record{}, fmt.Errorf("AttachRolePolicy: %w", err)
	}

	select {
	case <-time.After(env.PropagationWait):
	case <-ctx.Done():
		return state.Record{}, ctx.Err()
	}

	return roleRecord(role, aws.ToString(created.Role.Arn)), nil
}

func (roleProvisioner) Delete(ctx context.Context, name string, rec state.Record, env *Env) error {
	roleName := rec.Meta["role_name"]
	if policyARN := rec.Meta["policy_arn"]; policyARN != "" {
		if _, err := env.Clients.IAM.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
			RoleName:  aws.String(roleName),
			PolicyArn: aws.String(policyARN),
		}); err != nil && !awsx.IsNotFound(err) {
			return fmt.Errorf("DetachRolePolicy: %w", err)
		}
	}
	if _, err := env.Clients.IAM.DeleteRole(ctx, &iam.DeleteRoleInput{
		RoleName: aws.String(roleName),
	}); err != nil && !awsx.IsNotFound(err) {
		return fmt.Errorf("DeleteRole: %w", err)
	}
	return nil
}

func roleRecord(role stack.Role, arn string) state.Record {
	return state.Record{
		ARN: arn,
		Meta: map[string]string{
			"role_name":  role.RoleName,
			"policy_arn": role.PolicyARN,
		},
	}
}

type functionProvisioner struct{}

func (functionProvisioner) Ensure(ctx context.Context, r stack.Resource, prior *state.Record, env *Env) (state.Record, error) {
	fn := r.(stack.Function)

	roleRec, err := env.Resolve(fn.Role)
	if err != nil {
		return state.Record{}, err
	}

	got, err := env.Clients.Lambda.GetFunction(ctx, &lambda.GetFunctionInput{
		FunctionName: aws.String(fn.FunctionName),
	})
	if err != nil && !awsx.IsNotFound(err) {
		return state.Record{}, fmt.Errorf("GetFunction: %w", err)
	}

	if err == nil {
		if _, uerr := env.Clients.Lambda.UpdateFunctionConfiguration(ctx, &lambda.UpdateFunctionConfigurationInput{
			FunctionName: aws.String(fn.FunctionName),
			Role:         aws.String(roleRec.ARN),
			Handler:      aws.String(fn.Handler),
			Runtime:      lambdatypes.Runtime(fn.Runtime),
			Description:  aws.String(fn.Description),
			MemorySize:   aws.Int32(fn.MemorySize),
			Timeout:      aws.Int32(fn.Timeout),
		}); uerr != nil {
			return state.Record{}, fmt.Errorf("UpdateFunctionConfiguration: %w", uerr)
		}
		if fn.SourceKey != "" {
			if _, uerr := env.Clients.Lambda.UpdateFunctionCode(ctx, &lambda.UpdateFunctionCodeInput{
				FunctionName: aws.String(fn.FunctionName),
				S3Bucket:     aws.String(fn.SourceBucket),
				S3Key:        aws.String(fn.SourceKey),
			}); uerr != nil {
				return state.Record{}, fmt.Errorf("UpdateFunctionCode: %w", uerr)
			}
		}
		if werr := waitFunctionUpdated(ctx, env, fn.FunctionName); werr != nil {
			return state.Record{}, werr
		}
		return functionRecord(fn, aws.ToString(got.Configuration.FunctionArn)), nil
	}

	created, cerr := env.Clients.Lambda.CreateFunction(ctx, &lambda.CreateFunctionInput{
		FunctionName: aws.String(fn.FunctionName),
		Role:         aws.String(roleRec.ARN),
		Handler:      aws.String(fn.Handler),
		Runtime:      lambdatypes.Runtime(fn.Runtime),
		Description:  aws.String(fn.Description),
		MemorySize:   aws.Int32(fn.MemorySize),
		Timeout:      aws.Int32(fn.Timeout),
		Code: &lambdatypes.FunctionCode{
			S3Bucket: aws.String(fn.SourceBucket),
			S3Key:    aws.String(fn.SourceKey),
		},
	})
	if cerr != nil {
		if !awsx.IsConflict(cerr) {
			return state.Record{}, fmt.Errorf("CreateFunction: %w", cerr)
		}
		g2, gerr := env.Clients.Lambda.GetFunction(ctx, &lambda.GetFunctionInput{
			FunctionName: aws.String(fn.FunctionName),
		})
		if gerr != nil {
			return state.Record{}, fmt.Errorf("GetFunction after conflict: %w", gerr)
		}
		return functionRecord(fn, aws.ToString(g2.Configuration.FunctionArn)), nil
	}

	waiter := lambda.NewFunctionActiveV2Waiter(env.Clients.Lambda)
	if werr := waiter.Wait(ctx, &lambda.GetFunctionInput{
		FunctionName: aws.String(fn.FunctionName),
	}, 2*time.Minute); werr != nil {
		return state.Record{}, fmt.Errorf("waiting for function active: %w", werr)
	}

	return functionRecord(fn, aws.ToString(created.FunctionArn)), nil
}

func (functionProvisioner) Delete(ctx context.Context, name string, rec state.Record, env *Env) error {
	if _, err := env.Clients.Lambda.DeleteFunction(ctx, &lambda.DeleteFunctionInput{
		FunctionName: aws.String(rec.Meta["function_name"]),
	}); err != nil && !awsx.IsNotFound(err) {
		return fmt.Errorf("DeleteFunction: %w", err)
	}
	return nil
}

func functionRecord(fn stack.Function, arn string) state.Record {
	return state.Record{
		ARN:  arn,
		Meta: map[string]string{"function_name": fn.FunctionName},
	}
}

func waitFunctionUpdated(ctx context.Context, env *Env, functionName string) error {
	waiter := lambda.NewFunctionUpdatedV2Waiter(env.Clients.Lambda)
	if err := waiter.Wait(ctx, &lambda.GetFunctionInput{
		FunctionName: aws.String(functionName),
	}, 2*time.Minute); err != nil {
		return fmt.Errorf("waiting for function update: %w", err)
	}
	return nil
}

type aliasProvisioner struct{}

func (aliasProvisioner) Ensure(ctx context.Context, r stack.Resource, prior *state.Record, env *Env) (state.Record, error) {
	alias := r.(stack.Alias)

	fnRec, err := env.Resolve(alias.Function)
	if err != nil {
		return state.Record{}, err
	}
	functionName := fnRec.Meta["function_name"]

	got, err := env.Clients.Lambda.GetAlias(ctx, &lambda.GetAliasInput{
		FunctionName: aws.String(functionName),
		Name:         aws.String(alias.AliasName),
	})
	if err != nil && !awsx.IsNotFound(err) {
		return state.Record{}, fmt.Errorf("GetAlias: %w", err)
	}

	if err == nil {
		if aws.ToString(got.FunctionVersion) != alias.Version {
			if _, uerr := env.Clients.Lambda.UpdateAlias(ctx, &lambda.UpdateAliasInput{
				FunctionName:    aws.String(functionName),
				Name:            aws.String(alias.AliasName),
				FunctionVersion: aws.String(alias.Version),
			}); uerr != nil {
				return state.Record{}, fmt.Errorf("UpdateAlias: %w", uerr)
			}
		}
		return aliasRecord(alias, functionName, aws.ToString(got.AliasArn)), nil
	}

	created, cerr := env.Clients.Lambda.CreateAlias(ctx, &lambda.CreateAliasInput{
		FunctionName:    aws.String(functionName),
		Name:            aws.String(alias.AliasName),
		FunctionVersion: aws.String(alias.Version),
	})
	if cerr != nil {
		return state.Record{}, fmt.Errorf("CreateAlias: %w", cerr)
	}

	return aliasRecord(alias, functionName, aws.ToString(created.AliasArn)), nil
}

func (aliasProvisioner) Delete(ctx context.Context, name string, rec state.Record, env *Env) error {
	if _, err := env.Clients.Lambda.DeleteAlias(ctx, &lambda.DeleteAliasInput{
		FunctionName: aws.String(rec.Meta["function_name"]),
		Name:         aws.String(rec.Meta["alias_name"]),
	}); err != nil && !awsx.IsNotFound(err) {
		return fmt.Errorf("DeleteAlias: %w", err)
	}
	return nil
}

func aliasRecord(alias stack.Alias, functionName, arn string) state.Record {
	return state.Record{
		ARN:     arn,
		Version: alias.Version,
		Meta: map[string]string{
			"function_name": functionName,
			"alias_name":    alias.AliasName,
		},
	}
}

type permissionProvisioner struct{}

func (permissionProvisioner) Ensure(ctx context.Context, r stack.Resource, prior *state.Record, env *Env) (state.Record, error) {
	perm := r.(stack.Permission)

	fnRec, err := env.Resolve(perm.Function)
	if err != nil {
		return state.Record{}, err
	}
	aliasRec, err := env.Resolve(perm.Alias)
	if err != nil {
		return state.Record{}, err
	}
	topicRec, err := env.Resolve(perm.SourceTopic)
	if err != nil {
		return state.Record{}, err
	}
	functionName := fnRec.Meta["function_name"]
	// The qualifier comes from the provisioned alias, which the wave order
	// guarantees exists before AddPermission names it.
	qualifier := aliasRec.Meta["alias_name"]

	// Permissions have no update call; a changed grant is remove+add.
	if prior != nil {
		removeQualifier := prior.Meta["qualifier"]
		if removeQualifier == "" {
			removeQualifier = qualifier
		}
		if _, err := env.Clients.Lambda.RemovePermission(ctx, &lambda.RemovePermissionInput{
			FunctionName: aws.String(functionName),
			StatementId:  aws.String(perm.StatementID),
			Qualifier:    aws.String(removeQualifier),
		}); err != nil && !awsx.IsNotFound(err) {
			return state.Record{}, fmt.Errorf("RemovePermission: %w", err)
		}
	}

	_, err = env.Clients.Lambda.AddPermission(ctx, &lambda.AddPermissionInput{
		FunctionName: aws.String(functionName),
		StatementId:  aws.String(perm.StatementID),
		Action:       aws.String(perm.Action),
		Principal:    aws.String(perm.Principal),
		SourceArn:    aws.String(topicRec.ARN),
		Qualifier:    aws.String(qualifier),
	})
	if err != nil && !awsx.IsConflict(err) {
		return state.Record{}, fmt.Errorf("AddPermission: %w", err)
	}

	return state.Record{
		ARN: fmt.Sprintf("%s:%s", fnRec.ARN, qualifier),
		Meta: map[string]string{
			"function_name": functionName,
			"statement_id":  perm.StatementID,
			"qualifier":     qualifier,
		},
	}, nil
}

func (permissionProvisioner) Delete(ctx context.Context, name string, rec state.Record, env *Env) error {
	if _, err := env.Clients.Lambda.RemovePermission(ctx, &lambda.RemovePermissionInput{
		FunctionName: aws.String(rec.Meta["function_name"]),
		StatementId:  aws.String(rec.Meta["statement_id"]),
		Qualifier:    aws.String(rec.Meta["qualifier"]),
	}); err != nil && !awsx.IsNotFound(err) {
		return fmt.Errorf("RemovePermission: %w", err)
	}
	return nil
}

type topicProvisioner struct{}

func (topicProvisioner) Ensure(ctx context.Context, r stack.Resource, prior *state.Record, env *Env) (state.Record, error) {
	topic := r.(stack.Topic)

	if prior != nil && prior.ARN != "" {
		// CreateTopic is idempotent, but a cheap existence probe avoids
		// re-creating a topic someone deleted out of band without noticing.
		if _, err := env.Clients.SNS.GetTopicAttributes(ctx, &sns.GetTopicAttributesInput{
			TopicArn: aws.String(prior.ARN),
		}); err == nil {
			return state.Record{ARN: prior.ARN}, nil
		} else if !awsx.IsNotFound(err) {
			return state.Record{}, fmt.Errorf("GetTopicAttributes: %w", err)
		}
	}

	created, err := env.Clients.SNS.CreateTopic(ctx, &sns.CreateTopicInput{
		Name: aws.String(topic.TopicName),
	})
	if err != nil {
		return state.Record{}, fmt.Errorf("CreateTopic: %w", err)
	}
	return state.Record{ARN: aws.ToString(created.TopicArn)}, nil
}

func (topicProvisioner) Delete(ctx context.Context, name string, rec state.Record, env *Env) error {
	if _, err := env.Clients.SNS.DeleteTopic(ctx, &sns.DeleteTopicInput{
		TopicArn: aws.String(rec.ARN),
	}); err != nil && !awsx.IsNotFound(err) {
		return fmt.Errorf("DeleteTopic: %w", err)
	}
	return nil
}

type subscriptionProvisioner struct{}

func (subscriptionProvisioner) Ensure(ctx context.Context, r stack.Resource, prior *state.Record, env *Env) (state.Record, error) {
	sub := r.(stack.Subscription)

	topicRec, err := env.Resolve(sub.Topic)
	if err != nil {
		return state.Record{}, err
	}
	endpointRec, err := env.Resolve(sub.Endpoint)
	if err != nil {
		return state.Record{}, err
	}

	// Subscribe is idempotent for an unchanged endpoint; a changed endpoint
	// needs the old subscription removed first.
	if prior != nil && prior.ARN != "" && prior.Meta["endpoint"] != endpointRec.ARN {
		if _, err := env.Clients.SNS.Unsubscribe(ctx, &sns.UnsubscribeInput{
			SubscriptionArn: aws.String(prior.ARN),
		}); err != nil && !awsx.IsNotFound(err) {
			return state.Record{}, fmt.Errorf("Unsubscribe: %w", err)
		}
	}

	created, err := env.Clients.SNS.Subscribe(ctx, &sns.SubscribeInput{
		TopicArn:              aws.String(topicRec.ARN),
		Protocol:              aws.String(sub.Protocol),
		Endpoint:              aws.String(endpointRec.ARN),
		ReturnSubscriptionArn: true,
	})
	if err != nil {
		return state.Record{}, fmt.Errorf("Subscribe: %w", err)
	}

	return state.Record{
		ARN:  aws.ToString(created.SubscriptionArn),
		Meta: map[string]string{"endpoint": endpointRec.ARN},
	}, nil
}

func (subscriptionProvisioner) Delete(ctx context.Context, name string, rec state.Record, env *Env) error {
	if _, err := env.Clients.SNS.Unsubscribe(ctx, &sns.UnsubscribeInput{
		SubscriptionArn: aws.String(rec.ARN),
	}); err != nil && !awsx.IsNotFound(err) {
		return fmt.Errorf("Unsubscribe: %w", err)
	}
	return nil
}

type bucketProvisioner struct{}

func (bucketProvisioner) Ensure(ctx context.Context, r stack.Resource, prior *state.Record, env *Env) (state.Record, error) {
	bucket := r.(stack.Bucket)

	// An existence probe keeps re-applies and out-of-band buckets off the
	// CreateBucket conflict path entirely.
	if _, err := env.Clients.S3.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(bucket.BucketName),
	}); err == nil {
		return bucketRecord(bucket), nil
	} else if !awsx.IsNotFound(err) {
		return state.Record{}, fmt.Errorf("HeadBucket: %w", err)
	}

	input := &s3.CreateBucketInput{
		Bucket: aws.String(bucket.BucketName),
		ACL:    s3types.BucketCannedACL(bucket.ACL),
	}
	// us-east-1 rejects an explicit location constraint.
	if env.Clients.Region != "" && env.Clients.Region != "us-east-1" {
		input.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(env.Clients.Region),
		}
	}

	if _, err := env.Clients.S3.CreateBucket(ctx, input); err != nil && !awsx.IsConflict(err) {
		return state.Record{}, fmt.Errorf("CreateBucket: %w", err)
	}

	return bucketRecord(bucket), nil
}

func bucketRecord(bucket stack.Bucket) state.Record {
	return state.Record{
		ARN:  "arn:aws:s3:::" + bucket.BucketName,
		Meta: map[string]string{"bucket_name": bucket.BucketName},
	}
}

func (bucketProvisioner) Delete(ctx context.Context, name string, rec state.Record, env *Env) error {
	if _, err := env.Clients.S3.DeleteBucket(ctx, &s3.DeleteBucketInput{
		Bucket: aws.String(rec.Meta["bucket_name"]),
	}); err != nil && !awsx.IsNotFound(err) {
		return fmt.Errorf("DeleteBucket: %w", err)
	}
	return nil
}

type keyProvisioner struct{}

func (keyProvisioner) Ensure(ctx context.Context, r stack.Resource, prior *state.Record, env *Env) (state.Record, error) {
	key := r.(stack.Key)

	// KMS keys have no name, only an ID, so the prior record is the only
	// handle on an existing key.
	if prior != nil && prior.ARN != "" {
		got, err := env.Clients.KMS.DescribeKey(ctx, &kms.DescribeKeyInput{
			KeyId: aws.String(prior.Meta["key_id"]),
		})
		if err == nil {
			return state.Record{
				ARN:  aws.ToString(got.KeyMetadata.Arn),
				Meta: map[string]string{"key_id": aws.ToString(got.KeyMetadata.KeyId)},
			}, nil
		}
		if !awsx.IsNotFound(err) {
			return state.Record{}, fmt.Errorf("DescribeKey: %w", err)
		}
	}

	created, err := env.Clients.KMS.CreateKey(ctx, &kms.CreateKeyInput{
		Description: aws.String(key.Description),
	})
	if err != nil {
		return state.Record{}, fmt.Errorf("CreateKey: %w", err)
	}

	return state.Record{
		ARN:  aws.ToString(created.KeyMetadata.Arn),
		Meta: map[string]string{"key_id": aws.ToString(created.KeyMetadata.KeyId)},
	}, nil
}

func (keyProvisioner) Delete(ctx context.Context, name string, rec state.Record, env *Env) error {
	// KMS keys cannot be deleted synchronously; the shortest allowed
	// pending window is used instead.
	if _, err := env.Clients.KMS.ScheduleKeyDeletion(ctx, &kms.ScheduleKeyDeletionInput{
		KeyId:               aws.String(rec.Meta["key_id"]),
		PendingWindowInDays: aws.Int32(7),
	}); err != nil && !awsx.IsNotFound(err) {
		return fmt.Errorf("ScheduleKeyDeletion: %w", err)
	}
	return nil
}

type keyAliasProvisioner struct{}

func (keyAliasProvisioner) Ensure(ctx context.Context, r stack.Resource, prior *state.Record, env *Env) (state.Record, error) {
	keyAlias := r.(stack.KeyAlias)

	keyRec, err := env.Resolve(keyAlias.Key)
	if err != nil {
		return state.Record{}, err
	}
	keyID := keyRec.Meta["key_id"]

	_, err = env.Clients.KMS.CreateAlias(ctx, &kms.CreateAliasInput{
		AliasName:   aws.String(keyAlias.AliasName),
		TargetKeyId: aws.String(keyID),
	})
	if err != nil {
		if !awsx.IsConflict(err) {
			return state.Record{}, fmt.Errorf("CreateAlias: %w", err)
		}
		if _, uerr := env.Clients.KMS.UpdateAlias(ctx, &kms.UpdateAliasInput{
			AliasName:   aws.String(keyAlias.AliasName),
			TargetKeyId: aws.String(keyID),
		}); uerr != nil {
			return state.Record{}, fmt.Errorf("UpdateAlias: %w", uerr)
		}
	}

	return state.Record{
		ARN:  keyAlias.AliasName,
		Meta: map[string]string{"alias_name": keyAlias.AliasName},
	}, nil
}

func (keyAliasProvisioner) Delete(ctx context.Context, name string, rec state.Record, env *Env) error {
	if _, err := env.Clients.KMS.DeleteAlias(ctx, &kms.DeleteAliasInput{
		AliasName: aws.String(rec.Meta["alias_name"]),
	}); err != nil && !awsx.IsNotFound(err) {
		return fmt.Errorf("DeleteAlias: %w", err)
	}
	return nil
}
