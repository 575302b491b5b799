package aws

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// Clients bundles the service clients and account information needed by the
// provisioners. The fields hold interfaces so tests can substitute fakes.
type Clients struct {
	Config    aws.Config
	Lambda    LambdaClient
	S3        S3Client
	SNS       SNSClient
	IAM       IAMClient
	KMS       KMSClient
	STS       STSClient
	Region    string
	AccountID string
}

// New loads the default AWS configuration for the given region, constructs
// all service clients, and resolves the caller account ID.
func New(ctx context.Context, region string) (*Clients, error) {
	var cfg aws.Config
	var err error
	if strings.TrimSpace(region) == "" {
		cfg, err = awsconfig.LoadDefaultConfig(ctx)
	} else {
		cfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	}
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	c := &Clients{
		Config: cfg,
		Lambda: lambda.NewFromConfig(cfg),
		S3:     s3.NewFromConfig(cfg),
		SNS:    sns.NewFromConfig(cfg),
		IAM:    iam.NewFromConfig(cfg),
		KMS:    kms.NewFromConfig(cfg),
		STS:    sts.NewFromConfig(cfg),
		Region: cfg.Region,
	}

	ident, err := c.STS.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, fmt.Errorf("getting account ID: %w", err)
	}
	c.AccountID = aws.ToString(ident.Account)

	return c, nil
}
