package mock

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	awsx "github.com/alertpipe/alertpipe/aws"
)

// STSClient is a mock implementation of the aws.STSClient interface.
type STSClient struct {
	AccountID string
}

// NewSTSClient creates a mock STS client reporting the given account.
func NewSTSClient(accountID string) *STSClient {
	return &STSClient{AccountID: accountID}
}

func (m *STSClient) GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	return &sts.GetCallerIdentityOutput{
		Account: aws.String(m.AccountID),
		Arn:     aws.String("arn:aws:iam::" + m.AccountID + ":user/mock"),
	}, nil
}

// NewClients bundles fresh mocks into an aws.Clients ready to hand to the
// engine.
func NewClients() *awsx.Clients {
	return &awsx.Clients{
		Lambda:    NewLambdaClient(),
		S3:        NewS3Client(),
		SNS:       NewSNSClient(),
		IAM:       NewIAMClient(),
		KMS:       NewKMSClient(),
		STS:       NewSTSClient("123456789012"),
		Region:    "us-east-1",
		AccountID: "123456789012",
	}
}
