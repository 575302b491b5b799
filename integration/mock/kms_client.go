package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

// KMSClient is a mock implementation of the aws.KMSClient interface.
type KMSClient struct {
	mu       sync.Mutex
	keys     map[string]types.KeyMetadata // keyID -> metadata
	aliases  map[string]string            // aliasName -> keyID
	deleting map[string]struct{}          // keys scheduled for deletion
	nextKey  int
}

// NewKMSClient creates an empty mock KMS client.
func NewKMSClient() *KMSClient {
	return &KMSClient{
		keys:     make(map[string]types.KeyMetadata),
		aliases:  make(map[string]string),
		deleting: make(map[string]struct{}),
	}
}

// AliasTarget returns the key ID an alias points at.
func (m *KMSClient) AliasTarget(aliasName string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keyID, ok := m.aliases[aliasName]
	return keyID, ok
}

// PendingDeletion reports whether a key has been scheduled for deletion.
func (m *KMSClient) PendingDeletion(keyID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.deleting[keyID]
	return ok
}

func (m *KMSClient) CreateKey(ctx context.Context, params *kms.CreateKeyInput, optFns ...func(*kms.Options)) (*kms.CreateKeyOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextKey++
	keyID := fmt.Sprintf("key-%04d", m.nextKey)
	meta := types.KeyMetadata{
		KeyId:       aws.String(keyID),
		Arn:         aws.String("arn:aws:kms:us-east-1:123456789012:key/" + keyID),
		Description: params.Description,
	}
	m.keys[keyID] = meta
	return &kms.CreateKeyOutput{KeyMetadata: &meta}, nil
}

func (m *KMSClient) DescribeKey(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta, ok := m.keys[aws.ToString(params.KeyId)]
	if !ok {
		return nil, &types.NotFoundException{Message: aws.String("key not found")}
	}
	return &kms.DescribeKeyOutput{KeyMetadata: &meta}, nil
}

func (m *KMSClient) ScheduleKeyDeletion(ctx context.Context, params *kms.ScheduleKeyDeletionInput, optFns ...func(*kms.Options)) (*kms.ScheduleKeyDeletionOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keyID := aws.ToString(params.KeyId)
	if _, ok := m.keys[keyID]; !ok {
		return nil, &types.NotFoundException{Message: aws.String("key not found")}
	}
	m.deleting[keyID] = struct{}{}
	return &kms.ScheduleKeyDeletionOutput{KeyId: params.KeyId}, nil
}

func (m *KMSClient) CreateAlias(ctx context.Context, params *kms.CreateAliasInput, optFns ...func(*kms.Options)) (*kms.CreateAliasOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	aliasName := aws.ToString(params.AliasName)
	if _, exists := m.aliases[aliasName]; exists {
		return nil, &types.AlreadyExistsException{Message: aws.String("alias already exists")}
	}
	m.aliases[aliasName] = aws.ToString(params.TargetKeyId)
	return &kms.CreateAliasOutput{}, nil
}

func (m *KMSClient) UpdateAlias(ctx context.Context, params *kms.UpdateAliasInput, optFns ...func(*kms.Options)) (*kms.UpdateAliasOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	aliasName := aws.ToString(params.AliasName)
	if _, ok := m.aliases[aliasName]; !ok {
		return nil, &types.NotFoundException{Message: aws.String("alias not found")}
	}
	m.aliases[aliasName] = aws.ToString(params.TargetKeyId)
	return &kms.UpdateAliasOutput{}, nil
}

func (m *KMSClient) DeleteAlias(ctx context.Context, params *kms.DeleteAliasInput, optFns ...func(*kms.Options)) (*kms.DeleteAliasOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	aliasName := aws.ToString(params.AliasName)
	if _, ok := m.aliases[aliasName]; !ok {
		return nil, &types.NotFoundException{Message: aws.String("alias not found")}
	}
	delete(m.aliases, aliasName)
	return &kms.DeleteAliasOutput{}, nil
}
