package mock

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"
)

// IAMClient is a mock implementation of the aws.IAMClient interface.
type IAMClient struct {
	mu       sync.Mutex
	roles    map[string]types.Role
	attached map[string][]string // roleName -> policy ARNs
}

// NewIAMClient creates an empty mock IAM client.
func NewIAMClient() *IAMClient {
	return &IAMClient{
		roles:    make(map[string]types.Role),
		attached: make(map[string][]string),
	}
}

// HasRole reports whether a role exists.
func (m *IAMClient) HasRole(roleName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.roles[roleName]
	return ok
}

// AttachedPolicies returns the policy ARNs attached to a role.
func (m *IAMClient) AttachedPolicies(roleName string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.attached[roleName]...)
}

func roleARN(name string) string {
	return "arn:aws:iam::123456789012:role/" + name
}

func (m *IAMClient) GetRole(ctx context.Context, params *iam.GetRoleInput, optFns ...func(*iam.Options)) (*iam.GetRoleOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	role, ok := m.roles[aws.ToString(params.RoleName)]
	if !ok {
		return nil, &types.NoSuchEntityException{Message: aws.String("role not found")}
	}
	return &iam.GetRoleOutput{Role: &role}, nil
}

func (m *IAMClient) CreateRole(ctx context.Context, params *iam.CreateRoleInput, optFns ...func(*iam.Options)) (*iam.CreateRoleOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := aws.ToString(params.RoleName)
	if _, exists := m.roles[name]; exists {
		return nil, &types.EntityAlreadyExistsException{Message: aws.String("role already exists")}
	}

	role := types.Role{
		RoleName:                 params.RoleName,
		Arn:                      aws.String(roleARN(name)),
		AssumeRolePolicyDocument: params.AssumeRolePolicyDocument,
	}
	m.roles[name] = role
	return &iam.CreateRoleOutput{Role: &role}, nil
}

func (m *IAMClient) DeleteRole(ctx context.Context, params *iam.DeleteRoleInput, optFns ...func(*iam.Options)) (*iam.DeleteRoleOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := aws.ToString(params.RoleName)
	if _, ok := m.roles[name]; !ok {
		return nil, &types.NoSuchEntityException{Message: aws.String("role not found")}
	}
	delete(m.roles, name)
	delete(m.attached, name)
	return &iam.DeleteRoleOutput{}, nil
}

func (m *IAMClient) AttachRolePolicy(ctx context.Context, params *iam.AttachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := aws.ToString(params.RoleName)
	if _, ok := m.roles[name]; !ok {
		return nil, &types.NoSuchEntityException{Message: aws.String("role not found")}
	}
	m.attached[name] = append(m.attached[name], aws.ToString(params.PolicyArn))
	return &iam.AttachRolePolicyOutput{}, nil
}

func (m *IAMClient) DetachRolePolicy(ctx context.Context, params *iam.DetachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := aws.ToString(params.RoleName)
	policyARN := aws.ToString(params.PolicyArn)
	policies := m.attached[name]
	for i, p := range policies {
		if p == policyARN {
			m.attached[name] = append(policies[:i], policies[i+1:]...)
			return &iam.DetachRolePolicyOutput{}, nil
		}
	}
	return nil, &types.NoSuchEntityException{Message: aws.String("policy not attached")}
}
