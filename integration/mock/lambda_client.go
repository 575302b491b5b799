// Package mock provides in-memory implementations of the aws service
// interfaces so the engine and release flows can be exercised end to end
// without an AWS account.
package mock

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"
)

// Function is the stored form of a mock Lambda function.
type Function struct {
	Config      types.FunctionConfiguration
	CodeSha256  string
	NextVersion int
}

// LambdaClient is a mock implementation of the aws.LambdaClient interface.
// Functions, aliases, and permissions are held in maps keyed the way the
// service keys them.
type LambdaClient struct {
	mu          sync.Mutex
	functions   map[string]*Function
	aliases     map[string]types.AliasConfiguration // functionName/aliasName
	permissions map[string]struct{}                 // functionName/qualifier/statementID
	published   map[string][]string                 // functionName -> versions in publish order
}

// NewLambdaClient creates an empty mock Lambda client.
func NewLambdaClient() *LambdaClient {
	return &LambdaClient{
		functions:   make(map[string]*Function),
		aliases:     make(map[string]types.AliasConfiguration),
		permissions: make(map[string]struct{}),
		published:   make(map[string][]string),
	}
}

// PublishedVersions returns the versions published for a function, in order.
func (m *LambdaClient) PublishedVersions(functionName string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.published[functionName]...)
}

// AliasVersion returns the version an alias currently points at.
func (m *LambdaClient) AliasVersion(functionName, aliasName string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	alias, ok := m.aliases[aliasKey(functionName, aliasName)]
	if !ok {
		return "", false
	}
	return aws.ToString(alias.FunctionVersion), true
}

// HasFunction reports whether a function exists.
func (m *LambdaClient) HasFunction(functionName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.functions[functionName]
	return ok
}

// HasPermission reports whether a statement exists on a function qualifier.
func (m *LambdaClient) HasPermission(functionName, qualifier, statementID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.permissions[permissionKey(functionName, qualifier, statementID)]
	return ok
}

func functionARN(name string) string {
	return "arn:aws:lambda:us-east-1:123456789012:function:" + name
}

func aliasKey(functionName, aliasName string) string {
	return functionName + "/" + aliasName
}

func permissionKey(functionName, qualifier, statementID string) string {
	return fmt.Sprintf("%s/%s/%s", functionName, qualifier, statementID)
}

func (m *LambdaClient) GetFunction(ctx context.Context, params *lambda.GetFunctionInput, optFns ...func(*lambda.Options)) (*lambda.GetFunctionOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fn, ok := m.functions[aws.ToString(params.FunctionName)]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("function not found")}
	}
	cfg := fn.Config
	return &lambda.GetFunctionOutput{Configuration: &cfg}, nil
}

func (m *LambdaClient) CreateFunction(ctx context.Context, params *lambda.CreateFunctionInput, optFns ...func(*lambda.Options)) (*lambda.CreateFunctionOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := aws.ToString(params.FunctionName)
	if _, exists := m.functions[name]; exists {
		return nil, &types.ResourceConflictException{Message: aws.String("function already exists")}
	}

	cfg := types.FunctionConfiguration{
		FunctionName:     params.FunctionName,
		FunctionArn:      aws.String(functionARN(name)),
		Role:             params.Role,
		Handler:          params.Handler,
		Runtime:          params.Runtime,
		Description:      params.Description,
		MemorySize:       params.MemorySize,
		Timeout:          params.Timeout,
		Version:          aws.String("$LATEST"),
		State:            types.StateActive,
		LastUpdateStatus: types.LastUpdateStatusSuccessful,
	}
	m.functions[name] = &Function{Config: cfg, NextVersion: 1}

	out := cfg
	return &lambda.CreateFunctionOutput{
		FunctionName: out.FunctionName,
		FunctionArn:  out.FunctionArn,
		Version:      out.Version,
	}, nil
}

func (m *LambdaClient) UpdateFunctionConfiguration(ctx context.Context, params *lambda.UpdateFunctionConfigurationInput, optFns ...func(*lambda.Options)) (*lambda.UpdateFunctionConfigurationOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fn, ok := m.functions[aws.ToString(params.FunctionName)]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("function not found")}
	}
	if params.Role != nil {
		fn.Config.Role = params.Role
	}
	if params.Handler != nil {
		fn.Config.Handler = params.Handler
	}
	if params.Runtime != "" {
		fn.Config.Runtime = params.Runtime
	}
	if params.Description != nil {
		fn.Config.Description = params.Description
	}
	if params.MemorySize != nil {
		fn.Config.MemorySize = params.MemorySize
	}
	if params.Timeout != nil {
		fn.Config.Timeout = params.Timeout
	}
	return &lambda.UpdateFunctionConfigurationOutput{FunctionArn: fn.Config.FunctionArn}, nil
}

func (m *LambdaClient) UpdateFunctionCode(ctx context.Context, params *lambda.UpdateFunctionCodeInput, optFns ...func(*lambda.Options)) (*lambda.UpdateFunctionCodeOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fn, ok := m.functions[aws.ToString(params.FunctionName)]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("function not found")}
	}
	fn.CodeSha256 = "sha256-of:" + aws.ToString(params.S3Key)
	return &lambda.UpdateFunctionCodeOutput{
		FunctionArn: fn.Config.FunctionArn,
		CodeSha256:  aws.String(fn.CodeSha256),
	}, nil
}

func (m *LambdaClient) DeleteFunction(ctx context.Context, params *lambda.DeleteFunctionInput, optFns ...func(*lambda.Options)) (*lambda.DeleteFunctionOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := aws.ToString(params.FunctionName)
	if _, ok := m.functions[name]; !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("function not found")}
	}
	delete(m.functions, name)
	return &lambda.DeleteFunctionOutput{}, nil
}

func (m *LambdaClient) PublishVersion(ctx context.Context, params *lambda.PublishVersionInput, optFns ...func(*lambda.Options)) (*lambda.PublishVersionOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := aws.ToString(params.FunctionName)
	fn, ok := m.functions[name]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("function not found")}
	}

	version := strconv.Itoa(fn.NextVersion)
	fn.NextVersion++
	m.published[name] = append(m.published[name], version)

	return &lambda.PublishVersionOutput{
		FunctionName: aws.String(name),
		FunctionArn:  aws.String(functionARN(name) + ":" + version),
		Version:      aws.String(version),
		CodeSha256:   aws.String(fn.CodeSha256),
	}, nil
}

func (m *LambdaClient) GetAlias(ctx context.Context, params *lambda.GetAliasInput, optFns ...func(*lambda.Options)) (*lambda.GetAliasOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	alias, ok := m.aliases[aliasKey(aws.ToString(params.FunctionName), aws.ToString(params.Name))]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("alias not found")}
	}
	return &lambda.GetAliasOutput{
		AliasArn:        alias.AliasArn,
		Name:            alias.Name,
		FunctionVersion: alias.FunctionVersion,
	}, nil
}

func (m *LambdaClient) CreateAlias(ctx context.Context, params *lambda.CreateAliasInput, optFns ...func(*lambda.Options)) (*lambda.CreateAliasOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	functionName := aws.ToString(params.FunctionName)
	key := aliasKey(functionName, aws.ToString(params.Name))
	if _, exists := m.aliases[key]; exists {
		return nil, &types.ResourceConflictException{Message: aws.String("alias already exists")}
	}

	alias := types.AliasConfiguration{
		AliasArn:        aws.String(functionARN(functionName) + ":" + aws.ToString(params.Name)),
		Name:            params.Name,
		FunctionVersion: params.FunctionVersion,
	}
	m.aliases[key] = alias
	return &lambda.CreateAliasOutput{
		AliasArn:        alias.AliasArn,
		Name:            alias.Name,
		FunctionVersion: alias.FunctionVersion,
	}, nil
}

func (m *LambdaClient) UpdateAlias(ctx context.Context, params *lambda.UpdateAliasInput, optFns ...func(*lambda.Options)) (*lambda.UpdateAliasOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := aliasKey(aws.ToString(params.FunctionName), aws.ToString(params.Name))
	alias, ok := m.aliases[key]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("alias not found")}
	}
	alias.FunctionVersion = params.FunctionVersion
	m.aliases[key] = alias
	return &lambda.UpdateAliasOutput{
		AliasArn:        alias.AliasArn,
		Name:            alias.Name,
		FunctionVersion: alias.FunctionVersion,
	}, nil
}

func (m *LambdaClient) DeleteAlias(ctx context.Context, params *lambda.DeleteAliasInput, optFns ...func(*lambda.Options)) (*lambda.DeleteAliasOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := aliasKey(aws.ToString(params.FunctionName), aws.ToString(params.Name))
	if _, ok := m.aliases[key]; !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("alias not found")}
	}
	delete(m.aliases, key)
	return &lambda.DeleteAliasOutput{}, nil
}

func (m *LambdaClient) AddPermission(ctx context.Context, params *lambda.AddPermissionInput, optFns ...func(*lambda.Options)) (*lambda.AddPermissionOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	functionName := aws.ToString(params.FunctionName)
	qualifier := aws.ToString(params.Qualifier)
	// A qualifier names an alias, and the service rejects one that does not
	// exist on the function yet.
	if qualifier != "" {
		if _, ok := m.aliases[aliasKey(functionName, qualifier)]; !ok {
			return nil, &types.ResourceNotFoundException{Message: aws.String("qualifier not found")}
		}
	}

	key := permissionKey(functionName, qualifier, aws.ToString(params.StatementId))
	if _, exists := m.permissions[key]; exists {
		return nil, &types.ResourceConflictException{Message: aws.String("statement already exists")}
	}
	m.permissions[key] = struct{}{}
	return &lambda.AddPermissionOutput{}, nil
}

func (m *LambdaClient) RemovePermission(ctx context.Context, params *lambda.RemovePermissionInput, optFns ...func(*lambda.Options)) (*lambda.RemovePermissionOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := permissionKey(aws.ToString(params.FunctionName), aws.ToString(params.Qualifier), aws.ToString(params.StatementId))
	if _, ok := m.permissions[key]; !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("statement not found")}
	}
	delete(m.permissions, key)
	return &lambda.RemovePermissionOutput{}, nil
}
