package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// SNSClient is a mock implementation of the aws.SNSClient interface.
type SNSClient struct {
	mu            sync.Mutex
	topics        map[string]string // topicARN -> name
	subscriptions map[string]string // subscriptionARN -> endpoint
	nextSub       int
}

// NewSNSClient creates an empty mock SNS client.
func NewSNSClient() *SNSClient {
	return &SNSClient{
		topics:        make(map[string]string),
		subscriptions: make(map[string]string),
	}
}

// HasTopic reports whether a topic with the given name exists.
func (m *SNSClient) HasTopic(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.topics {
		if n == name {
			return true
		}
	}
	return false
}

// Subscriptions returns the endpoints of all live subscriptions.
func (m *SNSClient) Subscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.subscriptions))
	for _, endpoint := range m.subscriptions {
		out = append(out, endpoint)
	}
	return out
}

func topicARN(name string) string {
	return "arn:aws:sns:us-east-1:123456789012:" + name
}

func (m *SNSClient) CreateTopic(ctx context.Context, params *sns.CreateTopicInput, optFns ...func(*sns.Options)) (*sns.CreateTopicOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := aws.ToString(params.Name)
	arn := topicARN(name)
	m.topics[arn] = name
	return &sns.CreateTopicOutput{TopicArn: aws.String(arn)}, nil
}

func (m *SNSClient) DeleteTopic(ctx context.Context, params *sns.DeleteTopicInput, optFns ...func(*sns.Options)) (*sns.DeleteTopicOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.topics, aws.ToString(params.TopicArn))
	return &sns.DeleteTopicOutput{}, nil
}

func (m *SNSClient) GetTopicAttributes(ctx context.Context, params *sns.GetTopicAttributesInput, optFns ...func(*sns.Options)) (*sns.GetTopicAttributesOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	arn := aws.ToString(params.TopicArn)
	name, ok := m.topics[arn]
	if !ok {
		return nil, &types.NotFoundException{Message: aws.String("topic not found")}
	}
	return &sns.GetTopicAttributesOutput{
		Attributes: map[string]string{"TopicArn": arn, "DisplayName": name},
	}, nil
}

func (m *SNSClient) Subscribe(ctx context.Context, params *sns.SubscribeInput, optFns ...func(*sns.Options)) (*sns.SubscribeOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.topics[aws.ToString(params.TopicArn)]; !ok {
		return nil, &types.NotFoundException{Message: aws.String("topic not found")}
	}

	m.nextSub++
	arn := fmt.Sprintf("%s:%d", aws.ToString(params.TopicArn), m.nextSub)
	m.subscriptions[arn] = aws.ToString(params.Endpoint)
	return &sns.SubscribeOutput{SubscriptionArn: aws.String(arn)}, nil
}

func (m *SNSClient) Unsubscribe(ctx context.Context, params *sns.UnsubscribeInput, optFns ...func(*sns.Options)) (*sns.UnsubscribeOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	arn := aws.ToString(params.SubscriptionArn)
	if _, ok := m.subscriptions[arn]; !ok {
		return nil, &types.NotFoundException{Message: aws.String("subscription not found")}
	}
	delete(m.subscriptions, arn)
	return &sns.UnsubscribeOutput{}, nil
}
