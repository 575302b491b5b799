package stack

import (
	"fmt"
	"sort"

	"github.com/alertpipe/alertpipe/config"
)

// Python 2.7 is what the processor packages are built for.
const processorRuntime = "python2.7"

// Managed policy attached to every execution role for CloudWatch logging.
const basicExecutionPolicyARN = "arn:aws:iam::aws:policy/service-role/AWSLambdaBasicExecutionRole"

// FunctionName returns the deployed name of a processor function. processor
// is "rule" or "alert".
func FunctionName(prefix, cluster, processor string) string {
	return fmt.Sprintf("%s_%s_streamalert_%s_processor", prefix, cluster, processor)
}

// Build translates the configuration into the full resource stack: the
// shared buckets and secrets key, then per cluster the processor pair, the
// production aliases, the input topic, the SNS invoke permission, and the
// alert subscription.
func Build(cfg *config.Config) (*Stack, error) {
	s := New()
	prefix := cfg.Account.Prefix

	shared := []Resource{
		Bucket{
			Name:       "lambda_source",
			BucketName: cfg.RuleProcessor.SourceBucket,
			ACL:        "private",
		},
		Bucket{
			Name:         "terraform_remote_state",
			BucketName:   cfg.StateBucket(),
			ACL:          "private",
			ForceDestroy: true,
		},
		Bucket{
			Name:         "stream_alert_output",
			BucketName:   cfg.OutputBucket(),
			ACL:          "private",
			ForceDestroy: true,
		},
		Key{
			Name:        "stream_alert_secrets",
			Description: "StreamAlert secrets",
		},
		KeyAlias{
			Name:      "stream_alert_secrets_alias",
			AliasName: "alias/" + cfg.Account.KMSKeyAlias,
			Key:       "stream_alert_secrets",
		},
	}
	for _, r := range shared {
		if err := s.Add(r); err != nil {
			return nil, err
		}
	}

	// Deterministic declaration order across runs.
	clusters := make([]string, 0, len(cfg.Clusters))
	for cluster := range cfg.Clusters {
		clusters = append(clusters, cluster)
	}
	sort.Strings(clusters)

	for _, cluster := range clusters {
		if err := addCluster(s, cfg, prefix, cluster); err != nil {
			return nil, fmt.Errorf("cluster %s: %w", cluster, err)
		}
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func addCluster(s *Stack, cfg *config.Config, prefix, cluster string) error {
	ruleRole := fmt.Sprintf("streamalert_rule_processor_role_%s", cluster)
	alertRole := fmt.Sprintf("streamalert_alert_processor_role_%s", cluster)
	ruleFn := fmt.Sprintf("streamalert_rule_processor_%s", cluster)
	alertFn := fmt.Sprintf("streamalert_alert_processor_%s", cluster)
	ruleAlias := fmt.Sprintf("rule_processor_production_%s", cluster)
	alertAlias := fmt.Sprintf("alert_processor_production_%s", cluster)
	topic := fmt.Sprintf("streamalert_%s", cluster)

	ruleSettings := cfg.RuleProcessorLambda[cluster]
	alertSettings := cfg.AlertProcessorLambda[cluster]

	resources := []Resource{
		Role{
			Name:      ruleRole,
			RoleName:  fmt.Sprintf("%s_%s_streamalert_rule_processor_role", prefix, cluster),
			Service:   "lambda.amazonaws.com",
			PolicyARN: basicExecutionPolicyARN,
		},
		Role{
			Name:      alertRole,
			RoleName:  fmt.Sprintf("%s_%s_streamalert_alert_processor_role", prefix, cluster),
			Service:   "lambda.amazonaws.com",
			PolicyARN: basicExecutionPolicyARN,
		},
		Function{
			Name:         ruleFn,
			FunctionName: FunctionName(prefix, cluster, "rule"),
			Description:  "StreamAlert rule processor",
			Handler:      cfg.RuleProcessor.Handler,
			Runtime:      processorRuntime,
			MemorySize:   ruleSettings.MemorySize,
			Timeout:      ruleSettings.Timeout,
			SourceBucket: cfg.RuleProcessor.SourceBucket,
			SourceKey:    cfg.RuleProcessor.SourceObjectKey,
			SourceHash:   cfg.RuleProcessor.SourceCurrentHash,
			Role:         ruleRole,
		},
		Function{
			Name:         alertFn,
			FunctionName: FunctionName(prefix, cluster, "alert"),
			Description:  "StreamAlert alert processor",
			Handler:      cfg.AlertProcessor.Handler,
			Runtime:      processorRuntime,
			MemorySize:   alertSettings.MemorySize,
			Timeout:      alertSettings.Timeout,
			SourceBucket: cfg.AlertProcessor.SourceBucket,
			SourceKey:    cfg.AlertProcessor.SourceObjectKey,
			SourceHash:   cfg.AlertProcessor.SourceCurrentHash,
			Role:         alertRole,
		},
		Alias{
			Name:      ruleAlias,
			AliasName: "production",
			Function:  ruleFn,
			Version:   cfg.Version("rule", cluster),
		},
		Alias{
			Name:      alertAlias,
			AliasName: "production",
			Function:  alertFn,
			Version:   cfg.Version("alert", cluster),
		},
		Topic{
			Name:      topic,
			TopicName: fmt.Sprintf("%s_%s_streamalerts", prefix, cluster),
		},
		Permission{
			Name:        fmt.Sprintf("with_sns_%s", cluster),
			StatementID: "with_sns",
			Action:      "lambda:InvokeFunction",
			Principal:   "sns.amazonaws.com",
			Function:    alertFn,
			Alias:       alertAlias,
			SourceTopic: topic,
		},
		Subscription{
			Name:     fmt.Sprintf("alert_processor_sns_%s", cluster),
			Topic:    topic,
			Endpoint: alertAlias,
			Protocol: "lambda",
		},
	}

	for _, r := range resources {
		if err := s.Add(r); err != nil {
			return err
		}
	}
	return nil
}
