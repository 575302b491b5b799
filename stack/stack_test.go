package stack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alertpipe/alertpipe/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Account: config.Account{
			AWSAccountID: "123456789012",
			Prefix:       "acme",
			KMSKeyAlias:  "stream_alert_secrets",
			Region:       "us-east-1",
		},
		Clusters: map[string]string{"corp": "us-east-1", "prod": "us-west-2"},
		RuleProcessor: config.ProcessorConfig{
			Handler:         "stream_alert.rule_processor.main.handler",
			SourceBucket:    "acme.streamalert.source",
			SourceObjectKey: "rule_processor/abc.zip",
		},
		RuleProcessorLambda: map[string]config.LambdaSettings{
			"corp": {Timeout: 10, MemorySize: 128},
			"prod": {Timeout: 30, MemorySize: 256},
		},
		AlertProcessor: config.ProcessorConfig{
			Handler:         "stream_alert.alert_processor.main.handler",
			SourceBucket:    "acme.streamalert.source",
			SourceObjectKey: "alert_processor/def.zip",
		},
		AlertProcessorLambda: map[string]config.LambdaSettings{
			"corp": {Timeout: 10, MemorySize: 128},
			"prod": {Timeout: 10, MemorySize: 128},
		},
		RuleProcessorVersions:  map[string]string{"corp": "3"},
		AlertProcessorVersions: map[string]string{},
	}
}

func TestAddRejectsDuplicates(t *testing.T) {
	s := New()
	require.NoError(t, s.Add(Topic{Name: "t", TopicName: "acme_t"}))

	err := s.Add(Bucket{Name: "t", BucketName: "acme.t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")

	err = s.Add(Topic{TopicName: "unnamed"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no logical name")
}

func TestValidateUndeclaredReference(t *testing.T) {
	s := New()
	require.NoError(t, s.Add(Function{
		Name:         "fn",
		FunctionName: "acme_fn",
		Role:         "missing_role",
	}))

	err := s.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "undeclared resource")
	assert.Contains(t, err.Error(), "missing_role")
}

func TestValidateWrongReferenceKind(t *testing.T) {
	s := New()
	require.NoError(t, s.Add(Topic{Name: "not_a_role", TopicName: "acme_t"}))
	require.NoError(t, s.Add(Function{
		Name:         "fn",
		FunctionName: "acme_fn",
		Role:         "not_a_role",
	}))

	err := s.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want a aws_iam_role")
}

func TestWavesOrdering(t *testing.T) {
	s := New()
	require.NoError(t, s.Add(Role{Name: "role", RoleName: "acme_role"}))
	require.NoError(t, s.Add(Topic{Name: "topic", TopicName: "acme_topic"}))
	require.NoError(t, s.Add(Function{Name: "fn", FunctionName: "acme_fn", Role: "role"}))
	require.NoError(t, s.Add(Alias{Name: "alias", AliasName: "production", Function: "fn", Version: "1"}))
	require.NoError(t, s.Add(Subscription{Name: "sub", Topic: "topic", Endpoint: "alias", Protocol: "lambda"}))

	waves, err := s.Waves()
	require.NoError(t, err)
	require.Len(t, waves, 4)

	level := make(map[string]int)
	for i, wave := range waves {
		for _, r := range wave {
			level[r.LogicalName()] = i
		}
	}
	assert.Equal(t, 0, level["role"])
	assert.Equal(t, 0, level["topic"])
	assert.Equal(t, 1, level["fn"])
	assert.Equal(t, 2, level["alias"])
	assert.Equal(t, 3, level["sub"])

	// Insertion order holds within the first wave.
	assert.Equal(t, "role", waves[0][0].LogicalName())
	assert.Equal(t, "topic", waves[0][1].LogicalName())
}

func TestWavesCycle(t *testing.T) {
	s := New()
	require.NoError(t, s.Add(Subscription{Name: "a", Topic: "b", Endpoint: "b", Protocol: "lambda"}))
	require.NoError(t, s.Add(Subscription{Name: "b", Topic: "a", Endpoint: "a", Protocol: "lambda"}))

	_, err := s.Waves()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestHashChangesWithAttributes(t *testing.T) {
	a := Function{Name: "fn", FunctionName: "acme_fn", MemorySize: 128, Role: "role"}
	b := a
	b.MemorySize = 256

	ha, err := Hash(a)
	require.NoError(t, err)
	hb, err := Hash(b)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb)

	again, err := Hash(a)
	require.NoError(t, err)
	assert.Equal(t, ha, again)
}

func TestBuild(t *testing.T) {
	cfg := testConfig()
	s, err := Build(cfg)
	require.NoError(t, err)

	// 5 shared resources plus 9 per cluster.
	assert.Len(t, s.Resources(), 5+2*9)

	for _, name := range []string{
		"lambda_source",
		"terraform_remote_state",
		"stream_alert_output",
		"stream_alert_secrets",
		"stream_alert_secrets_alias",
	} {
		_, ok := s.Lookup(name)
		assert.True(t, ok, "missing shared resource %s", name)
	}

	r, ok := s.Lookup("streamalert_rule_processor_corp")
	require.True(t, ok)
	fn := r.(Function)
	assert.Equal(t, "acme_corp_streamalert_rule_processor", fn.FunctionName)
	assert.Equal(t, int32(128), fn.MemorySize)
	assert.Equal(t, "rule_processor/abc.zip", fn.SourceKey)
	assert.Equal(t, "streamalert_rule_processor_role_corp", fn.Role)

	r, ok = s.Lookup("rule_processor_production_corp")
	require.True(t, ok)
	alias := r.(Alias)
	assert.Equal(t, "production", alias.AliasName)
	assert.Equal(t, "3", alias.Version)

	r, ok = s.Lookup("alert_processor_production_prod")
	require.True(t, ok)
	assert.Equal(t, config.LatestVersion, r.(Alias).Version)

	r, ok = s.Lookup("with_sns_corp")
	require.True(t, ok)
	perm := r.(Permission)
	assert.Equal(t, "with_sns", perm.StatementID)
	assert.Equal(t, "lambda:InvokeFunction", perm.Action)
	assert.Equal(t, "sns.amazonaws.com", perm.Principal)
	assert.Equal(t, "streamalert_alert_processor_corp", perm.Function)
	assert.Equal(t, "alert_processor_production_corp", perm.Alias)
	assert.Equal(t, "streamalert_corp", perm.SourceTopic)

	r, ok = s.Lookup("alert_processor_sns_prod")
	require.True(t, ok)
	sub := r.(Subscription)
	assert.Equal(t, "lambda", sub.Protocol)
	assert.Equal(t, "alert_processor_production_prod", sub.Endpoint)

	// The full stack must always partition cleanly.
	waves, err := s.Waves()
	require.NoError(t, err)
	assert.NotEmpty(t, waves)
}

func TestBuildOrdersAliasBeforePermission(t *testing.T) {
	// AddPermission rejects a qualifier naming an alias that does not exist
	// yet, so the permission must land in a later wave than the alias even
	// though both depend on the same function.
	s, err := Build(testConfig())
	require.NoError(t, err)

	waves, err := s.Waves()
	require.NoError(t, err)

	level := make(map[string]int)
	for i, wave := range waves {
		for _, r := range wave {
			level[r.LogicalName()] = i
		}
	}
	for _, cluster := range []string{"corp", "prod"} {
		assert.Less(t,
			level["alert_processor_production_"+cluster],
			level["with_sns_"+cluster],
			"cluster %s", cluster)
		assert.Less(t,
			level["alert_processor_production_"+cluster],
			level["alert_processor_sns_"+cluster],
			"cluster %s", cluster)
	}
}

func TestValidatePermissionAliasReference(t *testing.T) {
	s := New()
	require.NoError(t, s.Add(Role{Name: "role", RoleName: "acme_role"}))
	require.NoError(t, s.Add(Topic{Name: "topic", TopicName: "acme_topic"}))
	require.NoError(t, s.Add(Function{Name: "fn", FunctionName: "acme_fn", Role: "role"}))
	require.NoError(t, s.Add(Permission{
		Name:        "grant",
		StatementID: "grant",
		Function:    "fn",
		Alias:       "topic", // a topic is not an alias
		SourceTopic: "topic",
	}))

	err := s.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want a aws_lambda_alias")
}

func TestFunctionName(t *testing.T) {
	assert.Equal(t, "acme_corp_streamalert_rule_processor", FunctionName("acme", "corp", "rule"))
	assert.Equal(t, "acme_prod_streamalert_alert_processor", FunctionName("acme", "prod", "alert"))
}

func TestGraph(t *testing.T) {
	cfg := testConfig()
	s, err := Build(cfg)
	require.NoError(t, err)

	out := s.Graph().String()
	assert.Contains(t, out, "digraph")
	assert.Contains(t, out, "aws_lambda_function.streamalert_rule_processor_corp")
	assert.Contains(t, out, "aws_lambda_permission.with_sns_corp")
}
