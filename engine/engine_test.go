package engine_test

import (
	"bytes"
	"context"
	"testing"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	awsx "github.com/alertpipe/alertpipe/aws"
	"github.com/alertpipe/alertpipe/config"
	"github.com/alertpipe/alertpipe/engine"
	"github.com/alertpipe/alertpipe/integration/mock"
	"github.com/alertpipe/alertpipe/stack"
	"github.com/alertpipe/alertpipe/state"
)

func testConfig() *config.Config {
	return &config.Config{
		Account: config.Account{
			AWSAccountID: "123456789012",
			Prefix:       "acme",
			KMSKeyAlias:  "stream_alert_secrets",
			Region:       "us-east-1",
		},
		Clusters: map[string]string{"corp": "us-east-1"},
		RuleProcessor: config.ProcessorConfig{
			Handler:         "stream_alert.rule_processor.main.handler",
			SourceBucket:    "acme.streamalert.source",
			SourceObjectKey: "rule_processor/abc.zip",
		},
		RuleProcessorLambda: map[string]config.LambdaSettings{
			"corp": {Timeout: 10, MemorySize: 128},
		},
		AlertProcessor: config.ProcessorConfig{
			Handler:         "stream_alert.alert_processor.main.handler",
			SourceBucket:    "acme.streamalert.source",
			SourceObjectKey: "alert_processor/def.zip",
		},
		AlertProcessorLambda: map[string]config.LambdaSettings{
			"corp": {Timeout: 10, MemorySize: 128},
		},
	}
}

func newEngine(t *testing.T) (*engine.Engine, *awsx.Clients, state.Store) {
	t.Helper()
	clients := mock.NewClients()
	store := state.NewMemoryStore()
	eng := engine.New(clients, store, 4, &bytes.Buffer{})
	eng.SetPropagationWait(0)
	return eng, clients, store
}

func buildStack(t *testing.T, cfg *config.Config) *stack.Stack {
	t.Helper()
	st, err := stack.Build(cfg)
	require.NoError(t, err)
	return st
}

func countOps(p *engine.Plan, op engine.Op) int {
	n := 0
	for _, a := range p.Actions {
		if a.Op == op {
			n++
		}
	}
	return n
}

func TestPlanOnEmptyStateCreatesEverything(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newEngine(t)
	st := buildStack(t, testConfig())

	plan, err := eng.Plan(ctx, st, nil)
	require.NoError(t, err)

	assert.Len(t, plan.Actions, len(st.Resources()))
	assert.Equal(t, len(st.Resources()), countOps(plan, engine.OpCreate))
	assert.Equal(t, len(st.Resources()), plan.Changes())
}

func TestApplyThenPlanIsNoop(t *testing.T) {
	ctx := context.Background()
	eng, clients, _ := newEngine(t)
	st := buildStack(t, testConfig())

	plan, err := eng.Plan(ctx, st, nil)
	require.NoError(t, err)
	report, err := eng.Apply(ctx, st, plan)
	require.NoError(t, err)
	assert.Equal(t, int64(len(st.Resources())), report.Created)
	assert.Zero(t, report.Failed)

	lambdaMock := clients.Lambda.(*mock.LambdaClient)
	assert.True(t, lambdaMock.HasFunction("acme_corp_streamalert_rule_processor"))
	assert.True(t, lambdaMock.HasFunction("acme_corp_streamalert_alert_processor"))
	assert.True(t, lambdaMock.HasPermission("acme_corp_streamalert_alert_processor", "production", "with_sns"))
	assert.True(t, clients.S3.(*mock.S3Client).HasBucket("acme.streamalert.results"))
	assert.True(t, clients.SNS.(*mock.SNSClient).HasTopic("acme_corp_streamalerts"))
	assert.True(t, clients.IAM.(*mock.IAMClient).HasRole("acme_corp_streamalert_rule_processor_role"))

	second, err := eng.Plan(ctx, st, nil)
	require.NoError(t, err)
	assert.Zero(t, second.Changes())
	assert.Equal(t, len(st.Resources()), countOps(second, engine.OpNoop))
}

func TestPlanDetectsAttributeChange(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newEngine(t)
	cfg := testConfig()
	st := buildStack(t, cfg)

	plan, err := eng.Plan(ctx, st, nil)
	require.NoError(t, err)
	_, err = eng.Apply(ctx, st, plan)
	require.NoError(t, err)

	cfg.RuleProcessorLambda["corp"] = config.LambdaSettings{Timeout: 10, MemorySize: 256}
	changed := buildStack(t, cfg)

	plan, err = eng.Plan(ctx, changed, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, countOps(plan, engine.OpUpdate))
	assert.Equal(t, 1, plan.Changes())

	report, err := eng.Apply(ctx, changed, plan)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Updated)
}

func TestTargetedPlan(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newEngine(t)
	st := buildStack(t, testConfig())

	plan, err := eng.Plan(ctx, st, []string{"terraform_remote_state"})
	require.NoError(t, err)
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, "terraform_remote_state", plan.Actions[0].Name)

	// Targets pull in what they reference.
	plan, err = eng.Plan(ctx, st, []string{"stream_alert_secrets_alias"})
	require.NoError(t, err)
	assert.Len(t, plan.Actions, 2)

	_, err = eng.Plan(ctx, st, []string{"no_such_resource"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown target")
}

func TestOrphanedRecordsAreDeleted(t *testing.T) {
	ctx := context.Background()
	eng, clients, _ := newEngine(t)
	cfg := testConfig()
	cfg.Clusters["prod"] = "us-east-1"
	cfg.RuleProcessorLambda["prod"] = config.LambdaSettings{Timeout: 10, MemorySize: 128}
	cfg.AlertProcessorLambda["prod"] = config.LambdaSettings{Timeout: 10, MemorySize: 128}
	st := buildStack(t, cfg)

	plan, err := eng.Plan(ctx, st, nil)
	require.NoError(t, err)
	_, err = eng.Apply(ctx, st, plan)
	require.NoError(t, err)

	// Dropping a cluster leaves its records orphaned.
	delete(cfg.Clusters, "prod")
	delete(cfg.RuleProcessorLambda, "prod")
	delete(cfg.AlertProcessorLambda, "prod")
	shrunk := buildStack(t, cfg)

	plan, err = eng.Plan(ctx, shrunk, nil)
	require.NoError(t, err)
	assert.Equal(t, 9, countOps(plan, engine.OpDelete))

	report, err := eng.Apply(ctx, shrunk, plan)
	require.NoError(t, err)
	assert.Equal(t, int64(9), report.Deleted)

	lambdaMock := clients.Lambda.(*mock.LambdaClient)
	assert.False(t, lambdaMock.HasFunction("acme_prod_streamalert_rule_processor"))
	assert.True(t, lambdaMock.HasFunction("acme_corp_streamalert_rule_processor"))
}

func TestTargetedPlanNeverDeletes(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newEngine(t)
	cfg := testConfig()
	cfg.Clusters["prod"] = "us-east-1"
	cfg.RuleProcessorLambda["prod"] = config.LambdaSettings{Timeout: 10, MemorySize: 128}
	cfg.AlertProcessorLambda["prod"] = config.LambdaSettings{Timeout: 10, MemorySize: 128}
	st := buildStack(t, cfg)

	plan, err := eng.Plan(ctx, st, nil)
	require.NoError(t, err)
	_, err = eng.Apply(ctx, st, plan)
	require.NoError(t, err)

	delete(cfg.Clusters, "prod")
	delete(cfg.RuleProcessorLambda, "prod")
	delete(cfg.AlertProcessorLambda, "prod")
	shrunk := buildStack(t, cfg)

	full, err := eng.Plan(ctx, shrunk, nil)
	require.NoError(t, err)
	assert.Equal(t, 9, countOps(full, engine.OpDelete))

	targeted, err := eng.Plan(ctx, shrunk, []string{"lambda_source"})
	require.NoError(t, err)
	assert.Zero(t, countOps(targeted, engine.OpDelete))
}

func TestApplyAdoptsExistingBucket(t *testing.T) {
	ctx := context.Background()
	eng, clients, _ := newEngine(t)
	st := buildStack(t, testConfig())

	// A bucket created out of band is adopted, not fought over.
	s3Mock := clients.S3.(*mock.S3Client)
	_, err := s3Mock.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: awssdk.String("acme.streamalert.results"),
	})
	require.NoError(t, err)

	plan, err := eng.Plan(ctx, st, nil)
	require.NoError(t, err)
	report, err := eng.Apply(ctx, st, plan)
	require.NoError(t, err)
	assert.Zero(t, report.Failed)
	assert.Equal(t, 1, s3Mock.CreateCount("acme.streamalert.results"))
}

func TestBucketRenameCreatesNewBucket(t *testing.T) {
	ctx := context.Background()
	eng, clients, _ := newEngine(t)
	cfg := testConfig()
	st := buildStack(t, cfg)

	plan, err := eng.Plan(ctx, st, nil)
	require.NoError(t, err)
	_, err = eng.Apply(ctx, st, plan)
	require.NoError(t, err)

	cfg.RuleProcessor.SourceBucket = "acme.streamalert.source.v2"
	cfg.AlertProcessor.SourceBucket = "acme.streamalert.source.v2"
	renamed := buildStack(t, cfg)

	plan, err = eng.Plan(ctx, renamed, nil)
	require.NoError(t, err)
	_, err = eng.Apply(ctx, renamed, plan)
	require.NoError(t, err)

	s3Mock := clients.S3.(*mock.S3Client)
	assert.True(t, s3Mock.HasBucket("acme.streamalert.source.v2"))
	assert.True(t, s3Mock.HasBucket("acme.streamalert.source"))
}

func TestDestroy(t *testing.T) {
	ctx := context.Background()
	eng, clients, store := newEngine(t)
	st := buildStack(t, testConfig())

	plan, err := eng.Plan(ctx, st, nil)
	require.NoError(t, err)
	_, err = eng.Apply(ctx, st, plan)
	require.NoError(t, err)

	report, err := eng.Destroy(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, int64(len(st.Resources())), report.Deleted)

	recorded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, recorded.Resources)

	lambdaMock := clients.Lambda.(*mock.LambdaClient)
	assert.False(t, lambdaMock.HasFunction("acme_corp_streamalert_rule_processor"))
	assert.False(t, clients.S3.(*mock.S3Client).HasBucket("acme.streamalert.results"))

	kmsMock := clients.KMS.(*mock.KMSClient)
	assert.True(t, kmsMock.PendingDeletion("key-0001"))
}

func TestDestroyEmptyStateIsNoop(t *testing.T) {
	ctx := context.Background()
	clients := mock.NewClients()
	var out bytes.Buffer
	eng := engine.New(clients, state.NewMemoryStore(), 4, &out)

	report, err := eng.Destroy(ctx, buildStack(t, testConfig()))
	require.NoError(t, err)
	assert.Zero(t, report.Deleted)
	assert.Contains(t, out.String(), "Nothing to destroy")
}

func TestPlanWriteOutput(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newEngine(t)
	st := buildStack(t, testConfig())

	plan, err := eng.Plan(ctx, st, nil)
	require.NoError(t, err)

	var out bytes.Buffer
	plan.Write(&out)
	assert.Contains(t, out.String(), "+ aws_lambda_function.streamalert_rule_processor_corp")
	assert.Contains(t, out.String(), "Plan: 14 to change, 0 unchanged")
}
