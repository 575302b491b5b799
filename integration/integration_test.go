// Package integration exercises the full provisioning lifecycle against the
// in-memory service mocks: bootstrap, package staging, apply, deploy,
// rollback, and destroy.
package integration

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	awsx "github.com/alertpipe/alertpipe/aws"
	"github.com/alertpipe/alertpipe/config"
	"github.com/alertpipe/alertpipe/engine"
	"github.com/alertpipe/alertpipe/integration/mock"
	"github.com/alertpipe/alertpipe/packager"
	"github.com/alertpipe/alertpipe/release"
	"github.com/alertpipe/alertpipe/stack"
	"github.com/alertpipe/alertpipe/state"
)

var bootstrapTargets = []string{
	"lambda_source",
	"terraform_remote_state",
	"stream_alert_output",
	"stream_alert_secrets",
	"stream_alert_secrets_alias",
}

func writeConfigFile(t *testing.T) string {
	t.Helper()
	cfg := &config.Config{
		Account: config.Account{
			AWSAccountID: "123456789012",
			Prefix:       "acme",
			KMSKeyAlias:  "stream_alert_secrets",
			Region:       "us-east-1",
		},
		Clusters: map[string]string{"corp": "us-east-1"},
		RuleProcessor: config.ProcessorConfig{
			Handler:      "stream_alert.rule_processor.main.handler",
			SourceBucket: "acme.streamalert.source",
		},
		RuleProcessorLambda: map[string]config.LambdaSettings{
			"corp": {Timeout: 10, MemorySize: 128},
		},
		AlertProcessor: config.ProcessorConfig{
			Handler:      "stream_alert.alert_processor.main.handler",
			SourceBucket: "acme.streamalert.source",
		},
		AlertProcessorLambda: map[string]config.LambdaSettings{
			"corp": {Timeout: 10, MemorySize: 128},
		},
		RemoteState: config.RemoteState{S3Key: "stream_alert_state/terraform.tfstate"},
	}

	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), config.Filename)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func writeSource(t *testing.T, processor, body string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), processor+"_processor")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.py"), []byte(body), 0644))
	return dir
}

func newDeployer(cfg *config.Config, clients *awsx.Clients, processor string) *release.Deployer {
	bucket := cfg.RuleProcessor.SourceBucket
	if processor == "alert" {
		bucket = cfg.AlertProcessor.SourceBucket
	}
	uploader := packager.NewUploader(clients.S3, bucket)
	return release.NewDeployer(clients.Lambda, uploader, cfg, &bytes.Buffer{})
}

func TestFullLifecycle(t *testing.T) {
	ctx := context.Background()

	path := writeConfigFile(t)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	clients := mock.NewClients()
	store := state.NewS3Store(clients.S3, cfg.StateBucket(), cfg.RemoteState.S3Key)
	eng := engine.New(clients, store, 4, &bytes.Buffer{})
	eng.SetPropagationWait(0)

	// Bootstrap: buckets and the secrets key come first so packages and
	// remote state have somewhere to live.
	st, err := stack.Build(cfg)
	require.NoError(t, err)
	plan, err := eng.Plan(ctx, st, bootstrapTargets)
	require.NoError(t, err)
	assert.Equal(t, len(bootstrapTargets), plan.Changes())

	_, err = eng.Apply(ctx, st, plan)
	require.NoError(t, err)

	s3Mock := clients.S3.(*mock.S3Client)
	assert.True(t, s3Mock.HasBucket("acme.streamalert.source"))
	assert.True(t, s3Mock.HasBucket("acme.streamalert.terraform.state"))
	assert.True(t, s3Mock.HasBucket("acme.streamalert.results"))

	kmsMock := clients.KMS.(*mock.KMSClient)
	keyID, ok := kmsMock.AliasTarget("alias/stream_alert_secrets")
	require.True(t, ok)
	assert.NotEmpty(t, keyID)

	// Stage both processor packages before the functions exist.
	for _, processor := range []string{"rule", "alert"} {
		dir := writeSource(t, processor, "def handler(e, c): pass\n")
		_, err := newDeployer(cfg, clients, processor).Stage(ctx, processor, dir)
		require.NoError(t, err)
	}
	assert.NotEmpty(t, cfg.RuleProcessor.SourceObjectKey)
	assert.NotEmpty(t, cfg.AlertProcessor.SourceObjectKey)

	// Full apply provisions the rest.
	st, err = stack.Build(cfg)
	require.NoError(t, err)
	plan, err = eng.Plan(ctx, st, nil)
	require.NoError(t, err)
	_, err = eng.Apply(ctx, st, plan)
	require.NoError(t, err)

	lambdaMock := clients.Lambda.(*mock.LambdaClient)
	assert.True(t, lambdaMock.HasFunction("acme_corp_streamalert_rule_processor"))
	assert.True(t, lambdaMock.HasFunction("acme_corp_streamalert_alert_processor"))
	assert.True(t, lambdaMock.HasPermission("acme_corp_streamalert_alert_processor", "production", "with_sns"))
	assert.True(t, clients.SNS.(*mock.SNSClient).HasTopic("acme_corp_streamalerts"))
	assert.Len(t, clients.SNS.(*mock.SNSClient).Subscriptions(), 1)

	// Convergence: a second plan finds nothing to do.
	plan, err = eng.Plan(ctx, st, nil)
	require.NoError(t, err)
	assert.Zero(t, plan.Changes())

	// First deploy publishes version 1 and moves the production alias.
	dir := writeSource(t, "rule", "def handler(e, c): return e\n")
	require.NoError(t, newDeployer(cfg, clients, "rule").Deploy(ctx, "rule", dir))
	version, ok := lambdaMock.AliasVersion("acme_corp_streamalert_rule_processor", "production")
	require.True(t, ok)
	assert.Equal(t, "1", version)
	assert.Equal(t, "1", cfg.Version("rule", "corp"))

	// Version 1 has nothing to roll back to.
	require.NoError(t, newDeployer(cfg, clients, "rule").Rollback(ctx, "rule"))
	assert.Equal(t, "1", cfg.Version("rule", "corp"))

	// A second deploy, then rollback returns to version 1.
	dir = writeSource(t, "rule", "def handler(e, c): return None\n")
	require.NoError(t, newDeployer(cfg, clients, "rule").Deploy(ctx, "rule", dir))
	assert.Equal(t, "2", cfg.Version("rule", "corp"))

	require.NoError(t, newDeployer(cfg, clients, "rule").Rollback(ctx, "rule"))
	version, _ = lambdaMock.AliasVersion("acme_corp_streamalert_rule_processor", "production")
	assert.Equal(t, "1", version)
	assert.Equal(t, "1", cfg.Version("rule", "corp"))

	// The recorded versions survive a config reload.
	reloaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "1", reloaded.Version("rule", "corp"))

	// Destroy tears everything down and empties the state.
	st, err = stack.Build(cfg)
	require.NoError(t, err)
	_, err = eng.Destroy(ctx, st)
	require.NoError(t, err)

	assert.False(t, lambdaMock.HasFunction("acme_corp_streamalert_rule_processor"))
	assert.False(t, s3Mock.HasBucket("acme.streamalert.results"))
	assert.True(t, kmsMock.PendingDeletion(keyID))

	recorded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, recorded.Resources)
}

func TestPartialApplyResumes(t *testing.T) {
	ctx := context.Background()

	path := writeConfigFile(t)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	cfg.RuleProcessor.SourceObjectKey = "rule_processor/abc.zip"
	cfg.AlertProcessor.SourceObjectKey = "alert_processor/def.zip"

	clients := mock.NewClients()
	store := state.NewMemoryStore()
	eng := engine.New(clients, store, 4, &bytes.Buffer{})
	eng.SetPropagationWait(0)

	st, err := stack.Build(cfg)
	require.NoError(t, err)

	// A partial apply: only the first-wave resources exist afterwards.
	plan, err := eng.Plan(ctx, st, bootstrapTargets)
	require.NoError(t, err)
	_, err = eng.Apply(ctx, st, plan)
	require.NoError(t, err)

	recorded, err := store.Load(ctx)
	require.NoError(t, err)
	partial := len(recorded.Resources)
	require.Greater(t, partial, 0)
	require.Less(t, partial, len(st.Resources()))

	// The next full apply only creates what is missing.
	plan, err = eng.Plan(ctx, st, nil)
	require.NoError(t, err)
	assert.Equal(t, len(st.Resources())-partial, plan.Changes())

	report, err := eng.Apply(ctx, st, plan)
	require.NoError(t, err)
	assert.Equal(t, int64(len(st.Resources())-partial), report.Created)
	assert.Equal(t, int64(partial), report.Unchanged)
}
