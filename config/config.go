// Package config loads, validates, and writes back the variables.json file
// that drives every CLI operation. Two schema generations exist in the wild;
// the old flat layout is upgraded to the current nested one on load.
package config

import (
	"fmt"
	"os"
	"strconv"

	json "github.com/goccy/go-json"
)

// Filename is the default configuration file name, looked up in the
// working directory.
const Filename = "variables.json"

// LatestVersion is the sentinel for an unpublished Lambda version.
const LatestVersion = "$LATEST"

// Account holds the AWS account settings shared by all clusters.
type Account struct {
	AWSAccountID string `json:"aws_account_id"`
	Prefix       string `json:"prefix"`
	KMSKeyAlias  string `json:"kms_key_alias"`
	Region       string `json:"region"`
}

// LambdaSettings holds the per-cluster function sizing.
type LambdaSettings struct {
	Timeout    int32 `json:"timeout"`
	MemorySize int32 `json:"memory"`
}

// ProcessorConfig holds the deployment package settings for one processor.
type ProcessorConfig struct {
	Handler             string   `json:"handler"`
	SourceBucket        string   `json:"source_bucket"`
	SourceObjectKey     string   `json:"source_object_key"`
	SourceCurrentHash   string   `json:"source_current_hash"`
	ThirdPartyLibraries []string `json:"third_party_libraries"`
	OutputS3BucketARNs  []string `json:"output_s3_bucket_arns,omitempty"`
}

// RemoteState holds the S3 remote state settings. The bucket name is derived
// from the account prefix; only the object key is configurable.
type RemoteState struct {
	S3Key string `json:"s3_key"`
}

// Config is the in-memory form of variables.json.
type Config struct {
	Account  Account           `json:"account"`
	Clusters map[string]string `json:"clusters"`

	RuleProcessor         ProcessorConfig           `json:"rule_processor_config"`
	RuleProcessorLambda   map[string]LambdaSettings `json:"rule_processor_lambda_config"`
	RuleProcessorVersions map[string]string         `json:"rule_processor_versions"`

	AlertProcessor         ProcessorConfig           `json:"alert_processor_config"`
	AlertProcessorLambda   map[string]LambdaSettings `json:"alert_processor_lambda_config"`
	AlertProcessorVersions map[string]string         `json:"alert_processor_versions"`

	RemoteState RemoteState `json:"remote_state"`

	path string
}

// Load reads and parses the configuration file at path. A file in the old
// flat schema is converted to the current layout; callers that want the
// upgrade persisted should follow with Write.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file %s not found", path)
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%s is not valid JSON: %w", path, err)
	}

	var cfg Config
	if _, flat := raw["account_id"]; flat {
		upgraded, err := upgradeV1(raw)
		if err != nil {
			return nil, fmt.Errorf("upgrading legacy config: %w", err)
		}
		cfg = *upgraded
	} else {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	cfg.path = path
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Write persists the current configuration back to the file it was loaded
// from, pretty-printed so diffs stay reviewable.
func (c *Config) Write() error {
	out, err := json.MarshalIndent(c, "", "    ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	out = append(out, '\n')
	if err := os.WriteFile(c.path, out, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", c.path, err)
	}
	return nil
}

// Path returns the file the configuration was loaded from.
func (c *Config) Path() string {
	return c.path
}

// Validate checks the invariants the provisioners rely on. Lambda sizing
// limits mirror what the service accepts so a bad value fails here instead
// of halfway through an apply.
func (c *Config) Validate() error {
	if c.Account.AWSAccountID == "" {
		return fmt.Errorf("account.aws_account_id is required")
	}
	if c.Account.Prefix == "" {
		return fmt.Errorf("account.prefix is required")
	}
	if c.Account.Region == "" {
		return fmt.Errorf("account.region is required")
	}
	if c.Account.KMSKeyAlias == "" {
		return fmt.Errorf("account.kms_key_alias is required")
	}

	if len(c.Clusters) == 0 {
		return fmt.Errorf("at least one cluster is required")
	}
	for name, region := range c.Clusters {
		// "main" collides with the shared infrastructure namespace.
		if name == "main" {
			return fmt.Errorf("invalid cluster name %q: rename cluster main to something else", name)
		}
		if region == "" {
			return fmt.Errorf("cluster %q has no region", name)
		}
	}

	for _, p := range []struct {
		name     string
		cfg      ProcessorConfig
		settings map[string]LambdaSettings
		versions map[string]string
	}{
		{"rule_processor", c.RuleProcessor, c.RuleProcessorLambda, c.RuleProcessorVersions},
		{"alert_processor", c.AlertProcessor, c.AlertProcessorLambda, c.AlertProcessorVersions},
	} {
		if p.cfg.Handler == "" {
			return fmt.Errorf("%s_config.handler is required", p.name)
		}
		if p.cfg.SourceBucket == "" {
			return fmt.Errorf("%s_config.source_bucket is required", p.name)
		}
		for cluster := range c.Clusters {
			s, ok := p.settings[cluster]
			if !ok {
				return fmt.Errorf("%s_lambda_config missing cluster %q", p.name, cluster)
			}
			if err := validateLambdaSettings(s); err != nil {
				return fmt.Errorf("%s_lambda_config[%s]: %w", p.name, cluster, err)
			}
			if v, ok := p.versions[cluster]; ok {
				if err := validateVersion(v); err != nil {
					return fmt.Errorf("%s_versions[%s]: %w", p.name, cluster, err)
				}
			}
		}
	}

	return nil
}

func validateLambdaSettings(s LambdaSettings) error {
	if s.Timeout < 1 || s.Timeout > 900 {
		return fmt.Errorf("timeout %d out of range (1-900)", s.Timeout)
	}
	if s.MemorySize < 128 || s.MemorySize > 3008 || s.MemorySize%64 != 0 {
		return fmt.Errorf("memory %d is not a supported value (128-3008 in multiples of 64)", s.MemorySize)
	}
	return nil
}

func validateVersion(v string) error {
	if v == LatestVersion {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return fmt.Errorf("version %q must be %s or a positive integer", v, LatestVersion)
	}
	return nil
}

// Version returns the production version recorded for a processor in a
// cluster, defaulting to $LATEST when none has been published yet.
func (c *Config) Version(processor, cluster string) string {
	var versions map[string]string
	switch processor {
	case "rule":
		versions = c.RuleProcessorVersions
	case "alert":
		versions = c.AlertProcessorVersions
	}
	if v, ok := versions[cluster]; ok && v != "" {
		return v
	}
	return LatestVersion
}

// SetVersion records the production version for a processor in a cluster.
func (c *Config) SetVersion(processor, cluster, version string) {
	switch processor {
	case "rule":
		if c.RuleProcessorVersions == nil {
			c.RuleProcessorVersions = make(map[string]string)
		}
		c.RuleProcessorVersions[cluster] = version
	case "alert":
		if c.AlertProcessorVersions == nil {
			c.AlertProcessorVersions = make(map[string]string)
		}
		c.AlertProcessorVersions[cluster] = version
	}
}

// StateBucket returns the bucket holding the remote provisioning state.
func (c *Config) StateBucket() string {
	return c.Account.Prefix + ".streamalert.terraform.state"
}

// OutputBucket returns the bucket alert outputs are written to.
func (c *Config) OutputBucket() string {
	return c.Account.Prefix + ".streamalert.results"
}

// upgradeV1 converts the legacy flat schema to the current nested layout.
// The alert processor did not exist as a separate config block in the old
// schema, so its settings start from service defaults.
func upgradeV1(raw map[string]json.RawMessage) (*Config, error) {
	var flat struct {
		AccountID             string              `json:"account_id"`
		Prefix                string              `json:"prefix"`
		Region                string              `json:"region"`
		KMSKeyAlias           string              `json:"kms_key_alias"`
		Clusters              map[string]string   `json:"clusters"`
		LambdaHandler         string              `json:"lambda_handler"`
		LambdaSettings        map[string][2]int32 `json:"lambda_settings"`
		LambdaProdVersions    map[string]string   `json:"lambda_function_prod_versions"`
		LambdaSourceBucket    string              `json:"lambda_source_bucket_name"`
		LambdaSourceHash      string              `json:"lambda_source_current_hash"`
		LambdaSourceKey       string              `json:"lambda_source_key"`
		OutputLambdaHash      string              `json:"output_lambda_current_hash"`
		OutputLambdaSourceKey string              `json:"output_lambda_source_key"`
		TfstateS3Key          string              `json:"tfstate_s3_key"`
		ThirdPartyLibs        []string            `json:"third_party_libs"`
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &flat); err != nil {
		return nil, err
	}

	cfg := &Config{
		Account: Account{
			AWSAccountID: flat.AccountID,
			Prefix:       flat.Prefix,
			KMSKeyAlias:  flat.KMSKeyAlias,
			Region:       flat.Region,
		},
		Clusters: flat.Clusters,
		RuleProcessor: ProcessorConfig{
			Handler:             flat.LambdaHandler,
			SourceBucket:        flat.LambdaSourceBucket,
			SourceObjectKey:     flat.LambdaSourceKey,
			SourceCurrentHash:   flat.LambdaSourceHash,
			ThirdPartyLibraries: flat.ThirdPartyLibs,
		},
		RuleProcessorLambda:   make(map[string]LambdaSettings),
		RuleProcessorVersions: flat.LambdaProdVersions,
		AlertProcessor: ProcessorConfig{
			Handler:             "stream_alert.alert_processor.main.handler",
			ThirdPartyLibraries: []string{},
			SourceBucket:        flat.LambdaSourceBucket,
			SourceObjectKey:     flat.OutputLambdaSourceKey,
			SourceCurrentHash:   flat.OutputLambdaHash,
		},
		AlertProcessorLambda:   make(map[string]LambdaSettings),
		AlertProcessorVersions: make(map[string]string),
		RemoteState:            RemoteState{S3Key: flat.TfstateS3Key},
	}

	for cluster, s := range flat.LambdaSettings {
		cfg.RuleProcessorLambda[cluster] = LambdaSettings{Timeout: s[0], MemorySize: s[1]}
	}
	for cluster := range flat.Clusters {
		cfg.AlertProcessorLambda[cluster] = LambdaSettings{Timeout: 10, MemorySize: 128}
		cfg.AlertProcessorVersions[cluster] = LatestVersion
	}
	if cfg.RuleProcessorVersions == nil {
		cfg.RuleProcessorVersions = make(map[string]string)
	}

	return cfg, nil
}
