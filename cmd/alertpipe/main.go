// Command alertpipe manages the StreamAlert processing infrastructure: the
// rule and alert processor Lambda pair, their production aliases, the SNS
// wiring, and the supporting buckets and secrets key.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	awsx "github.com/alertpipe/alertpipe/aws"
	"github.com/alertpipe/alertpipe/config"
	"github.com/alertpipe/alertpipe/engine"
	"github.com/alertpipe/alertpipe/packager"
	"github.com/alertpipe/alertpipe/release"
	"github.com/alertpipe/alertpipe/stack"
	"github.com/alertpipe/alertpipe/state"
)

// localStateFile is used when no remote state key is configured.
const localStateFile = "alertpipe.state.json"

// bootstrapTargets are the resources init builds before anything else: the
// buckets and the secrets key have to exist before packages can be staged
// and remote state written.
var bootstrapTargets = []string{
	"lambda_source",
	"terraform_remote_state",
	"stream_alert_output",
	"stream_alert_secrets",
	"stream_alert_secrets_alias",
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type app struct {
	configPath  string
	workers     int
	autoApprove bool
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "alertpipe",
		Short:         "Provision and deploy the StreamAlert processing infrastructure",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", config.Filename, "path to the configuration file")
	root.PersistentFlags().IntVar(&a.workers, "workers", 4, "concurrent resource operations per dependency wave")

	root.AddCommand(
		a.newInitCmd(),
		a.newPlanCmd(),
		a.newApplyCmd(),
		a.newDestroyCmd(),
		a.newStatusCmd(),
		a.newDeployCmd(),
		a.newRollbackCmd(),
		a.newGraphCmd(),
	)
	return root
}

// setup loads the configuration, constructs the AWS clients, and selects
// the state backend.
func (a *app) setup(ctx context.Context) (*config.Config, *awsx.Clients, state.Store, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	clients, err := awsx.New(ctx, cfg.Account.Region)
	if err != nil {
		return nil, nil, nil, err
	}

	var store state.Store
	if cfg.RemoteState.S3Key != "" {
		store = state.NewS3Store(clients.S3, cfg.StateBucket(), cfg.RemoteState.S3Key)
	} else {
		fileStore, err := state.NewFileStore(localStateFile)
		if err != nil {
			return nil, nil, nil, err
		}
		store = fileStore
	}

	return cfg, clients, store, nil
}

func (a *app) newPlanCmd() *cobra.Command {
	var targets []string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show what apply would change",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, clients, store, err := a.setup(ctx)
			if err != nil {
				return err
			}
			st, err := stack.Build(cfg)
			if err != nil {
				return err
			}
			eng := engine.New(clients, store, a.workers, cmd.OutOrStdout())
			plan, err := eng.Plan(ctx, st, targets)
			if err != nil {
				return err
			}
			plan.Write(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&targets, "target", nil, "limit to the named resources and their references")
	return cmd
}

func (a *app) newApplyCmd() *cobra.Command {
	var targets []string
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Provision the declared infrastructure",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, clients, store, err := a.setup(ctx)
			if err != nil {
				return err
			}
			st, err := stack.Build(cfg)
			if err != nil {
				return err
			}
			eng := engine.New(clients, store, a.workers, cmd.OutOrStdout())
			return a.applyStack(ctx, cmd, eng, st, targets)
		},
	}
	cmd.Flags().StringSliceVar(&targets, "target", nil, "limit to the named resources and their references")
	cmd.Flags().BoolVar(&a.autoApprove, "auto-approve", false, "skip the confirmation prompt")
	return cmd
}

func (a *app) applyStack(ctx context.Context, cmd *cobra.Command, eng *engine.Engine, st *stack.Stack, targets []string) error {
	plan, err := eng.Plan(ctx, st, targets)
	if err != nil {
		return err
	}
	plan.Write(cmd.OutOrStdout())
	if plan.Changes() == 0 {
		return nil
	}
	if !a.autoApprove && !continuePrompt(cmd) {
		fmt.Fprintln(cmd.OutOrStdout(), "Apply cancelled")
		return nil
	}
	_, err = eng.Apply(ctx, st, plan)
	return err
}

func (a *app) newDestroyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Remove all recorded infrastructure",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, clients, store, err := a.setup(ctx)
			if err != nil {
				return err
			}
			st, err := stack.Build(cfg)
			if err != nil {
				return err
			}
			if !a.autoApprove && !continuePrompt(cmd) {
				fmt.Fprintln(cmd.OutOrStdout(), "Destroy cancelled")
				return nil
			}
			eng := engine.New(clients, store, a.workers, cmd.OutOrStdout())
			_, err = eng.Destroy(ctx, st)
			return err
		},
	}
	cmd.Flags().BoolVar(&a.autoApprove, "auto-approve", false, "skip the confirmation prompt")
	return cmd
}

func (a *app) newInitCmd() *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Bootstrap the infrastructure from a blank account",
		Long: "Builds the source, state, and output buckets plus the secrets key, " +
			"stages both processor packages, then provisions everything else.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, clients, store, err := a.setup(ctx)
			if err != nil {
				return err
			}
			st, err := stack.Build(cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			eng := engine.New(clients, store, a.workers, out)

			fmt.Fprintln(out, "Building initial infrastructure")
			if err := a.applyStack(ctx, cmd, eng, st, bootstrapTargets); err != nil {
				return err
			}

			fmt.Fprintln(out, "Staging processor packages")
			for _, processor := range []string{"rule", "alert"} {
				deployer := a.newDeployer(clients, cfg, processor, out)
				if _, err := deployer.Stage(ctx, processor, processorSourceDir(source, processor)); err != nil {
					return err
				}
			}

			// Rebuild: staging wrote new package keys into the config.
			st, err = stack.Build(cfg)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, "Building remainder infrastructure")
			return a.applyStack(ctx, cmd, eng, st, nil)
		},
	}
	cmd.Flags().StringVar(&source, "source", "stream_alert", "directory containing the processor source trees")
	cmd.Flags().BoolVar(&a.autoApprove, "auto-approve", false, "skip the confirmation prompts")
	return cmd
}

func (a *app) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize the declared infrastructure",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, _, store, err := a.setup(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "Cluster Info\n\n")
			for _, cluster := range sortedKeys(cfg.Clusters) {
				fmt.Fprintf(out, "==== %s ====\n", cluster)
				fmt.Fprintf(out, "Region: %s\n", cfg.Clusters[cluster])
				rule := cfg.RuleProcessorLambda[cluster]
				alert := cfg.AlertProcessorLambda[cluster]
				fmt.Fprintf(out, "Rule processor:  timeout %ds, memory %dMB, production version %s\n",
					rule.Timeout, rule.MemorySize, cfg.Version("rule", cluster))
				fmt.Fprintf(out, "Alert processor: timeout %ds, memory %dMB, production version %s\n",
					alert.Timeout, alert.MemorySize, cfg.Version("alert", cluster))
				fmt.Fprintln(out)
			}

			recorded, err := store.Load(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "State: %d resources recorded (serial %d)\n",
				len(recorded.Resources), recorded.Serial)
			return nil
		},
	}
}

func (a *app) newDeployCmd() *cobra.Command {
	var processor, source string
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Publish new processor versions and move the production aliases",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, clients, _, err := a.setup(ctx)
			if err != nil {
				return err
			}
			for _, proc := range expandProcessors(processor) {
				deployer := a.newDeployer(clients, cfg, proc, cmd.OutOrStdout())
				if err := deployer.Deploy(ctx, proc, processorSourceDir(source, proc)); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&processor, "processor", "all", "processor to deploy: rule, alert, or all")
	cmd.Flags().StringVar(&source, "source", "stream_alert", "directory containing the processor source trees")
	return cmd
}

func (a *app) newRollbackCmd() *cobra.Command {
	var processor string
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Move the production aliases back one published version",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, clients, _, err := a.setup(ctx)
			if err != nil {
				return err
			}
			for _, proc := range expandProcessors(processor) {
				deployer := a.newDeployer(clients, cfg, proc, cmd.OutOrStdout())
				if err := deployer.Rollback(ctx, proc); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&processor, "processor", "all", "processor to roll back: rule, alert, or all")
	return cmd
}

func (a *app) newGraphCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "graph",
		Short: "Print the resource dependency graph in DOT format",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			st, err := stack.Build(cfg)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), st.Graph().String())
			return nil
		},
	}
}

func (a *app) newDeployer(clients *awsx.Clients, cfg *config.Config, processor string, out io.Writer) *release.Deployer {
	bucket := cfg.RuleProcessor.SourceBucket
	if processor == "alert" {
		bucket = cfg.AlertProcessor.SourceBucket
	}
	uploader := packager.NewUploader(clients.S3, bucket)
	return release.NewDeployer(clients.Lambda, uploader, cfg, out)
}

// continuePrompt asks for an explicit yes or no before changing anything,
// re-asking on any other input.
func continuePrompt(cmd *cobra.Command) bool {
	reader := bufio.NewReader(cmd.InOrStdin())
	for {
		fmt.Fprint(cmd.OutOrStdout(), "\nWould you like to continue? (yes or no): ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return false
		}
		switch strings.TrimSpace(line) {
		case "yes":
			return true
		case "no":
			return false
		}
	}
}

func expandProcessors(processor string) []string {
	if processor == "all" {
		return []string{"rule", "alert"}
	}
	return []string{processor}
}

func processorSourceDir(base, processor string) string {
	return filepath.Join(base, processor+"_processor")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
