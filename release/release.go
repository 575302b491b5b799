// Package release handles the Lambda-side lifecycle the stack declarations
// leave open: pushing a new deployment package, publishing a version, moving
// the production alias, and rolling the alias back one version.
package release

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"

	awsx "github.com/alertpipe/alertpipe/aws"
	"github.com/alertpipe/alertpipe/config"
	"github.com/alertpipe/alertpipe/packager"
	"github.com/alertpipe/alertpipe/stack"
)

// productionAlias is the alias every deploy and rollback moves.
const productionAlias = "production"

// Deployer publishes new processor versions across all clusters.
type Deployer struct {
	lambda   awsx.LambdaClient
	uploader *packager.Uploader
	cfg      *config.Config
	out      io.Writer
}

// NewDeployer creates a Deployer. The uploader must target the configured
// Lambda source bucket.
func NewDeployer(lambdaClient awsx.LambdaClient, uploader *packager.Uploader, cfg *config.Config, out io.Writer) *Deployer {
	return &Deployer{lambda: lambdaClient, uploader: uploader, cfg: cfg, out: out}
}

// Deploy builds and uploads the package for one processor ("rule" or
// "alert"), then for every cluster updates the function code, publishes a
// version, and points the production alias at it. Published versions are
// written back to the configuration so the stack declarations and the next
// rollback see them.
func (d *Deployer) Deploy(ctx context.Context, processor, sourceDir string) error {
	pkg, err := d.Stage(ctx, processor, sourceDir)
	if err != nil {
		return err
	}

	proc := d.processorConfig(processor)
	for _, cluster := range sortedClusters(d.cfg) {
		version, err := d.publishCluster(ctx, processor, cluster, proc, pkg)
		if err != nil {
			return fmt.Errorf("cluster %s: %w", cluster, err)
		}
		d.cfg.SetVersion(processor, cluster, version)
		fmt.Fprintf(d.out, "Published %s processor version %s in cluster %s\n",
			processor, version, cluster)
	}

	return d.cfg.Write()
}

// Stage builds and uploads the package for one processor and records the
// object key and hash in the configuration, without touching any function.
// init uses it to put packages in place before the functions exist.
func (d *Deployer) Stage(ctx context.Context, processor, sourceDir string) (packager.Package, error) {
	if processor != "rule" && processor != "alert" {
		return packager.Package{}, fmt.Errorf("unknown processor %q (want rule or alert)", processor)
	}

	pkg, err := d.uploader.CreateAndUpload(ctx, processor+"_processor", sourceDir)
	if err != nil {
		return packager.Package{}, fmt.Errorf("packaging %s processor: %w", processor, err)
	}
	fmt.Fprintf(d.out, "Uploaded %s processor package (%d bytes) as %s\n",
		processor, pkg.SizeBytes, pkg.Key)

	proc := d.processorConfig(processor)
	proc.SourceObjectKey = pkg.Key
	proc.SourceCurrentHash = pkg.Hash
	if err := d.cfg.Write(); err != nil {
		return packager.Package{}, err
	}
	return pkg, nil
}

func (d *Deployer) publishCluster(ctx context.Context, processor, cluster string, proc *config.ProcessorConfig, pkg packager.Package) (string, error) {
	functionName := stack.FunctionName(d.cfg.Account.Prefix, cluster, processor)

	if _, err := d.lambda.UpdateFunctionCode(ctx, &lambda.UpdateFunctionCodeInput{
		FunctionName: aws.String(functionName),
		S3Bucket:     aws.String(proc.SourceBucket),
		S3Key:        aws.String(pkg.Key),
	}); err != nil {
		return "", fmt.Errorf("UpdateFunctionCode: %w", err)
	}

	waiter := lambda.NewFunctionUpdatedV2Waiter(d.lambda)
	if err := waiter.Wait(ctx, &lambda.GetFunctionInput{
		FunctionName: aws.String(functionName),
	}, 2*time.Minute); err != nil {
		return "", fmt.Errorf("waiting for code update: %w", err)
	}

	// CodeSha256 makes the publish conditional on the code we just pushed,
	// so a concurrent deploy cannot slip its package under our version.
	published, err := d.lambda.PublishVersion(ctx, &lambda.PublishVersionInput{
		FunctionName: aws.String(functionName),
		CodeSha256:   aws.String(pkg.Hash),
	})
	if err != nil {
		return "", fmt.Errorf("PublishVersion: %w", err)
	}
	version := aws.ToString(published.Version)

	if err := d.pointAlias(ctx, functionName, version); err != nil {
		return "", err
	}
	return version, nil
}

func (d *Deployer) pointAlias(ctx context.Context, functionName, version string) error {
	_, err := d.lambda.UpdateAlias(ctx, &lambda.UpdateAliasInput{
		FunctionName:    aws.String(functionName),
		Name:            aws.String(productionAlias),
		FunctionVersion: aws.String(version),
	})
	if err == nil {
		return nil
	}
	if !awsx.IsNotFound(err) {
		return fmt.Errorf("UpdateAlias: %w", err)
	}
	// First deploy in a fresh cluster: the alias does not exist yet.
	if _, cerr := d.lambda.CreateAlias(ctx, &lambda.CreateAliasInput{
		FunctionName:    aws.String(functionName),
		Name:            aws.String(productionAlias),
		FunctionVersion: aws.String(version),
	}); cerr != nil {
		return fmt.Errorf("CreateAlias: %w", cerr)
	}
	return nil
}

// Rollback moves the production alias of one processor back one published
// version in every cluster. Clusters still on $LATEST are ignored, and
// version 1 has nothing earlier to roll back to.
func (d *Deployer) Rollback(ctx context.Context, processor string) error {
	if processor != "rule" && processor != "alert" {
		return fmt.Errorf("unknown processor %q (want rule or alert)", processor)
	}

	changed := false
	for _, cluster := range sortedClusters(d.cfg) {
		current := d.cfg.Version(processor, cluster)
		if current == config.LatestVersion {
			continue
		}
		n, err := strconv.Atoi(current)
		if err != nil {
			return fmt.Errorf("cluster %s: recorded version %q is not a number", cluster, current)
		}
		if n <= 1 {
			continue
		}

		previous := strconv.Itoa(n - 1)
		functionName := stack.FunctionName(d.cfg.Account.Prefix, cluster, processor)
		if _, err := d.lambda.UpdateAlias(ctx, &lambda.UpdateAliasInput{
			FunctionName:    aws.String(functionName),
			Name:            aws.String(productionAlias),
			FunctionVersion: aws.String(previous),
		}); err != nil {
			return fmt.Errorf("cluster %s: UpdateAlias: %w", cluster, err)
		}

		d.cfg.SetVersion(processor, cluster, previous)
		changed = true
		fmt.Fprintf(d.out, "Rolled back %s processor to version %s in cluster %s\n",
			processor, previous, cluster)
	}

	if !changed {
		fmt.Fprintf(d.out, "Nothing to roll back for %s processor\n", processor)
		return nil
	}
	return d.cfg.Write()
}

func (d *Deployer) processorConfig(processor string) *config.ProcessorConfig {
	if processor == "rule" {
		return &d.cfg.RuleProcessor
	}
	return &d.cfg.AlertProcessor
}

func sortedClusters(cfg *config.Config) []string {
	clusters := make([]string, 0, len(cfg.Clusters))
	for cluster := range cfg.Clusters {
		clusters = append(clusters, cluster)
	}
	sort.Strings(clusters)
	return clusters
}
