package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitia-ru/k8s-restic-pvc-backup/pkg/credentials"
	"github.com/bitia-ru/k8s-restic-pvc-backup/pkg/orchestrator"
	"github.com/bitia-ru/k8s-restic-pvc-backup/pkg/repo"
	"github.com/bitia-ru/k8s-restic-pvc-backup/pkg/restic"
	"github.com/bitia-ru/k8s-restic-pvc-backup/pkg/types"

	flag "github.com/spf13/pflag"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const version = "0.2.0"

func main() {
	var (
		dryRun       bool
		resticDryRun bool
		skipRepoInit bool
		namespace    string
		executionID  string
		timeout      int64
		secretName   string
		cleanup      bool
		image        string
		svcAccount   string
		pvcSelector  string
		kubeconfig   string
		verbose      bool
		showVersion  bool
		retention    restic.RetentionRequest
	)

	flag.BoolVar(&dryRun, "dry-run", false, "Do not perform any actions, only simulate them.")
	flag.BoolVar(&resticDryRun, "restic-dry-run", false, "Pass --dry-run through to the restic invocation.")
	flag.BoolVar(&skipRepoInit, "skip-repo-init", false, "Do not ensure that the repository has been initialized. Only use this when you know what you are doing.")
	flag.StringVarP(&namespace, "namespace", "n", "kub-vol-bak", "The namespace in which backup jobs should be run.")
	flag.StringVar(&executionID, "execution-id", time.Now().Format("2006-01-02_15-04-05"), "A unique identifier for this backup job invocation.")
	flag.Int64Var(&timeout, "volume-backup-timeout", 3600, "Maximum runtime for the backup of a single volume (in seconds).")
	flag.StringVar(&secretName, "config-secret", "backup-credentials", "Name of the Secret that contains the credentials for connecting to remote repositories.")
	flag.BoolVar(&cleanup, "cleanup", true, "Remove backup pods after the action completes.")
	flag.StringVar(&image, "image", "docker.io/restic/restic:0.16.0", "The image used for backup pods (must contain at least the restic binary).")
	flag.StringVar(&svcAccount, "service-account", "kub-vol-bak-runner", "Service account assigned to backup pods.")
	flag.StringVar(&pvcSelector, "pvc-label-selector", "", "Additional label filtering applied to find candidate PVCs.")
	flag.StringVar(&kubeconfig, "kubeconfig", "", "Path to kubeconfig (default: in-cluster or ~/.kube/config)")
	flag.BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit.")
	flag.IntVar(&retention.KeepLast, "keep-last", 0, "Keep the n most recent snapshots.")
	flag.IntVar(&retention.KeepHourly, "keep-hourly", 0, "Keep the last n hourly snapshots.")
	flag.IntVar(&retention.KeepDaily, "keep-daily", 0, "Keep the last n daily snapshots.")
	flag.IntVar(&retention.KeepWeekly, "keep-weekly", 0, "Keep the last n weekly snapshots.")
	flag.IntVar(&retention.KeepMonthly, "keep-monthly", 0, "Keep the last n monthly snapshots.")
	flag.IntVar(&retention.KeepYearly, "keep-yearly", 0, "Keep the last n yearly snapshots.")
	flag.StringVar(&retention.KeepWithin, "keep-within", "", "Keep snapshots newer than the given duration (e.g. 2y5m7d).")
	flag.Parse()

	if showVersion {
		fmt.Printf("k8s-restic-backup (version %s)\n", version)
		return
	}

	action := "backup"
	if args := flag.Args(); len(args) > 0 {
		action = args[0]
	}

	if err := validateRetention(retention); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cfg := &types.Config{
		Namespace:        namespace,
		SecretName:       secretName,
		Image:            image,
		ServiceAccount:   svcAccount,
		ExecutionID:      executionID,
		TimeoutSeconds:   timeout,
		DryRun:           dryRun,
		ResticDryRun:     resticDryRun,
		SkipRepoInit:     skipRepoInit,
		Cleanup:          cleanup,
		PVCLabelSelector: pvcSelector,
		Verbose:          verbose,
	}
	retention.DryRun = resticDryRun

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client, err := buildClient(kubeconfig)
	if err != nil {
		log.Fatalf("Failed to create Kubernetes client: %v", err)
	}

	if err := run(ctx, client, cfg, action, retention); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run(ctx context.Context, client kubernetes.Interface, cfg *types.Config, action string, retention restic.RetentionRequest) error {
	if cfg.DryRun {
		fmt.Println("RUNNING ALL OPERATIONS IN DRY-RUN MODE")
	}

	// The credential secret must exist even in dry-run mode: without it no
	// pod could ever reach the repository.
	env, err := credentials.LoadEnv(ctx, client, cfg.Namespace, cfg.SecretName)
	if err != nil {
		return err
	}

	if cfg.SkipRepoInit {
		fmt.Println("Warning: skipping repository initialization")
	} else {
		if err := repo.ProbeS3(ctx, env, cfg.Verbose); err != nil {
			return err
		}
		init := repo.NewInitializer(env, cfg.DryRun, cfg.Verbose)
		if err := init.EnsureInitialized(ctx); err != nil {
			return err
		}
	}

	orch := orchestrator.New(client, cfg)

	switch action {
	case "backup":
		err = orch.RunBackup(ctx)
	case "forget":
		err = orch.RunForget(ctx, retention)
	case "prune":
		err = orch.RunPrune(ctx, restic.PruneRequest{DryRun: cfg.ResticDryRun})
	default:
		return fmt.Errorf("unsupported action %q", action)
	}
	if err != nil {
		return err
	}

	if cfg.Cleanup && !cfg.DryRun {
		return orch.Cleanup(ctx)
	}
	return nil
}

// validateRetention rejects negative keep counts outright; zero means "do not
// constrain this period" and is allowed.
func validateRetention(r restic.RetentionRequest) error {
	counts := map[string]int{
		"keep-last":    r.KeepLast,
		"keep-hourly":  r.KeepHourly,
		"keep-daily":   r.KeepDaily,
		"keep-weekly":  r.KeepWeekly,
		"keep-monthly": r.KeepMonthly,
		"keep-yearly":  r.KeepYearly,
	}
	for name, v := range counts {
		if v < 0 {
			return fmt.Errorf("--%s must not be negative (got %d)", name, v)
		}
	}
	return nil
}

func buildClient(kubeconfig string) (kubernetes.Interface, error) {
	var config *rest.Config
	var err error

	if kubeconfig != "" {
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		// Try in-cluster first
		config, err = rest.InClusterConfig()
		if err != nil {
			// Fall back to default kubeconfig
			loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
			configOverrides := &clientcmd.ConfigOverrides{}
			config, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, configOverrides).ClientConfig()
		}
	}
	if err != nil {
		return nil, err
	}

	return kubernetes.NewForConfig(config)
}
