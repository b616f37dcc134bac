// Package repo probes and initializes the restic repository before any
// backup pods are launched.
package repo

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sort"
)

// CommandExecutor runs a command with an extra environment. Injectable so
// tests can observe invocations without a restic binary.
type CommandExecutor interface {
	Run(ctx context.Context, env []string, name string, args ...string) ([]byte, error)
}

// execExecutor executes commands via os/exec with the process environment
// extended by the repository credentials.
type execExecutor struct{}

func (execExecutor) Run(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	return cmd.CombinedOutput()
}

// Initializer ensures the restic repository exists. It runs restic locally
// with the credential environment: a successful "snapshots" listing means the
// repository is already initialized, anything else triggers "init".
type Initializer struct {
	env      map[string]string
	dryRun   bool
	verbose  bool
	executor CommandExecutor
}

func NewInitializer(env map[string]string, dryRun, verbose bool) *Initializer {
	return &Initializer{env: env, dryRun: dryRun, verbose: verbose, executor: execExecutor{}}
}

// NewInitializerWithExecutor is like NewInitializer with a custom executor.
func NewInitializerWithExecutor(env map[string]string, dryRun, verbose bool, executor CommandExecutor) *Initializer {
	return &Initializer{env: env, dryRun: dryRun, verbose: verbose, executor: executor}
}

// EnsureInitialized probes the repository and initializes it when the probe
// fails. The init call is suppressed in dry-run mode.
func (i *Initializer) EnsureInitialized(ctx context.Context) error {
	fmt.Println("Ensuring repository backend is initialized")

	env := i.envSlice()
	output, err := i.executor.Run(ctx, env, "restic", "snapshots", "--no-cache")
	if err == nil {
		fmt.Println("Repository already initialized")
		return nil
	}
	i.logf("snapshots probe failed: %v: %s", err, output)

	fmt.Println("Repository needs to be initialized")
	if i.dryRun {
		return nil
	}

	output, err = i.executor.Run(ctx, env, "restic", "init", "--no-cache")
	if err != nil {
		return fmt.Errorf("initializing repository: %w: %s", err, output)
	}
	return nil
}

// envSlice renders the credential map as KEY=VALUE pairs in a deterministic
// order.
func (i *Initializer) envSlice() []string {
	env := make([]string, 0, len(i.env))
	for k, v := range i.env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

func (i *Initializer) logf(format string, args ...interface{}) {
	if i.verbose {
		log.Printf("[repo] "+format, args...)
	}
}
