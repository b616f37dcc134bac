package types

import "time"

// Strategy describes how a PVC's data can be exposed to a backup pod.
type Strategy string

const (
	// StrategyLocal means the bound PV declares a "local" path on a specific node.
	StrategyLocal Strategy = "local"
	// StrategyHostPath means the bound PV declares a hostPath on a specific node.
	StrategyHostPath Strategy = "hostPath"
	// StrategyMountedByPod means the volume is reached through the kubelet mount
	// directory of a running pod that references the claim.
	StrategyMountedByPod Strategy = "mountedByPod"
)

// VolumeTarget identifies one unit of backup work: a claim, its bound volume,
// and the resolved access path. Immutable once resolved.
type VolumeTarget struct {
	Namespace string
	ClaimName string
	PVName    string
	Strategy  Strategy
	NodeName  string
	Path      string
}

// JobOutcome is the terminal result of a single backup/forget/prune pod.
// Produced once per job and read-only thereafter.
type JobOutcome struct {
	PodName   string
	Phase     string // corev1.PodPhase as a string; empty when simulated
	Duration  time.Duration
	Lines     []string // log lines in the order they were streamed
	Simulated bool
}

// Succeeded reports whether the pod reached the Succeeded phase.
func (o JobOutcome) Succeeded() bool {
	return o.Phase == "Succeeded"
}

// Config carries all invocation-level settings. It is built once from CLI
// flags in main and passed by reference; no component reads ambient globals.
type Config struct {
	// Namespace is where backup pods are created (not where PVCs live).
	Namespace string
	// SecretName names the Secret holding restic repository credentials.
	SecretName string
	// Image is the container image for backup pods (must contain restic).
	Image string
	// ServiceAccount assigned to every backup pod.
	ServiceAccount string
	// ExecutionID uniquely identifies this invocation; stamped on every pod as
	// a label so the cleanup pass can find them later.
	ExecutionID string
	// TimeoutSeconds bounds the runtime of a single pod (activeDeadlineSeconds).
	TimeoutSeconds int64
	// DryRun simulates: no pods are created, no annotations written.
	DryRun bool
	// ResticDryRun passes --dry-run through to the restic invocation.
	ResticDryRun bool
	// SkipRepoInit disables the repository initialization probe.
	SkipRepoInit bool
	// Cleanup deletes this execution's pods after the action completes.
	Cleanup bool
	// PVCLabelSelector optionally narrows which PVCs are considered.
	PVCLabelSelector string
	// Verbose enables component-level debug logging.
	Verbose bool
}
