// Package orchestrator drives the per-PVC backup loop and the repository-wide
// maintenance operations. Targets are processed strictly one at a time; a
// failure on one PVC is logged and never aborts the remaining ones. Only
// configuration-level problems bubble up as errors.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/bitia-ru/k8s-restic-pvc-backup/pkg/podspec"
	"github.com/bitia-ru/k8s-restic-pvc-backup/pkg/resolver"
	"github.com/bitia-ru/k8s-restic-pvc-backup/pkg/restic"
	"github.com/bitia-ru/k8s-restic-pvc-backup/pkg/runner"
	"github.com/bitia-ru/k8s-restic-pvc-backup/pkg/types"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
)

const (
	// AnnotationExcludes holds a JSON list of glob patterns passed to restic
	// as --exclude flags.
	AnnotationExcludes = "backup-excludes"
	// AnnotationLastBackup records the RFC3339 timestamp of the last
	// successful backup. Written only on success, never in dry-run mode.
	AnnotationLastBackup = "last-successful-backup-timestamp"
)

// Orchestrator wires the resolver, command builders and runner together.
type Orchestrator struct {
	client   kubernetes.Interface
	cfg      *types.Config
	resolver *resolver.Resolver
	runner   *runner.Runner
}

func New(client kubernetes.Interface, cfg *types.Config) *Orchestrator {
	return &Orchestrator{
		client:   client,
		cfg:      cfg,
		resolver: resolver.New(client, cfg.Verbose),
		runner:   runner.New(client, cfg.DryRun, cfg.Verbose),
	}
}

// RunBackup backs up every matching PVC in the cluster, one at a time. Each
// PVC is independent: resolution or job failures are reported and the loop
// moves on.
func (o *Orchestrator) RunBackup(ctx context.Context) error {
	pvcs, err := o.listPVCs(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Found %d candidate PVC(s)\n", len(pvcs))

	for i := range pvcs {
		o.backupOne(ctx, &pvcs[i])
	}
	return nil
}

func (o *Orchestrator) backupOne(ctx context.Context, pvc *corev1.PersistentVolumeClaim) {
	target, err := o.resolver.Resolve(ctx, pvc)
	if errors.Is(err, resolver.ErrSkippedByAnnotation) {
		fmt.Printf("Ignoring PVC %s/%s due to annotation '%s=false'\n",
			pvc.Namespace, pvc.Name, resolver.AnnotationBackupEnabled)
		return
	}
	if err != nil {
		log.Printf("ERROR: PVC %s/%s: %v", pvc.Namespace, pvc.Name, err)
		return
	}

	excludes, err := parseExcludes(pvc)
	if err != nil {
		log.Printf("ERROR: PVC %s/%s: %v", pvc.Namespace, pvc.Name, err)
		return
	}

	fmt.Printf("Backing up PVC %s/%s with '%s' strategy\n", target.Namespace, target.ClaimName, target.Strategy)

	args := restic.BackupArgs(restic.BackupRequest{
		Hostname:      target.ClaimName,
		ExcludeCaches: true,
		Excludes:      excludes,
		Tags: []string{
			"namespace=" + target.Namespace,
			"persistentvolumeclaim=" + target.ClaimName,
			"persistentvolume=" + target.PVName,
		},
		DryRun: o.cfg.ResticDryRun,
	})

	pod := podspec.Build(podspec.JobSpec{
		Kind:           podspec.KindBackup,
		Name:           podspec.PodName(podspec.KindBackup, target.Namespace, target.ClaimName),
		Namespace:      o.cfg.Namespace,
		Image:          o.cfg.Image,
		ServiceAccount: o.cfg.ServiceAccount,
		SecretName:     o.cfg.SecretName,
		Command:        args,
		TimeoutSeconds: o.cfg.TimeoutSeconds,
		NodeName:       target.NodeName,
		HostPath:       target.Path,
	}, o.cfg.ExecutionID)

	outcome, err := o.runner.Run(ctx, pod)
	if err != nil {
		log.Printf("ERROR: PVC %s/%s: %v", target.Namespace, target.ClaimName, err)
		return
	}
	if outcome.Simulated {
		return
	}

	fmt.Printf("Pod %s terminated after %s: %s\n", outcome.PodName, formatDuration(outcome.Duration), outcome.Phase)
	if !outcome.Succeeded() {
		log.Printf("ERROR: backup of PVC %s/%s did not succeed (phase %s)",
			target.Namespace, target.ClaimName, outcome.Phase)
		return
	}

	if err := o.stampLastBackup(ctx, pvc); err != nil {
		log.Printf("ERROR: annotating PVC %s/%s: %v", pvc.Namespace, pvc.Name, err)
	}
}

// RunForget applies the retention policy to every matching PVC's snapshots.
// No volume access is needed: forget operates on repository metadata only, so
// there is no strategy resolution and no node pinning.
func (o *Orchestrator) RunForget(ctx context.Context, req restic.RetentionRequest) error {
	pvcs, err := o.listPVCs(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Found %d candidate PVC(s)\n", len(pvcs))

	for i := range pvcs {
		pvc := &pvcs[i]
		fmt.Printf("Applying retention policy to PVC %s/%s\n", pvc.Namespace, pvc.Name)

		pod := podspec.Build(podspec.JobSpec{
			Kind:           podspec.KindForget,
			Name:           podspec.PodName(podspec.KindForget, pvc.Namespace, pvc.Name),
			Namespace:      o.cfg.Namespace,
			Image:          o.cfg.Image,
			ServiceAccount: o.cfg.ServiceAccount,
			SecretName:     o.cfg.SecretName,
			Command:        restic.ForgetArgs(pvc.Namespace, pvc.Name, req),
			TimeoutSeconds: o.cfg.TimeoutSeconds,
		}, o.cfg.ExecutionID)

		outcome, err := o.runner.Run(ctx, pod)
		if err != nil {
			log.Printf("ERROR: PVC %s/%s: %v", pvc.Namespace, pvc.Name, err)
			continue
		}
		if outcome.Simulated {
			continue
		}
		fmt.Printf("Pod %s terminated after %s: %s\n", outcome.PodName, formatDuration(outcome.Duration), outcome.Phase)
		if !outcome.Succeeded() {
			log.Printf("ERROR: forget for PVC %s/%s did not succeed (phase %s)", pvc.Namespace, pvc.Name, outcome.Phase)
		}
	}
	return nil
}

// RunPrune runs a single repository-wide prune. No PVC iteration.
func (o *Orchestrator) RunPrune(ctx context.Context, req restic.PruneRequest) error {
	pod := podspec.Build(podspec.JobSpec{
		Kind:           podspec.KindPrune,
		Name:           podspec.PodName(podspec.KindPrune, o.cfg.ExecutionID),
		Namespace:      o.cfg.Namespace,
		Image:          o.cfg.Image,
		ServiceAccount: o.cfg.ServiceAccount,
		SecretName:     o.cfg.SecretName,
		Command:        restic.PruneArgs(req),
		TimeoutSeconds: o.cfg.TimeoutSeconds,
	}, o.cfg.ExecutionID)

	outcome, err := o.runner.Run(ctx, pod)
	if err != nil {
		return fmt.Errorf("prune: %w", err)
	}
	if outcome.Simulated {
		return nil
	}
	fmt.Printf("Pod %s terminated after %s: %s\n", outcome.PodName, formatDuration(outcome.Duration), outcome.Phase)
	if !outcome.Succeeded() {
		log.Printf("ERROR: prune did not succeed (phase %s)", outcome.Phase)
	}
	return nil
}

// Cleanup removes all pods created by this execution, completed or failed,
// selected by the execution-id labels.
func (o *Orchestrator) Cleanup(ctx context.Context) error {
	selector := labels.Set(podspec.SelectorLabels(o.cfg.ExecutionID)).String()
	pods, err := o.client.CoreV1().Pods(o.cfg.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: selector,
	})
	if err != nil {
		return fmt.Errorf("listing pods for cleanup: %w", err)
	}

	for _, pod := range pods.Items {
		fmt.Printf("Cleaning up pod %s/%s\n", pod.Namespace, pod.Name)
		if err := o.client.CoreV1().Pods(pod.Namespace).Delete(ctx, pod.Name, metav1.DeleteOptions{}); err != nil {
			log.Printf("ERROR: deleting pod %s/%s: %v", pod.Namespace, pod.Name, err)
		}
	}
	return nil
}

func (o *Orchestrator) listPVCs(ctx context.Context) ([]corev1.PersistentVolumeClaim, error) {
	list, err := o.client.CoreV1().PersistentVolumeClaims(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		LabelSelector: o.cfg.PVCLabelSelector,
	})
	if err != nil {
		return nil, fmt.Errorf("listing PVCs: %w", err)
	}
	return list.Items, nil
}

// stampLastBackup records the success timestamp on the PVC. No conflict retry
// is performed: the annotation has a single writer in normal operation.
func (o *Orchestrator) stampLastBackup(ctx context.Context, pvc *corev1.PersistentVolumeClaim) error {
	current, err := o.client.CoreV1().PersistentVolumeClaims(pvc.Namespace).Get(ctx, pvc.Name, metav1.GetOptions{})
	if err != nil {
		return err
	}
	if current.Annotations == nil {
		current.Annotations = map[string]string{}
	}
	current.Annotations[AnnotationLastBackup] = time.Now().Format(time.RFC3339)
	_, err = o.client.CoreV1().PersistentVolumeClaims(pvc.Namespace).Update(ctx, current, metav1.UpdateOptions{})
	return err
}

func parseExcludes(pvc *corev1.PersistentVolumeClaim) ([]string, error) {
	raw, ok := pvc.Annotations[AnnotationExcludes]
	if !ok || raw == "" {
		return nil, nil
	}
	var excludes []string
	if err := json.Unmarshal([]byte(raw), &excludes); err != nil {
		return nil, fmt.Errorf("parsing %q annotation: %w", AnnotationExcludes, err)
	}
	return excludes, nil
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	return d.Round(time.Second).String()
}
