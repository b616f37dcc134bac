// Package resolver decides how a PVC's data can be reached for backup.
//
// Strategies are evaluated in a fixed precedence order: a PV with a "local"
// source wins over one with a "hostPath" source, and only claims backed by
// neither fall through to the mount directory of a running pod. First match
// wins; there is no fallback when the chosen strategy cannot be completed.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"sort"

	"github.com/bitia-ru/k8s-restic-pvc-backup/pkg/types"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// AnnotationBackupEnabled opts a PVC out of backup when set to "false".
const AnnotationBackupEnabled = "backup-enabled"

// kubeletVolumeDir is where the kubelet mounts CSI volumes on the node that
// runs a pod referencing the claim.
const kubeletVolumeDir = "/var/lib/kubelet/pods"

const hostnameLabel = "kubernetes.io/hostname"

var (
	// ErrSkippedByAnnotation signals a deliberate opt-out, not a failure.
	ErrSkippedByAnnotation = errors.New("backup disabled by annotation")
	// ErrNoAccessStrategy means no viable path to the volume data exists.
	ErrNoAccessStrategy = errors.New("no access strategy for volume")
	// ErrNodeUnresolvable means the PV's node affinity lacks a usable
	// hostname expression, so no node-targeted pod can be placed.
	ErrNodeUnresolvable = errors.New("unable to resolve node from volume node affinity")
)

// sourceKind discriminates the decoded PV volume source.
type sourceKind int

const (
	sourceClaimBacked sourceKind = iota // remote block/file store, reach via a mounting pod
	sourceLocal
	sourceHostPath
)

// volumeSource is the PV source decoded once at ingestion, so strategy
// dispatch is a switch over a tag instead of field-presence probing.
type volumeSource struct {
	kind sourceKind
	path string
}

func decodeVolumeSource(pv *corev1.PersistentVolume) volumeSource {
	switch {
	case pv.Spec.Local != nil:
		return volumeSource{kind: sourceLocal, path: pv.Spec.Local.Path}
	case pv.Spec.HostPath != nil:
		return volumeSource{kind: sourceHostPath, path: pv.Spec.HostPath.Path}
	default:
		return volumeSource{kind: sourceClaimBacked}
	}
}

// Resolver determines the access strategy for PVCs.
type Resolver struct {
	client  kubernetes.Interface
	verbose bool
}

func New(client kubernetes.Interface, verbose bool) *Resolver {
	return &Resolver{client: client, verbose: verbose}
}

// Resolve inspects the PVC and its bound PV and returns a fully populated
// VolumeTarget, or one of the sentinel errors when the claim is opted out or
// unreachable. A VolumeTarget never carries more than one strategy.
func (r *Resolver) Resolve(ctx context.Context, pvc *corev1.PersistentVolumeClaim) (*types.VolumeTarget, error) {
	if pvc.Annotations[AnnotationBackupEnabled] == "false" {
		return nil, fmt.Errorf("PVC %s/%s: %w", pvc.Namespace, pvc.Name, ErrSkippedByAnnotation)
	}

	if pvc.Spec.VolumeName == "" {
		return nil, fmt.Errorf("PVC %s/%s is not bound to a PV: %w", pvc.Namespace, pvc.Name, ErrNoAccessStrategy)
	}

	pv, err := r.client.CoreV1().PersistentVolumes().Get(ctx, pvc.Spec.VolumeName, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("getting PV %q: %w", pvc.Spec.VolumeName, err)
	}

	target := &types.VolumeTarget{
		Namespace: pvc.Namespace,
		ClaimName: pvc.Name,
		PVName:    pv.Name,
	}

	source := decodeVolumeSource(pv)
	switch source.kind {
	case sourceLocal:
		target.Strategy = types.StrategyLocal
		target.Path = source.path
	case sourceHostPath:
		target.Strategy = types.StrategyHostPath
		target.Path = source.path
	case sourceClaimBacked:
		return r.resolveMountedByPod(ctx, pvc, pv, target)
	}

	node, err := nodeFromAffinity(pv)
	if err != nil {
		return nil, err
	}
	target.NodeName = node

	r.logf("PVC %s/%s -> PV %s via %s on node %s (%s)",
		target.Namespace, target.ClaimName, target.PVName, target.Strategy, target.NodeName, target.Path)
	return target, nil
}

// resolveMountedByPod finds a running pod that references the claim and
// derives the kubelet mount directory of the volume on that pod's node.
func (r *Resolver) resolveMountedByPod(ctx context.Context, pvc *corev1.PersistentVolumeClaim, pv *corev1.PersistentVolume, target *types.VolumeTarget) (*types.VolumeTarget, error) {
	pods, err := r.client.CoreV1().Pods(pvc.Namespace).List(ctx, metav1.ListOptions{
		FieldSelector: "status.phase=Running",
	})
	if err != nil {
		return nil, fmt.Errorf("listing running pods in %q: %w", pvc.Namespace, err)
	}

	var mounting []corev1.Pod
	for _, pod := range pods.Items {
		if podMountsClaim(&pod, pvc.Name) {
			mounting = append(mounting, pod)
		}
	}
	if len(mounting) == 0 {
		return nil, fmt.Errorf("PVC %s/%s: %w", pvc.Namespace, pvc.Name, ErrNoAccessStrategy)
	}

	// The cluster API does not guarantee a stable listing order, so sort by
	// name before picking. When several pods mount the claim the choice is
	// still arbitrary; all of them see the same volume content.
	sort.Slice(mounting, func(i, j int) bool { return mounting[i].Name < mounting[j].Name })
	if len(mounting) > 1 {
		log.Printf("WARNING: PVC %s/%s is mounted by %d running pods, using %q",
			pvc.Namespace, pvc.Name, len(mounting), mounting[0].Name)
	}
	pod := mounting[0]

	target.Strategy = types.StrategyMountedByPod
	target.NodeName = pod.Spec.NodeName
	target.Path = path.Join(kubeletVolumeDir, string(pod.UID), "volumes/kubernetes.io~csi", pv.Name, "mount")

	r.logf("PVC %s/%s -> PV %s via pod %s on node %s (%s)",
		target.Namespace, target.ClaimName, target.PVName, pod.Name, target.NodeName, target.Path)
	return target, nil
}

func podMountsClaim(pod *corev1.Pod, claimName string) bool {
	for _, vol := range pod.Spec.Volumes {
		if vol.PersistentVolumeClaim != nil && vol.PersistentVolumeClaim.ClaimName == claimName {
			return true
		}
	}
	return false
}

// nodeFromAffinity scans the PV's required node-selector terms for a
// hostname-In expression and returns its first value. Without it no
// node-targeted backup pod can be placed, which is fatal for the target.
func nodeFromAffinity(pv *corev1.PersistentVolume) (string, error) {
	if pv.Spec.NodeAffinity == nil || pv.Spec.NodeAffinity.Required == nil {
		return "", fmt.Errorf("PV %q has no required node affinity: %w", pv.Name, ErrNodeUnresolvable)
	}
	for _, term := range pv.Spec.NodeAffinity.Required.NodeSelectorTerms {
		for _, exp := range term.MatchExpressions {
			if exp.Key == hostnameLabel && exp.Operator == corev1.NodeSelectorOpIn && len(exp.Values) > 0 {
				return exp.Values[0], nil
			}
		}
	}
	return "", fmt.Errorf("PV %q node affinity has no %s In expression: %w", pv.Name, hostnameLabel, ErrNodeUnresolvable)
}

func (r *Resolver) logf(format string, args ...interface{}) {
	if r.verbose {
		log.Printf("[resolver] "+format, args...)
	}
}
