// Package podspec assembles the pod manifests that run restic.
package podspec

import (
	"strings"

	"github.com/bitia-ru/k8s-restic-pvc-backup/pkg/restic"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/utils/ptr"
)

// Kind discriminates the operation a pod performs; it ends up in the
// component label so cleanup and inspection can select by operation.
type Kind string

const (
	KindBackup Kind = "backup"
	KindForget Kind = "forget"
	KindPrune  Kind = "prune"
)

const (
	appName       = "k8s-restic-backup"
	containerName = "restic"

	// Emit restic progress lines roughly every five minutes instead of the
	// default terminal-oriented refresh rate.
	resticProgressFPS = "0.0033"
)

// JobSpec is the fully-resolved description of one restic pod. It is built
// fresh per operation and never mutated after submission.
type JobSpec struct {
	Kind           Kind
	Name           string
	Namespace      string
	Image          string
	ServiceAccount string
	SecretName     string
	Command        []string
	TimeoutSeconds int64

	// NodeName and HostPath place a backup pod next to its data. Both are
	// empty for forget/prune, which only touch repository metadata.
	NodeName string
	HostPath string
}

// Labels returns the label set stamped on every pod of one execution.
func Labels(executionID string, kind Kind) map[string]string {
	return map[string]string{
		"app.kubernetes.io/name":      appName,
		"app.kubernetes.io/instance":  executionID,
		"app.kubernetes.io/component": string(kind),
	}
}

// PodName derives the pod name from the operation kind and its identifying
// parts. The parts can contain characters the API server rejects in pod names
// (execution ids carry underscores, for one), so each part is lowered and
// mapped onto the DNS-1123 subdomain alphabet before joining.
func PodName(kind Kind, parts ...string) string {
	elems := []string{string(kind)}
	for _, p := range parts {
		if p = sanitizeNamePart(p); p != "" {
			elems = append(elems, p)
		}
	}
	name := strings.Join(elems, "-")
	if len(name) > validation.DNS1123SubdomainMaxLength {
		name = strings.Trim(name[:validation.DNS1123SubdomainMaxLength], "-.")
	}
	return name
}

func sanitizeNamePart(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-.")
}

// SelectorLabels returns the labels identifying all pods of one execution,
// regardless of operation kind. Used by the cleanup pass.
func SelectorLabels(executionID string) map[string]string {
	return map[string]string{
		"app.kubernetes.io/name":     appName,
		"app.kubernetes.io/instance": executionID,
	}
}

// Build renders the pod manifest. Every pod runs without a service-account
// token or service links, never restarts, and is killed by the platform once
// activeDeadlineSeconds elapses. A writable emptyDir is mounted at /tmp for
// restic's scratch state; backup pods additionally mount the target volume
// read-only at the fixed data path and are pinned to the resolved node.
func Build(spec JobSpec, executionID string) *corev1.Pod {
	mounts := []corev1.VolumeMount{
		{Name: "tmp", MountPath: "/tmp"},
	}
	volumes := []corev1.Volume{
		{Name: "tmp", VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}},
	}

	if spec.Kind == KindBackup {
		mounts = append([]corev1.VolumeMount{
			{Name: "data", MountPath: restic.DataMountPath, ReadOnly: true},
		}, mounts...)
		volumes = append([]corev1.Volume{
			{
				Name: "data",
				VolumeSource: corev1.VolumeSource{
					HostPath: &corev1.HostPathVolumeSource{
						Path: spec.HostPath,
						Type: ptr.To(corev1.HostPathDirectory),
					},
				},
			},
		}, volumes...)
	}

	pod := &corev1.Pod{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "Pod"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: spec.Namespace,
			Labels:    Labels(executionID, spec.Kind),
		},
		Spec: corev1.PodSpec{
			ServiceAccountName: spec.ServiceAccount,
			Containers: []corev1.Container{
				{
					Name:         containerName,
					Image:        spec.Image,
					Command:      spec.Command,
					VolumeMounts: mounts,
					EnvFrom: []corev1.EnvFromSource{
						{
							SecretRef: &corev1.SecretEnvSource{
								LocalObjectReference: corev1.LocalObjectReference{Name: spec.SecretName},
							},
						},
					},
					Env: []corev1.EnvVar{
						{Name: "RESTIC_PROGRESS_FPS", Value: resticProgressFPS},
					},
					TerminationMessagePolicy: corev1.TerminationMessageFallbackToLogsOnError,
				},
			},
			Volumes:                      volumes,
			RestartPolicy:                corev1.RestartPolicyNever,
			ActiveDeadlineSeconds:        ptr.To(spec.TimeoutSeconds),
			EnableServiceLinks:           ptr.To(false),
			AutomountServiceAccountToken: ptr.To(false),
		},
	}

	if spec.Kind == KindBackup {
		pod.Spec.NodeName = spec.NodeName
	}

	return pod
}
