// Package runner submits restic pods and supervises them to completion.
package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/bitia-ru/k8s-restic-pvc-backup/pkg/types"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
)

const pollInterval = 2 * time.Second

// deadlineSlack is added on top of the pod's activeDeadlineSeconds before the
// runner gives up waiting; the platform kills the pod at the deadline, so the
// extra margin only covers status propagation.
const deadlineSlack = 30 * time.Second

// Runner creates one pod at a time and blocks until it terminates. In dry-run
// mode it only prints the manifest it would have submitted.
type Runner struct {
	client  kubernetes.Interface
	dryRun  bool
	verbose bool
}

func New(client kubernetes.Interface, dryRun, verbose bool) *Runner {
	return &Runner{client: client, dryRun: dryRun, verbose: verbose}
}

// Run submits the pod, waits for it to become ready, consumes its log stream
// line by line until it closes, waits for the terminal phase and reports the
// outcome. The whole supervision is bounded by the pod's own deadline plus a
// small slack. A failed pod phase is returned as outcome data, not as an
// error; errors are reserved for the submission and supervision machinery.
func (r *Runner) Run(ctx context.Context, pod *corev1.Pod) (types.JobOutcome, error) {
	outcome := types.JobOutcome{PodName: pod.Name}

	if r.dryRun {
		manifest, err := json.MarshalIndent(pod, "", "  ")
		if err != nil {
			return outcome, fmt.Errorf("encoding pod manifest: %w", err)
		}
		fmt.Println(string(manifest))
		outcome.Simulated = true
		return outcome, nil
	}

	timeout := deadlineSlack
	if pod.Spec.ActiveDeadlineSeconds != nil {
		timeout += time.Duration(*pod.Spec.ActiveDeadlineSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	created, err := r.client.CoreV1().Pods(pod.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return outcome, fmt.Errorf("submitting pod %s/%s: %w", pod.Namespace, pod.Name, err)
	}
	r.logf("created pod %s/%s", created.Namespace, created.Name)

	readyAt, err := r.waitReady(ctx, created.Namespace, created.Name)
	if err != nil {
		return outcome, fmt.Errorf("waiting for pod %s/%s to become ready: %w", created.Namespace, created.Name, err)
	}

	lines, err := r.streamLogs(ctx, created.Namespace, created.Name)
	if err != nil {
		// The stream can be cut by the deadline; the terminal phase below
		// still tells us what happened.
		log.Printf("WARNING: log stream for pod %s/%s ended with error: %v", created.Namespace, created.Name, err)
	}
	outcome.Lines = lines

	final, err := r.waitTerminal(ctx, created.Namespace, created.Name)
	if err != nil {
		return outcome, fmt.Errorf("waiting for pod %s/%s to terminate: %w", created.Namespace, created.Name, err)
	}

	outcome.Phase = string(final.Status.Phase)
	outcome.Duration = runDuration(final, readyAt)
	return outcome, nil
}

// waitReady blocks until the pod reports the Ready condition or reaches a
// terminal phase (short jobs can finish before readiness is ever observed).
// It returns the ready transition timestamp, zero when never observed.
func (r *Runner) waitReady(ctx context.Context, namespace, name string) (time.Time, error) {
	var readyAt time.Time
	err := wait.PollUntilContextCancel(ctx, pollInterval, true,
		func(ctx context.Context) (bool, error) {
			pod, err := r.client.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
			if err != nil {
				return false, err
			}
			if cond := podCondition(pod, corev1.PodReady); cond != nil && cond.Status == corev1.ConditionTrue {
				readyAt = cond.LastTransitionTime.Time
				return true, nil
			}
			return isTerminal(pod.Status.Phase), nil
		})
	return readyAt, err
}

func (r *Runner) waitTerminal(ctx context.Context, namespace, name string) (*corev1.Pod, error) {
	var final *corev1.Pod
	err := wait.PollUntilContextCancel(ctx, pollInterval, true,
		func(ctx context.Context) (bool, error) {
			pod, err := r.client.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
			if err != nil {
				return false, err
			}
			if isTerminal(pod.Status.Phase) {
				final = pod
				return true, nil
			}
			return false, nil
		})
	return final, err
}

// streamLogs consumes the pod's log stream as an ordered, finite sequence of
// lines. The stream closes when the container exits or when ctx expires,
// whichever comes first; each line is echoed as it arrives.
func (r *Runner) streamLogs(ctx context.Context, namespace, name string) ([]string, error) {
	req := r.client.CoreV1().Pods(namespace).GetLogs(name, &corev1.PodLogOptions{Follow: true})
	stream, err := req.Stream(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening log stream: %w", err)
	}
	defer stream.Close()

	var lines []string
	scanner := bufio.NewScanner(stream)
	for scanner.Scan() {
		line := scanner.Text()
		fmt.Println("> " + line)
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

// runDuration computes how long the pod actually ran: from the observed ready
// transition to the first not-ready transition after it. Missing transitions
// yield zero rather than an error.
func runDuration(pod *corev1.Pod, readyAt time.Time) time.Duration {
	if readyAt.IsZero() {
		return 0
	}
	cond := podCondition(pod, corev1.PodReady)
	if cond == nil || cond.Status == corev1.ConditionTrue {
		return 0
	}
	end := cond.LastTransitionTime.Time
	if end.Before(readyAt) {
		return 0
	}
	return end.Sub(readyAt)
}

func podCondition(pod *corev1.Pod, condType corev1.PodConditionType) *corev1.PodCondition {
	for i := range pod.Status.Conditions {
		if pod.Status.Conditions[i].Type == condType {
			return &pod.Status.Conditions[i]
		}
	}
	return nil
}

func isTerminal(phase corev1.PodPhase) bool {
	return phase == corev1.PodSucceeded || phase == corev1.PodFailed
}

func (r *Runner) logf(format string, args ...interface{}) {
	if r.verbose {
		log.Printf("[runner] "+format, args...)
	}
}
