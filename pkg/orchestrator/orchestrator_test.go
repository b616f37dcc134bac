package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bitia-ru/k8s-restic-pvc-backup/pkg/podspec"
	"github.com/bitia-ru/k8s-restic-pvc-backup/pkg/resolver"
	"github.com/bitia-ru/k8s-restic-pvc-backup/pkg/restic"
	"github.com/bitia-ru/k8s-restic-pvc-backup/pkg/types"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

func testConfig() *types.Config {
	return &types.Config{
		Namespace:      "kub-vol-bak",
		SecretName:     "backup-credentials",
		Image:          "restic/restic:0.16.0",
		ServiceAccount: "kub-vol-bak-runner",
		ExecutionID:    "exec-1",
		TimeoutSeconds: 60,
	}
}

func localBackedPVC(namespace, name, pvName, path, node string) []runtime.Object {
	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Spec:       corev1.PersistentVolumeClaimSpec{VolumeName: pvName},
	}
	pv := &corev1.PersistentVolume{
		ObjectMeta: metav1.ObjectMeta{Name: pvName},
		Spec: corev1.PersistentVolumeSpec{
			PersistentVolumeSource: corev1.PersistentVolumeSource{
				Local: &corev1.LocalVolumeSource{Path: path},
			},
			NodeAffinity: &corev1.VolumeNodeAffinity{
				Required: &corev1.NodeSelector{
					NodeSelectorTerms: []corev1.NodeSelectorTerm{
						{
							MatchExpressions: []corev1.NodeSelectorRequirement{
								{
									Key:      "kubernetes.io/hostname",
									Operator: corev1.NodeSelectorOpIn,
									Values:   []string{node},
								},
							},
						},
					},
				},
			},
		},
	}
	return []runtime.Object{pvc, pv}
}

// succeedPods makes every pod get report a terminated, previously-ready pod,
// so the runner completes immediately against the fake clientset.
func succeedPods(client *fake.Clientset) {
	client.PrependReactor("get", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, &corev1.Pod{
			Status: corev1.PodStatus{
				Phase: corev1.PodSucceeded,
				Conditions: []corev1.PodCondition{
					{
						Type:               corev1.PodReady,
						Status:             corev1.ConditionFalse,
						LastTransitionTime: metav1.NewTime(time.Now()),
					},
				},
			},
		}, nil
	})
}

func createdPods(client *fake.Clientset) []*corev1.Pod {
	var pods []*corev1.Pod
	for _, action := range client.Actions() {
		create, ok := action.(k8stesting.CreateAction)
		if !ok || action.GetResource().Resource != "pods" {
			continue
		}
		pods = append(pods, create.GetObject().(*corev1.Pod))
	}
	return pods
}

func TestRunBackup_NoMatchingPVCs(t *testing.T) {
	client := fake.NewSimpleClientset()
	o := New(client, testConfig())

	if err := o.RunBackup(context.Background()); err != nil {
		t.Fatalf("RunBackup() error: %v", err)
	}
	if pods := createdPods(client); len(pods) != 0 {
		t.Errorf("created %d pod(s), want 0", len(pods))
	}
}

func TestRunBackup_OptedOutPVCIsUntouched(t *testing.T) {
	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:        "data-a",
			Namespace:   "ns1",
			Annotations: map[string]string{resolver.AnnotationBackupEnabled: "false"},
		},
		Spec: corev1.PersistentVolumeClaimSpec{VolumeName: "pv-a"},
	}

	client := fake.NewSimpleClientset(pvc)
	succeedPods(client)
	o := New(client, testConfig())

	if err := o.RunBackup(context.Background()); err != nil {
		t.Fatalf("RunBackup() error: %v", err)
	}
	if pods := createdPods(client); len(pods) != 0 {
		t.Errorf("created %d pod(s) for opted-out PVC, want 0", len(pods))
	}

	got, _ := client.CoreV1().PersistentVolumeClaims("ns1").Get(context.Background(), "data-a", metav1.GetOptions{})
	if _, stamped := got.Annotations[AnnotationLastBackup]; stamped {
		t.Error("opted-out PVC must not be annotated")
	}
}

func TestRunBackup_SuccessStampsAnnotation(t *testing.T) {
	objs := localBackedPVC("ns1", "data-a", "pv-a", "/srv/a", "node-1")
	client := fake.NewSimpleClientset(objs...)
	succeedPods(client)
	o := New(client, testConfig())

	if err := o.RunBackup(context.Background()); err != nil {
		t.Fatalf("RunBackup() error: %v", err)
	}

	pods := createdPods(client)
	if len(pods) != 1 {
		t.Fatalf("created %d pod(s), want 1", len(pods))
	}
	pod := pods[0]
	if pod.Name != "backup-ns1-data-a" {
		t.Errorf("pod name = %q, want backup-ns1-data-a", pod.Name)
	}
	if pod.Namespace != "kub-vol-bak" {
		t.Errorf("pod namespace = %q, want kub-vol-bak", pod.Namespace)
	}
	if pod.Spec.NodeName != "node-1" {
		t.Errorf("pod node = %q, want node-1", pod.Spec.NodeName)
	}
	command := strings.Join(pod.Spec.Containers[0].Command, " ")
	want := "restic backup --one-file-system --host data-a --no-scan /data --exclude-caches --tag namespace=ns1 --tag persistentvolumeclaim=data-a --tag persistentvolume=pv-a"
	if command != want {
		t.Errorf("command = %q, want %q", command, want)
	}

	got, err := client.CoreV1().PersistentVolumeClaims("ns1").Get(context.Background(), "data-a", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("getting PVC: %v", err)
	}
	stamp, ok := got.Annotations[AnnotationLastBackup]
	if !ok {
		t.Fatal("success annotation missing")
	}
	if _, err := time.Parse(time.RFC3339, stamp); err != nil {
		t.Errorf("annotation %q is not RFC3339: %v", stamp, err)
	}
}

func TestRunBackup_ExcludesFromAnnotation(t *testing.T) {
	objs := localBackedPVC("ns1", "data-a", "pv-a", "/srv/a", "node-1")
	pvc := objs[0].(*corev1.PersistentVolumeClaim)
	pvc.Annotations = map[string]string{AnnotationExcludes: `["*.tmp","lost+found"]`}

	client := fake.NewSimpleClientset(objs...)
	succeedPods(client)
	o := New(client, testConfig())

	if err := o.RunBackup(context.Background()); err != nil {
		t.Fatalf("RunBackup() error: %v", err)
	}

	pods := createdPods(client)
	if len(pods) != 1 {
		t.Fatalf("created %d pod(s), want 1", len(pods))
	}
	command := strings.Join(pods[0].Spec.Containers[0].Command, " ")
	if !strings.Contains(command, "--exclude *.tmp --exclude lost+found") {
		t.Errorf("command missing excludes: %q", command)
	}
}

func TestRunBackup_MalformedExcludesAbandonsTarget(t *testing.T) {
	objs := localBackedPVC("ns1", "data-a", "pv-a", "/srv/a", "node-1")
	pvc := objs[0].(*corev1.PersistentVolumeClaim)
	pvc.Annotations = map[string]string{AnnotationExcludes: "not-json"}

	client := fake.NewSimpleClientset(objs...)
	succeedPods(client)
	o := New(client, testConfig())

	if err := o.RunBackup(context.Background()); err != nil {
		t.Fatalf("RunBackup() error: %v", err)
	}
	if pods := createdPods(client); len(pods) != 0 {
		t.Errorf("created %d pod(s) for malformed excludes, want 0", len(pods))
	}
}

func TestRunBackup_FailedJobDoesNotStamp(t *testing.T) {
	objs := localBackedPVC("ns1", "data-a", "pv-a", "/srv/a", "node-1")
	client := fake.NewSimpleClientset(objs...)
	client.PrependReactor("get", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, &corev1.Pod{Status: corev1.PodStatus{Phase: corev1.PodFailed}}, nil
	})
	o := New(client, testConfig())

	if err := o.RunBackup(context.Background()); err != nil {
		t.Fatalf("RunBackup() error: %v", err)
	}

	got, _ := client.CoreV1().PersistentVolumeClaims("ns1").Get(context.Background(), "data-a", metav1.GetOptions{})
	if _, stamped := got.Annotations[AnnotationLastBackup]; stamped {
		t.Error("failed backup must not stamp the success annotation")
	}
}

func TestRunBackup_UnresolvableTargetDoesNotAbortOthers(t *testing.T) {
	// First PVC has no PV and no mounting pod; second is fine. Both are
	// iterated, only the second produces a pod.
	broken := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: "a-broken", Namespace: "ns1"},
		Spec:       corev1.PersistentVolumeClaimSpec{VolumeName: ""},
	}
	objs := append([]runtime.Object{broken}, localBackedPVC("ns1", "data-b", "pv-b", "/srv/b", "node-2")...)

	client := fake.NewSimpleClientset(objs...)
	succeedPods(client)
	o := New(client, testConfig())

	if err := o.RunBackup(context.Background()); err != nil {
		t.Fatalf("RunBackup() error: %v", err)
	}
	pods := createdPods(client)
	if len(pods) != 1 {
		t.Fatalf("created %d pod(s), want 1", len(pods))
	}
	if pods[0].Name != "backup-ns1-data-b" {
		t.Errorf("pod name = %q, want backup-ns1-data-b", pods[0].Name)
	}
}

func TestRunBackup_DryRunCreatesNothing(t *testing.T) {
	objs := localBackedPVC("ns1", "data-a", "pv-a", "/srv/a", "node-1")
	client := fake.NewSimpleClientset(objs...)

	cfg := testConfig()
	cfg.DryRun = true
	o := New(client, cfg)

	if err := o.RunBackup(context.Background()); err != nil {
		t.Fatalf("RunBackup() error: %v", err)
	}
	if pods := createdPods(client); len(pods) != 0 {
		t.Errorf("dry run created %d pod(s)", len(pods))
	}
	got, _ := client.CoreV1().PersistentVolumeClaims("ns1").Get(context.Background(), "data-a", metav1.GetOptions{})
	if _, stamped := got.Annotations[AnnotationLastBackup]; stamped {
		t.Error("dry run must not annotate the PVC")
	}
}

func TestRunForget_BuildsRetentionJobPerPVC(t *testing.T) {
	pvcA := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: "data-a", Namespace: "ns1"},
	}
	pvcB := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: "data-b", Namespace: "ns2"},
	}

	client := fake.NewSimpleClientset(pvcA, pvcB)
	succeedPods(client)
	o := New(client, testConfig())

	req := restic.RetentionRequest{KeepDaily: 7, KeepWeekly: 4}
	if err := o.RunForget(context.Background(), req); err != nil {
		t.Fatalf("RunForget() error: %v", err)
	}

	pods := createdPods(client)
	if len(pods) != 2 {
		t.Fatalf("created %d pod(s), want 2", len(pods))
	}

	pod := pods[0]
	if pod.Name != "forget-ns1-data-a" {
		t.Errorf("pod name = %q, want forget-ns1-data-a", pod.Name)
	}
	if pod.Labels["app.kubernetes.io/component"] != "forget" {
		t.Errorf("component label = %q, want forget", pod.Labels["app.kubernetes.io/component"])
	}
	if pod.Spec.NodeName != "" {
		t.Errorf("forget pod should not be node-pinned, got %q", pod.Spec.NodeName)
	}
	command := strings.Join(pod.Spec.Containers[0].Command, " ")
	want := "restic forget --tag namespace=ns1,persistentvolumeclaim=data-a --keep-daily 7 --keep-weekly 4"
	if command != want {
		t.Errorf("command = %q, want %q", command, want)
	}
}

func TestRunPrune_SingleJob(t *testing.T) {
	client := fake.NewSimpleClientset()
	succeedPods(client)
	o := New(client, testConfig())

	if err := o.RunPrune(context.Background(), restic.PruneRequest{}); err != nil {
		t.Fatalf("RunPrune() error: %v", err)
	}

	pods := createdPods(client)
	if len(pods) != 1 {
		t.Fatalf("created %d pod(s), want 1", len(pods))
	}
	if pods[0].Name != "prune-exec-1" {
		t.Errorf("pod name = %q, want prune-exec-1", pods[0].Name)
	}
	command := strings.Join(pods[0].Spec.Containers[0].Command, " ")
	if command != "restic prune" {
		t.Errorf("command = %q, want %q", command, "restic prune")
	}
}

func TestRunBackup_SameClaimNameAcrossNamespaces(t *testing.T) {
	// All job pods land in the one backup namespace, so claims that share a
	// name must still get distinct pods.
	objs := localBackedPVC("ns1", "data", "pv-a", "/srv/a", "node-1")
	objs = append(objs, localBackedPVC("ns2", "data", "pv-b", "/srv/b", "node-2")...)

	client := fake.NewSimpleClientset(objs...)
	succeedPods(client)
	o := New(client, testConfig())

	if err := o.RunBackup(context.Background()); err != nil {
		t.Fatalf("RunBackup() error: %v", err)
	}

	pods := createdPods(client)
	if len(pods) != 2 {
		t.Fatalf("created %d pod(s), want 2", len(pods))
	}
	names := map[string]bool{}
	for _, pod := range pods {
		names[pod.Name] = true
	}
	if !names["backup-ns1-data"] || !names["backup-ns2-data"] {
		t.Errorf("pod names = %v, want backup-ns1-data and backup-ns2-data", names)
	}
}

func TestRunPrune_TimestampExecutionID(t *testing.T) {
	client := fake.NewSimpleClientset()
	succeedPods(client)

	cfg := testConfig()
	cfg.ExecutionID = "2024-03-01_12-00-00" // default execution-id format
	o := New(client, cfg)

	if err := o.RunPrune(context.Background(), restic.PruneRequest{}); err != nil {
		t.Fatalf("RunPrune() error: %v", err)
	}

	pods := createdPods(client)
	if len(pods) != 1 {
		t.Fatalf("created %d pod(s), want 1", len(pods))
	}
	if pods[0].Name != "prune-2024-03-01-12-00-00" {
		t.Errorf("pod name = %q, want prune-2024-03-01-12-00-00", pods[0].Name)
	}
	if errs := validation.IsDNS1123Subdomain(pods[0].Name); len(errs) != 0 {
		t.Errorf("pod name %q would be rejected by the API server: %v", pods[0].Name, errs)
	}
}

func TestCleanup_DeletesOnlyThisExecution(t *testing.T) {
	mine := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "backup-data-a",
			Namespace: "kub-vol-bak",
			Labels:    podspec.Labels("exec-1", podspec.KindBackup),
		},
	}
	other := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "backup-data-old",
			Namespace: "kub-vol-bak",
			Labels:    podspec.Labels("exec-0", podspec.KindBackup),
		},
	}
	unrelated := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "something-else", Namespace: "kub-vol-bak"},
	}

	client := fake.NewSimpleClientset(mine, other, unrelated)
	o := New(client, testConfig())

	if err := o.Cleanup(context.Background()); err != nil {
		t.Fatalf("Cleanup() error: %v", err)
	}

	remaining, _ := client.CoreV1().Pods("kub-vol-bak").List(context.Background(), metav1.ListOptions{})
	if len(remaining.Items) != 2 {
		t.Fatalf("remaining pods = %d, want 2", len(remaining.Items))
	}
	for _, pod := range remaining.Items {
		if pod.Name == "backup-data-a" {
			t.Error("this execution's pod should have been deleted")
		}
	}
}

func TestParseExcludes(t *testing.T) {
	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Annotations: map[string]string{AnnotationExcludes: `["a","b"]`},
		},
	}
	got, err := parseExcludes(pvc)
	if err != nil {
		t.Fatalf("parseExcludes() error: %v", err)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("parseExcludes() = %v", got)
	}

	if got, err := parseExcludes(&corev1.PersistentVolumeClaim{}); err != nil || got != nil {
		t.Errorf("parseExcludes(no annotation) = %v, %v", got, err)
	}
}

func TestFormatDuration(t *testing.T) {
	if got := formatDuration(0); got != "0s" {
		t.Errorf("formatDuration(0) = %q", got)
	}
	if got := formatDuration(90 * time.Second); got != "1m30s" {
		t.Errorf("formatDuration(90s) = %q", got)
	}
}
