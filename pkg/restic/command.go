// Package restic builds restic command lines. Builders are pure: they take a
// request struct and return the exact argument vector, in a fixed order, so
// identical requests always produce identical invocations. No builder performs
// I/O and none mutates its input.
package restic

import (
	"fmt"
	"strconv"
)

// DataMountPath is where backup pods mount the volume under backup. The backup
// command always targets this path.
const DataMountPath = "/data"

// BackupRequest holds the parameters of a single "restic backup" run.
type BackupRequest struct {
	// Hostname is passed via --host so snapshots are attributable to the
	// originating claim rather than the ephemeral pod name.
	Hostname      string
	ExcludeCaches bool
	Excludes      []string
	Tags          []string
	DryRun        bool
}

// RetentionRequest holds the keep-counts for a "restic forget" run. A zero
// count means "do not constrain this period" and the flag is omitted entirely.
type RetentionRequest struct {
	KeepLast    int
	KeepHourly  int
	KeepDaily   int
	KeepWeekly  int
	KeepMonthly int
	KeepYearly  int
	KeepWithin  string
	DryRun      bool
}

// PruneRequest holds the parameters for a "restic prune" run.
type PruneRequest struct {
	DryRun bool
}

// BackupArgs builds the argument vector for backing up the mounted volume.
// Flag order is fixed: exclude-caches, excludes, tags, dry-run.
func BackupArgs(req BackupRequest) []string {
	args := []string{"restic", "backup", "--one-file-system", "--host", req.Hostname, "--no-scan", DataMountPath}
	if req.ExcludeCaches {
		args = append(args, "--exclude-caches")
	}
	for _, e := range req.Excludes {
		args = append(args, "--exclude", e)
	}
	for _, t := range req.Tags {
		args = append(args, "--tag", t)
	}
	if req.DryRun {
		args = append(args, "--dry-run")
	}
	return args
}

// ForgetArgs builds the argument vector for applying a retention policy to the
// snapshots of one claim. The tag filter pins the operation to the originating
// namespace/claim pair (comma-joined tags must all match the snapshot).
func ForgetArgs(namespace, claimName string, req RetentionRequest) []string {
	tagFilter := fmt.Sprintf("namespace=%s,persistentvolumeclaim=%s", namespace, claimName)
	args := []string{"restic", "forget", "--tag", tagFilter}
	args = appendKeepFlag(args, "--keep-last", req.KeepLast)
	args = appendKeepFlag(args, "--keep-hourly", req.KeepHourly)
	args = appendKeepFlag(args, "--keep-daily", req.KeepDaily)
	args = appendKeepFlag(args, "--keep-weekly", req.KeepWeekly)
	args = appendKeepFlag(args, "--keep-monthly", req.KeepMonthly)
	args = appendKeepFlag(args, "--keep-yearly", req.KeepYearly)
	if req.KeepWithin != "" {
		args = append(args, "--keep-within", req.KeepWithin)
	}
	if req.DryRun {
		args = append(args, "--dry-run")
	}
	return args
}

// PruneArgs builds the argument vector for a repository-wide prune.
func PruneArgs(req PruneRequest) []string {
	args := []string{"restic", "prune"}
	if req.DryRun {
		args = append(args, "--dry-run")
	}
	return args
}

func appendKeepFlag(args []string, flag string, count int) []string {
	if count <= 0 {
		return args
	}
	return append(args, flag, strconv.Itoa(count))
}
