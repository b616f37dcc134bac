package repo

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Location is an S3-style restic repository split into the pieces an S3
// client needs.
type S3Location struct {
	Endpoint string
	Bucket   string
	Secure   bool
}

// ParseS3Repository splits a restic "s3:" repository reference into endpoint
// and bucket. Supported forms:
//
//	s3:host/bucket[/prefix]
//	s3:http://host[:port]/bucket[/prefix]
//	s3:https://host[:port]/bucket[/prefix]
//
// ok is false for non-s3 repositories (sftp, rest, local paths, ...).
func ParseS3Repository(repository string) (loc S3Location, ok bool, err error) {
	rest, found := strings.CutPrefix(repository, "s3:")
	if !found {
		return S3Location{}, false, nil
	}

	loc.Secure = true
	if r, found := strings.CutPrefix(rest, "http://"); found {
		rest = r
		loc.Secure = false
	} else if r, found := strings.CutPrefix(rest, "https://"); found {
		rest = r
	}

	parts := strings.SplitN(rest, "/", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return S3Location{}, true, fmt.Errorf("malformed s3 repository %q: expected s3:host/bucket", repository)
	}
	loc.Endpoint = parts[0]
	loc.Bucket = parts[1]
	return loc, true, nil
}

// ProbeS3 verifies that an S3-backed repository's bucket is reachable with
// the credentials from the secret. Non-S3 repositories are skipped silently;
// an unreachable or missing bucket is a configuration error worth failing
// fast on, before any pods are scheduled.
func ProbeS3(ctx context.Context, env map[string]string, verbose bool) error {
	loc, ok, err := ParseS3Repository(env["RESTIC_REPOSITORY"])
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	mc, err := minio.New(loc.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(env["AWS_ACCESS_KEY_ID"], env["AWS_SECRET_ACCESS_KEY"], ""),
		Secure: loc.Secure,
	})
	if err != nil {
		return fmt.Errorf("creating S3 client for %q: %w", loc.Endpoint, err)
	}

	exists, err := mc.BucketExists(ctx, loc.Bucket)
	if err != nil {
		return fmt.Errorf("checking repository bucket %q on %q: %w", loc.Bucket, loc.Endpoint, err)
	}
	if !exists {
		return fmt.Errorf("repository bucket %q does not exist on %q", loc.Bucket, loc.Endpoint)
	}
	if verbose {
		log.Printf("[repo] repository bucket %q reachable on %q", loc.Bucket, loc.Endpoint)
	}
	return nil
}
