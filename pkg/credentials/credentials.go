// Package credentials loads the restic repository configuration from a
// cluster Secret. The same secret is injected whole into every backup pod's
// environment via envFrom, so whatever restic needs (RESTIC_REPOSITORY,
// RESTIC_PASSWORD, storage backend keys) lives in one place.
package credentials

import (
	"context"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// LoadEnv fetches the named secret and returns its data as an environment
// map. Secret values arrive base64-decoded from the client already.
func LoadEnv(ctx context.Context, client kubernetes.Interface, namespace, name string) (map[string]string, error) {
	secret, err := client.CoreV1().Secrets(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("getting credentials secret %s/%s: %w", namespace, name, err)
	}

	env := make(map[string]string, len(secret.Data))
	for k, v := range secret.Data {
		env[k] = string(v)
	}
	return env, nil
}
