package config

import "context"

// SecretProvider resolves secret values by path. SSMProvider serves deployed
// environments and EnvVarProvider serves development.
type SecretProvider interface {
	// GetParametersBatch returns path -> plaintext for every resolved key.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
