package secret

import (
	"context"
	"os"
	"strings"

	gateway "github.com/tollgate-io/tollgate/internal"
)

// EnvProvider reads secrets from environment variables. The secret name
// "openai-key" maps to TOLLGATE_SECRET_OPENAI_KEY.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider returns a provider reading TOLLGATE_SECRET_* variables.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{prefix: "TOLLGATE_SECRET_"}
}

func (p *EnvProvider) envName(name string) string {
	up := strings.ToUpper(name)
	up = strings.NewReplacer("-", "_", ".", "_", "/", "_").Replace(up)
	return p.prefix + up
}

// Get returns the secret from the environment.
func (p *EnvProvider) Get(_ context.Context, name string) (string, error) {
	if val, ok := os.LookupEnv(p.envName(name)); ok {
		return val, nil
	}
	return "", gateway.ErrNotFound
}

// Close is a no-op for the environment provider.
func (p *EnvProvider) Close() error { return nil }
