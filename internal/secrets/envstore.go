package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvStore reads secrets from process environment variables of the form
// CARAVEL_SECRET_<SCOPE>_<NAME>, with scope and name upper-cased and
// dashes mapped to underscores.
type EnvStore struct {
	prefix string
}

func NewEnvStore() *EnvStore {
	return &EnvStore{prefix: "CARAVEL_SECRET"}
}

func (s *EnvStore) Get(_ context.Context, name, scope string) (string, error) {
	key := fmt.Sprintf("%s_%s_%s", s.prefix, envSegment(scope), envSegment(name))
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return value, nil
}

func envSegment(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	return strings.NewReplacer("-", "_", ".", "_").Replace(s)
}
