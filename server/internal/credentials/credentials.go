package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/obsidianstack/pulse/server/internal/config"
)

// ErrNoCredential is returned when a source has nothing for a destination.
var ErrNoCredential = errors.New("no credential configured")

// Source looks up one kind of credential. It returns ErrNoCredential when
// the destination does not use it.
type Source interface {
	Lookup(ctx context.Context, dest config.Destination) (string, error)
}

// Env reads the variable named by the destination's url_env.
type Env struct {
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
}

func (e Env) Lookup(_ context.Context, dest config.Destination) (string, error) {
	if dest.URLEnv == "" {
		return "", ErrNoCredential
	}
	get := e.Getenv
	if get == nil {
		get = os.Getenv
	}
	v := get(dest.URLEnv)
	if v == "" {
		return "", fmt.Errorf("credentials: %s: environment variable %s is empty", dest.ID, dest.URLEnv)
	}
	return v, nil
}

// Resolver resolves destinations by ID against the current config.
type Resolver struct {
	cfg     *config.Holder
	sources []Source
}

// NewResolver tries sources in order; the first one that does not return
// ErrNoCredential decides.
func NewResolver(cfg *config.Holder, sources ...Source) *Resolver {
	return &Resolver{cfg: cfg, sources: sources}
}

// Resolve returns the credential of destID. Log destinations need none and
// resolve to the empty string.
func (r *Resolver) Resolve(ctx context.Context, destID string) (string, error) {
	dest, ok := r.cfg.Current().Server.Destination(destID)
	if !ok {
		return "", fmt.Errorf("credentials: destination %q is not configured", destID)
	}
	if dest.Type == "log" {
		return "", nil
	}
	for _, s := range r.sources {
		v, err := s.Lookup(ctx, dest)
		if errors.Is(err, ErrNoCredential) {
			continue
		}
		return v, err
	}
	return "", fmt.Errorf("credentials: %s: %w", destID, ErrNoCredential)
}
