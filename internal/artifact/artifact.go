package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/elaas-dev/forge/internal/config"
)

// ErrNotFound is returned when no artifact exists under the requested key.
var ErrNotFound = errors.New("artifact not found")

// Store fetches template archives by key. Keys are either relative slash
// paths into the filesystem store or "oci://repo:tag" references.
type Store interface {
	Fetch(ctx context.Context, key string) (io.ReadCloser, error)
}

// Resolver routes keys to the filesystem or registry backend by prefix.
type Resolver struct {
	fs  *FSStore
	oci *OCIStore
}

// New builds the artifact resolver from configuration. The registry backend
// is always available for oci:// keys; the fs root only matters for plain-path
// keys.
func New(cfg config.ArtifactsConfig) *Resolver {
	return &Resolver{
		fs:  NewFSStore(cfg.Dir),
		oci: NewOCIStore(cfg.RegistryUsername, cfg.RegistryPassword),
	}
}

func (r *Resolver) Fetch(ctx context.Context, key string) (io.ReadCloser, error) {
	if strings.HasPrefix(key, ociScheme) {
		return r.oci.Fetch(ctx, key)
	}
	return r.fs.Fetch(ctx, key)
}

// Put stores an uploaded archive under a filesystem key. Registry references
// are published, not put.
func (r *Resolver) Put(ctx context.Context, key string, src io.Reader) error {
	if strings.HasPrefix(key, ociScheme) {
		return fmt.Errorf("artifact: cannot put to %q, use publish", key)
	}
	return r.fs.Put(ctx, key, src)
}

// Publish packs a template directory and pushes it to the registry reference
// in key. Returns the manifest digest.
func (r *Resolver) Publish(ctx context.Context, dir, key string) (string, error) {
	if !strings.HasPrefix(key, ociScheme) {
		return "", fmt.Errorf("artifact: publish requires an oci:// key, got %q", key)
	}
	return r.oci.Publish(ctx, dir, key)
}
