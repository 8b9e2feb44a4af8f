package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content/file"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
)

const (
	// MediaTypeTemplateConfig is the media type for the template config (empty JSON)
	MediaTypeTemplateConfig = "application/vnd.elaas.template.config.v1+json"
	// MediaTypeTemplateArchive is the media type for the packed template tree
	MediaTypeTemplateArchive = "application/vnd.elaas.template.v1.tar+gzip"

	ociScheme   = "oci://"
	archiveName = "template.tar.gz"
)

// OCIStore fetches and publishes template archives in an OCI registry.
type OCIStore struct {
	username string
	password string
}

func NewOCIStore(username, password string) *OCIStore {
	return &OCIStore{username: username, password: password}
}

// ParseOCIKey splits "oci://host/repo:tag" into repository and tag. A missing
// tag defaults to "latest".
func ParseOCIKey(key string) (repository, tag string, err error) {
	ref := strings.TrimPrefix(key, ociScheme)
	if ref == "" || ref == key {
		return "", "", fmt.Errorf("artifact: %q is not an oci:// reference", key)
	}

	// The tag separator is a colon after the last slash; earlier colons
	// belong to the registry port.
	slash := strings.LastIndex(ref, "/")
	colon := strings.LastIndex(ref, ":")
	if colon > slash {
		repository, tag = ref[:colon], ref[colon+1:]
	} else {
		repository, tag = ref, "latest"
	}
	if repository == "" || tag == "" {
		return "", "", fmt.Errorf("artifact: malformed oci reference %q", key)
	}
	return repository, tag, nil
}

func (s *OCIStore) repository(reference string) (*remote.Repository, error) {
	repo, err := remote.NewRepository(reference)
	if err != nil {
		return nil, fmt.Errorf("artifact: repository %q: %w", reference, err)
	}
	repo.Client = &auth.Client{
		Credential: func(ctx context.Context, hostname string) (auth.Credential, error) {
			return auth.Credential{
				Username: s.username,
				Password: s.password,
			}, nil
		},
	}
	return repo, nil
}

// Fetch resolves the tag, reads the manifest and streams the template archive
// layer. Unknown layers are ignored so manifests may grow extra content.
func (s *OCIStore) Fetch(ctx context.Context, key string) (io.ReadCloser, error) {
	reference, tag, err := ParseOCIKey(key)
	if err != nil {
		return nil, err
	}
	repo, err := s.repository(reference)
	if err != nil {
		return nil, err
	}

	desc, err := repo.Resolve(ctx, tag)
	if err != nil {
		return nil, fmt.Errorf("artifact: resolve %s:%s: %w", reference, tag, ErrNotFound)
	}

	manifestReader, err := repo.Fetch(ctx, desc)
	if err != nil {
		return nil, fmt.Errorf("artifact: fetch manifest %s:%s: %w", reference, tag, err)
	}
	defer manifestReader.Close()

	manifestData, err := io.ReadAll(manifestReader)
	if err != nil {
		return nil, fmt.Errorf("artifact: read manifest: %w", err)
	}

	var manifest ocispec.Manifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return nil, fmt.Errorf("artifact: parse manifest: %w", err)
	}

	for _, layer := range manifest.Layers {
		if layer.MediaType != MediaTypeTemplateArchive {
			continue
		}
		reader, err := repo.Fetch(ctx, layer)
		if err != nil {
			return nil, fmt.Errorf("artifact: fetch archive layer: %w", err)
		}
		return reader, nil
	}
	return nil, fmt.Errorf("artifact: no %s layer in %s:%s: %w", MediaTypeTemplateArchive, reference, tag, ErrNotFound)
}

// Publish packs dir into a tar.gz layer and pushes it under the oci:// key.
// Blobs and manifest are pushed individually before tagging; oras.Copy stalls
// on repositories that do not exist yet.
func (s *OCIStore) Publish(ctx context.Context, dir, key string) (string, error) {
	reference, tag, err := ParseOCIKey(key)
	if err != nil {
		return "", err
	}

	stagingDir, err := os.MkdirTemp("", "forge-publish-")
	if err != nil {
		return "", fmt.Errorf("artifact: staging dir: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	archivePath := filepath.Join(stagingDir, archiveName)
	if err := packDir(dir, archivePath); err != nil {
		return "", err
	}

	fs, err := file.New(stagingDir)
	if err != nil {
		return "", fmt.Errorf("artifact: file store: %w", err)
	}
	defer fs.Close()

	layerDesc, err := fs.Add(ctx, archiveName, MediaTypeTemplateArchive, "")
	if err != nil {
		return "", fmt.Errorf("artifact: add archive layer: %w", err)
	}
	layerDesc.Annotations = map[string]string{
		ocispec.AnnotationTitle: archiveName,
	}

	configData := []byte("{}")
	configDesc := ocispec.Descriptor{
		MediaType: MediaTypeTemplateConfig,
		Digest:    digest.FromBytes(configData),
		Size:      int64(len(configData)),
	}
	if err := fs.Push(ctx, configDesc, bytes.NewReader(configData)); err != nil {
		return "", fmt.Errorf("artifact: push config: %w", err)
	}

	manifestDesc, err := oras.Pack(ctx, fs, "", []ocispec.Descriptor{layerDesc}, oras.PackOptions{
		ConfigDescriptor:  &configDesc,
		PackImageManifest: true,
		ManifestAnnotations: map[string]string{
			ocispec.AnnotationDescription: fmt.Sprintf("%s:%s", reference, tag),
		},
	})
	if err != nil {
		return "", fmt.Errorf("artifact: pack manifest: %w", err)
	}

	repo, err := s.repository(reference)
	if err != nil {
		return "", err
	}

	for _, desc := range []ocispec.Descriptor{configDesc, layerDesc, manifestDesc} {
		reader, err := fs.Fetch(ctx, desc)
		if err != nil {
			return "", fmt.Errorf("artifact: fetch %s: %w", desc.MediaType, err)
		}
		err = repo.Push(ctx, desc, reader)
		reader.Close()
		if err != nil {
			return "", fmt.Errorf("artifact: push %s: %w", desc.MediaType, err)
		}
	}

	if err := repo.Tag(ctx, manifestDesc, tag); err != nil {
		return "", fmt.Errorf("artifact: tag %s: %w", tag, err)
	}

	return manifestDesc.Digest.String(), nil
}
