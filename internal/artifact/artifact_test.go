package artifact

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFSStoreRoundTrip(t *testing.T) {
	store := NewFSStore(t.TempDir())
	ctx := context.Background()

	content := []byte("fake archive bytes")
	if err := store.Put(ctx, "vpc/1.0.0/template.tar.gz", bytes.NewReader(content)); err != nil {
		t.Fatalf("put: %v", err)
	}

	rc, err := store.Fetch(ctx, "vpc/1.0.0/template.tar.gz")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	defer rc.Close()

	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("fetched %q, want %q", got, content)
	}
}

func TestFSStoreNotFound(t *testing.T) {
	store := NewFSStore(t.TempDir())

	_, err := store.Fetch(context.Background(), "missing.tar.gz")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFSStoreRejectsEscapingKeys(t *testing.T) {
	root := t.TempDir()
	store := NewFSStore(root)
	ctx := context.Background()

	outside := filepath.Join(filepath.Dir(root), "escape.txt")
	defer os.Remove(outside)

	for _, key := range []string{
		"../escape.txt",
		"a/../../escape.txt",
		"/etc/passwd",
		"",
	} {
		if err := store.Put(ctx, key, strings.NewReader("x")); err == nil {
			t.Errorf("Put(%q) accepted an escaping key", key)
		}
		if _, err := store.Fetch(ctx, key); err == nil {
			t.Errorf("Fetch(%q) accepted an escaping key", key)
		}
	}
	if _, err := os.Stat(outside); err == nil {
		t.Fatal("a file was written outside the store root")
	}
}

func TestParseOCIKey(t *testing.T) {
	tests := []struct {
		key      string
		wantRepo string
		wantTag  string
		wantErr  bool
	}{
		{"oci://quay.io/elaas/vpc:1.0.0", "quay.io/elaas/vpc", "1.0.0", false},
		{"oci://quay.io/elaas/vpc", "quay.io/elaas/vpc", "latest", false},
		{"oci://localhost:5000/templates/eks:v2", "localhost:5000/templates/eks", "v2", false},
		{"oci://localhost:5000/templates/eks", "localhost:5000/templates/eks", "latest", false},
		{"quay.io/elaas/vpc:1.0.0", "", "", true},
		{"oci://", "", "", true},
	}

	for _, tt := range tests {
		repo, tag, err := ParseOCIKey(tt.key)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseOCIKey(%q) expected error", tt.key)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseOCIKey(%q): %v", tt.key, err)
			continue
		}
		if repo != tt.wantRepo || tag != tt.wantTag {
			t.Errorf("ParseOCIKey(%q) = %q, %q; want %q, %q", tt.key, repo, tag, tt.wantRepo, tt.wantTag)
		}
	}
}

func TestResolverRoutesByPrefix(t *testing.T) {
	r := &Resolver{fs: NewFSStore(t.TempDir()), oci: NewOCIStore("", "")}
	ctx := context.Background()

	if err := r.Put(ctx, "oci://quay.io/x/y:1", strings.NewReader("x")); err == nil {
		t.Error("Put should reject oci keys")
	}
	if _, err := r.Publish(ctx, t.TempDir(), "plain/key.tar.gz"); err == nil {
		t.Error("Publish should reject plain keys")
	}
}

func TestPackDir(t *testing.T) {
	dir := t.TempDir()
	writeFile := func(rel, content string) {
		t.Helper()
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	writeFile("main.tf", `resource "null_resource" "x" {}`)
	writeFile("modules/net/vpc.tf", "variable \"cidr\" {}\n")
	writeFile(".git/config", "should be skipped")

	dest := filepath.Join(t.TempDir(), "out.tar.gz")
	if err := packDir(dir, dest); err != nil {
		t.Fatalf("packDir: %v", err)
	}

	f, err := os.Open(dest)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	tr := tar.NewReader(gz)

	entries := map[string]string{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar: %v", err)
		}
		if hdr.Typeflag == tar.TypeReg {
			data, err := io.ReadAll(tr)
			if err != nil {
				t.Fatalf("read entry: %v", err)
			}
			entries[hdr.Name] = string(data)
		}
	}

	if entries["main.tf"] != `resource "null_resource" "x" {}` {
		t.Errorf("main.tf content = %q", entries["main.tf"])
	}
	if _, ok := entries["modules/net/vpc.tf"]; !ok {
		t.Error("nested file missing from archive")
	}
	for name := range entries {
		if strings.HasPrefix(name, ".git/") {
			t.Errorf("dot directory %q packed", name)
		}
	}
}

func TestPackDirRejectsFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "f.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := packDir(file, filepath.Join(t.TempDir(), "out.tar.gz")); err == nil {
		t.Fatal("expected error for non-directory input")
	}
}
