package workspace

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Extract unpacks a template archive into dest. Zip and tar.gz are detected
// by magic bytes. Entries that would escape dest fail the whole extraction.
func Extract(src io.Reader, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("workspace: create %q: %w", dest, err)
	}

	// Spool to a file first: zip needs random access and archives can be
	// larger than we want in memory.
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".archive-*")
	if err != nil {
		return fmt.Errorf("workspace: spool archive: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	size, err := io.Copy(tmp, src)
	if err != nil {
		return fmt.Errorf("workspace: spool archive: %w", err)
	}

	magic := make([]byte, 2)
	if _, err := tmp.ReadAt(magic, 0); err != nil {
		return &ExtractionError{Msg: "archive is empty or unreadable"}
	}

	switch {
	case magic[0] == 'P' && magic[1] == 'K':
		return extractZip(tmp, size, dest)
	case magic[0] == 0x1f && magic[1] == 0x8b:
		if _, err := tmp.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("workspace: rewind archive: %w", err)
		}
		return extractTarGz(tmp, dest)
	default:
		return &ExtractionError{Msg: "unsupported archive format, expected zip or tar.gz"}
	}
}

// entryPath validates an archive entry name and resolves it under dest.
func entryPath(dest, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", &ExtractionError{Entry: name, Msg: "entry escapes the extraction root"}
	}
	return filepath.Join(dest, clean), nil
}

func extractZip(f *os.File, size int64, dest string) error {
	zr, err := zip.NewReader(f, size)
	if err != nil {
		return &ExtractionError{Msg: fmt.Sprintf("invalid zip archive: %v", err)}
	}

	for _, entry := range zr.File {
		path, err := entryPath(dest, entry.Name)
		if err != nil {
			return err
		}

		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(path, 0o755); err != nil {
				return fmt.Errorf("workspace: mkdir %q: %w", entry.Name, err)
			}
			continue
		}
		if !entry.FileInfo().Mode().IsRegular() {
			continue
		}

		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("workspace: mkdir for %q: %w", entry.Name, err)
		}
		rc, err := entry.Open()
		if err != nil {
			return &ExtractionError{Entry: entry.Name, Msg: err.Error()}
		}
		err = writeEntry(path, rc, entry.Mode())
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func extractTarGz(r io.Reader, dest string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return &ExtractionError{Msg: fmt.Sprintf("invalid gzip stream: %v", err)}
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return &ExtractionError{Msg: fmt.Sprintf("invalid tar stream: %v", err)}
		}

		path, err := entryPath(dest, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, 0o755); err != nil {
				return fmt.Errorf("workspace: mkdir %q: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return fmt.Errorf("workspace: mkdir for %q: %w", hdr.Name, err)
			}
			if err := writeEntry(path, tr, hdr.FileInfo().Mode()); err != nil {
				return err
			}
		default:
			// Symlinks and special files have no place in a template bundle.
		}
	}
}

func writeEntry(path string, src io.Reader, mode os.FileMode) error {
	perm := mode.Perm()
	if perm == 0 {
		perm = 0o644
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("workspace: create %q: %w", path, err)
	}
	_, err = io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("workspace: write %q: %w", path, err)
	}
	return nil
}
