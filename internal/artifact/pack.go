package artifact

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// packDir writes a tar.gz of the directory tree rooted at dir to dest.
// Entry names are slash paths relative to dir. Symlinks are skipped; a
// template bundle is plain files.
func packDir(dir, dest string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("artifact: pack %q: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("artifact: pack %q: not a directory", dir)
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("artifact: create %q: %w", dest, err)
	}
	defer out.Close()

	gw := gzip.NewWriter(out)
	tw := tar.NewWriter(gw)

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		name := filepath.ToSlash(rel)
		if strings.HasPrefix(filepath.Base(path), ".") && d.IsDir() {
			return filepath.SkipDir
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}
		if !fi.Mode().IsRegular() && !d.IsDir() {
			return nil
		}

		hdr, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return err
		}
		hdr.Name = name
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		f.Close()
		return err
	})
	if err != nil {
		return fmt.Errorf("artifact: pack %q: %w", dir, err)
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("artifact: finish tar: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("artifact: finish gzip: %w", err)
	}
	return nil
}
