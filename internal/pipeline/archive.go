package pipeline

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"
)

// extractZip unpacks src into dst. Entries that would land outside dst are
// rejected; symlinks are skipped.
func extractZip(src, dst string) (n int, err error) {
	r, err := zip.OpenReader(src)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer func() { err = multierr.Append(err, r.Close()) }()

	root := filepath.Clean(dst) + string(os.PathSeparator)
	for _, f := range r.File {
		target := filepath.Join(dst, filepath.FromSlash(f.Name))
		if filepath.IsAbs(f.Name) || !strings.HasPrefix(target+string(os.PathSeparator), root) {
			return n, fmt.Errorf("%w: %q", ErrUnsafeArchivePath, f.Name)
		}
		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return n, err
			}
			continue
		case mode&fs.ModeSymlink != 0:
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return n, err
		}
		if err := extractFile(f, target); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func extractFile(f *zip.File, target string) (err error) {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("%s: %w", f.Name, err)
	}
	defer func() { err = multierr.Append(err, rc.Close()) }()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, out.Close()) }()

	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("%s: %w", f.Name, err)
	}
	return nil
}

// writeZip packs every regular file under srcDir into dst, with slash
// separated paths relative to srcDir, in lexical order.
func writeZip(srcDir, dst string) (n int, err error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	defer func() { err = multierr.Append(err, out.Close()) }()

	zw := zip.NewWriter(out)
	defer func() { err = multierr.Append(err, zw.Close()) }()

	err = filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		w, err := zw.CreateHeader(&zip.FileHeader{Name: filepath.ToSlash(rel), Method: zip.Deflate})
		if err != nil {
			return err
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(w, in)
		if cerr := in.Close(); err == nil {
			err = cerr
		}
		if err == nil {
			n++
		}
		return err
	})
	return n, err
}
