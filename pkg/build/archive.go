package build

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// epoch is the timestamp written for every archive entry
var epoch = time.Unix(0, 0).UTC()

// writeArchive packs ws into a gzip'd tarball at dst. Identical trees produce
// identical bytes: entries are sorted, times and owners are zeroed, modes are
// normalized and the gzip header carries no name or time.
func writeArchive(ws, dst string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create output dir: %w", err)
	}
	f, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("failed to create archive: %w", err)
	}
	defer f.Close()

	zw, err := gzip.NewWriterLevel(f, gzip.BestCompression)
	if err != nil {
		return 0, err
	}
	zw.Header.ModTime = time.Time{}
	zw.Header.Name = ""
	zw.Header.OS = 255

	tw := tar.NewWriter(zw)
	err = filepath.WalkDir(ws, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(ws, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() && d.Name() == scratchDir {
			return filepath.SkipDir
		}
		return addEntry(tw, p, filepath.ToSlash(rel), d)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to archive workspace: %w", err)
	}

	if err := tw.Close(); err != nil {
		return 0, err
	}
	if err := zw.Close(); err != nil {
		return 0, err
	}
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func addEntry(tw *tar.Writer, abs, name string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	hdr := &tar.Header{
		Name:    name,
		ModTime: epoch,
		Format:  tar.FormatPAX,
	}
	switch {
	case info.IsDir():
		hdr.Typeflag = tar.TypeDir
		hdr.Name += "/"
		hdr.Mode = 0o755
	case info.Mode().IsRegular():
		hdr.Typeflag = tar.TypeReg
		hdr.Size = info.Size()
		hdr.Mode = 0o644
		if info.Mode().Perm()&0o111 != 0 {
			hdr.Mode = 0o755
		}
	default:
		// links and devices are not shipped
		return nil
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if hdr.Typeflag != tar.TypeReg {
		return nil
	}

	f, err := os.Open(abs)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}

// checksumFile returns the sha256 hex digest of the file at p
func checksumFile(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
