package fetch

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zipMagic  = []byte("PK\x03\x04")
)

var errTooLarge = errors.New("extracted contents exceed size limit")

// extract unpacks the archive at src into dst, detecting the format by its
// leading bytes.
func extract(ctx context.Context, src, dst string, maxBytes int64) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	head := make([]byte, 4)
	n, _ := io.ReadFull(f, head)
	head = head[:n]
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	switch {
	case bytes.HasPrefix(head, gzipMagic):
		return extractTarGz(ctx, f, dst, maxBytes)
	case bytes.HasPrefix(head, zipMagic):
		info, err := f.Stat()
		if err != nil {
			return err
		}
		return extractZip(ctx, f, info.Size(), dst, maxBytes)
	default:
		return fmt.Errorf("unrecognized archive format")
	}
}

func extractTarGz(ctx context.Context, r io.Reader, dst string, maxBytes int64) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("invalid gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("invalid tar stream: %w", err)
		}

		switch hdr.Typeflag {
		case tar.TypeXGlobalHeader, tar.TypeXHeader:
			continue
		case tar.TypeSymlink, tar.TypeLink:
			return fmt.Errorf("%s: links are not allowed", hdr.Name)
		case tar.TypeDir:
			target, err := safeJoin(dst, hdr.Name)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			target, err := safeJoin(dst, hdr.Name)
			if err != nil {
				return err
			}
			n, err := writeFile(target, tr, fileMode(hdr.FileInfo().Mode()), maxBytes-total)
			total += n
			if err != nil {
				return err
			}
		default:
			return fmt.Errorf("%s: unsupported entry type %q", hdr.Name, hdr.Typeflag)
		}
	}
}

func extractZip(ctx context.Context, r io.ReaderAt, size int64, dst string, maxBytes int64) error {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return fmt.Errorf("invalid zip archive: %w", err)
	}

	var total int64
	for _, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		mode := zf.Mode()
		if mode&os.ModeSymlink != 0 {
			return fmt.Errorf("%s: links are not allowed", zf.Name)
		}
		target, err := safeJoin(dst, zf.Name)
		if err != nil {
			return err
		}
		if mode.IsDir() || strings.HasSuffix(zf.Name, "/") {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if !mode.IsRegular() {
			return fmt.Errorf("%s: unsupported entry type", zf.Name)
		}

		rc, err := zf.Open()
		if err != nil {
			return err
		}
		n, err := writeFile(target, rc, fileMode(mode), maxBytes-total)
		rc.Close()
		total += n
		if err != nil {
			return err
		}
	}
	return nil
}

// safeJoin resolves an archive entry name under root, rejecting absolute
// names and names that climb out of root.
func safeJoin(root, name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if path.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", fmt.Errorf("%s: absolute paths are not allowed", name)
	}
	cleaned := path.Clean(name)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%s: path escapes the package directory", name)
	}
	return filepath.Join(root, filepath.FromSlash(cleaned)), nil
}

func fileMode(m os.FileMode) os.FileMode {
	if m&0o111 != 0 {
		return 0o755
	}
	return 0o644
}

func writeFile(target string, r io.Reader, mode os.FileMode, budget int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, io.LimitReader(r, budget+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, err
	}
	if n > budget {
		return n, errTooLarge
	}
	return n, nil
}

// hoist returns the directory holding the package contents: the single
// top-level directory when the archive wraps everything in one, otherwise
// dir itself.
func hoist(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("archive is empty")
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(dir, entries[0].Name()), nil
	}
	return dir, nil
}
