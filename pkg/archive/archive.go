// Package archive unpacks the result tarballs fetched from benchmark hosts.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"
)

// Compression identifies the tarball compression codec.
type Compression string

const (
	CompressionGzip Compression = "gzip"
	CompressionXZ   Compression = "xz"
)

// DetectCompression infers the codec from the archive file name, defaulting
// to gzip for unknown extensions.
func DetectCompression(path string) Compression {
	switch {
	case strings.HasSuffix(path, ".tar.xz") || strings.HasSuffix(path, ".txz"):
		return CompressionXZ
	default:
		return CompressionGzip
	}
}

// ExtractTar unpacks the tarball at archivePath into destDir and returns the
// relative paths of the extracted regular files. Entries that would escape
// destDir are rejected.
func ExtractTar(archivePath, destDir string, compression Compression) ([]string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	var decompressed io.Reader
	switch compression {
	case CompressionXZ:
		r, err := xz.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open xz stream: %w", err)
		}
		decompressed = r
	case CompressionGzip, "":
		r, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		defer r.Close()
		decompressed = r
	default:
		return nil, fmt.Errorf("unsupported compression %q", compression)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("create destination: %w", err)
	}

	tr := tar.NewReader(decompressed)
	var extracted []string
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return extracted, fmt.Errorf("read archive: %w", err)
		}

		target, err := securePath(destDir, header.Name)
		if err != nil {
			return extracted, err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return extracted, fmt.Errorf("create directory %s: %w", header.Name, err)
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, header.FileInfo().Mode().Perm()); err != nil {
				return extracted, fmt.Errorf("extract %s: %w", header.Name, err)
			}
			rel, err := filepath.Rel(destDir, target)
			if err != nil {
				rel = header.Name
			}
			extracted = append(extracted, rel)
		default:
			// Symlinks and special files are not expected in result
			// tarballs and are skipped rather than materialised.
		}
	}
	return extracted, nil
}

func securePath(destDir, name string) (string, error) {
	cleaned := filepath.Clean(name)
	if filepath.IsAbs(cleaned) || strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("archive entry %q escapes destination", name)
	}
	target := filepath.Join(destDir, cleaned)
	if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) && target != filepath.Clean(destDir) {
		return "", fmt.Errorf("archive entry %q escapes destination", name)
	}
	return target, nil
}

func writeFile(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if mode == 0 {
		mode = 0o644
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
