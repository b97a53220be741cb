// Package archive loads a package bundle (a zip file containing user spider code plus a
// compose.json manifest) onto disk, deriving its package id and decoding its manifest.
//
// Grounded on TSDAP/spider/manager.py's load(): the package id is the md5 digest of the
// archive's first line, not a whole-file digest and not an explicit field in compose.json.
// This is deliberate (see DESIGN.md's Open Question decisions) — two archives whose first
// line differs only in a trailing comment still resolve to different package ids, which is
// documented behavior to preserve rather than a bug to fix.
package archive

import (
	"archive/zip"
	"bufio"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spiderdock/spiderd/pkg/types"
)

// ErrAlreadyLoaded is returned by Load when the archive's derived package id already has an
// extracted directory under root. Load leaves that directory untouched and logs nothing;
// Manager.Load returns this error to its caller unchanged.
var ErrAlreadyLoaded = fmt.Errorf("archive: package already loaded")

// Loaded describes the result of extracting a package archive.
type Loaded struct {
	ID      string
	Dir     string
	Compose types.Compose
	Size    int64
}

// PackageID returns the md5 hex digest of path's first line, the package's stable identity.
func PackageID(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("archive: open %q: %w", path, err)
	}
	defer f.Close()

	line, err := bufio.NewReader(f).ReadBytes('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("archive: read first line of %q: %w", path, err)
	}

	sum := md5.Sum(line)
	return hex.EncodeToString(sum[:]), nil
}

// Load extracts the zip archive at archivePath into a new directory under root named after
// the archive's package id, and decodes its compose.json manifest. If a directory for this
// package id already exists, Load returns ErrAlreadyLoaded without touching it.
func Load(archivePath, root string) (*Loaded, error) {
	if _, err := os.Stat(archivePath); err != nil {
		return nil, fmt.Errorf("archive: %q not found: %w", archivePath, err)
	}

	id, err := PackageID(archivePath)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(root, id)
	if _, err := os.Stat(dir); err == nil {
		return nil, ErrAlreadyLoaded
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: create package dir: %w", err)
	}

	if err := extractZip(archivePath, dir); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	compose, err := readCompose(filepath.Join(dir, "compose.json"))
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	size, err := dirSize(dir)
	if err != nil {
		return nil, err
	}

	return &Loaded{ID: id, Dir: dir, Compose: compose, Size: size}, nil
}

func extractZip(archivePath, dir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("archive: open zip: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		dest := filepath.Join(dir, f.Name)
		if !isWithin(dir, dest) {
			return fmt.Errorf("archive: zip entry %q escapes package directory", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}

		if err := extractFile(f, dest); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, rc)
	return err
}

func isWithin(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func readCompose(path string) (types.Compose, error) {
	var c types.Compose

	f, err := os.Open(path)
	if err != nil {
		return c, fmt.Errorf("archive: open compose.json: %w", err)
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(&c); err != nil {
		return c, fmt.Errorf("archive: decode compose.json: %w", err)
	}
	return c, nil
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// FormatSize renders n bytes in human-readable units (B/KB/MB/GB/TB), grounded on
// TSDAP/utils/files.py's covert_size_to_str.
func FormatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	units := []string{"KB", "MB", "GB", "TB"}
	return fmt.Sprintf("%.1f%s", float64(n)/float64(div), units[exp])
}
