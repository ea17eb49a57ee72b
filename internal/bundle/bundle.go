// Package bundle moves a mirror tree across an air gap as a single tar.zst
// archive.
package bundle

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/clean-dependency-project/pypi-mirror/internal/catalog"
)

// ErrUnsafePath is returned when an archive entry would land outside the
// extraction directory.
var ErrUnsafePath = errors.New("archive entry escapes destination")

// Summary describes one export or import.
type Summary struct {
	Files int   `json:"files"`
	Bytes int64 `json:"bytes"`
}

// Export writes every regular file under root into out as tar.zst. Entry
// names are slash-separated paths relative to root, in lexical order, with a
// fixed modification time so identical trees give identical archives.
// Hidden files and the archive itself are skipped.
func Export(root, out string, logger *slog.Logger) (Summary, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	var sum Summary

	absOut, err := filepath.Abs(out)
	if err != nil {
		return sum, fmt.Errorf("failed to resolve %s: %w", out, err)
	}
	f, err := os.Create(out)
	if err != nil {
		return sum, fmt.Errorf("failed to create bundle %s: %w", out, err)
	}
	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		_ = f.Close()
		return sum, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	tw := tar.NewWriter(zw)

	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p != root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || strings.HasSuffix(d.Name(), catalog.QuarantineSuffix) {
			return nil
		}
		if abs, err := filepath.Abs(p); err == nil && abs == absOut {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		n, err := addFile(tw, p, filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		sum.Files++
		sum.Bytes += n
		return nil
	})

	closeErr := errors.Join(tw.Close(), zw.Close(), f.Close())
	if walkErr != nil {
		return sum, fmt.Errorf("failed to bundle %s: %w", root, walkErr)
	}
	if closeErr != nil {
		return sum, fmt.Errorf("failed to finish bundle %s: %w", out, closeErr)
	}
	logger.Info("bundle written", "file", out, "files", sum.Files, "size_bytes", sum.Bytes)
	return sum, nil
}

func addFile(tw *tar.Writer, filePath, name string) (int64, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}

	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    fi.Size(),
		ModTime: time.Unix(0, 0),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return 0, err
	}
	return io.Copy(tw, f)
}

// List returns the entry names of a bundle in archive order.
func List(bundlePath string) ([]string, error) {
	var names []string
	err := walk(bundlePath, func(hdr *tar.Header, _ io.Reader) error {
		names = append(names, hdr.Name)
		return nil
	})
	return names, err
}

// Extract unpacks a bundle into dest, overwriting existing files.
func Extract(bundlePath, dest string, logger *slog.Logger) (Summary, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	var sum Summary
	err := walk(bundlePath, func(hdr *tar.Header, r io.Reader) error {
		if hdr.Typeflag != tar.TypeReg {
			return nil
		}
		clean := path.Clean(hdr.Name)
		if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
			return fmt.Errorf("%w: %s", ErrUnsafePath, hdr.Name)
		}
		target := filepath.Join(dest, filepath.FromSlash(clean))
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		out, err := os.Create(target)
		if err != nil {
			return err
		}
		n, err := io.Copy(out, r)
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("failed to write %s: %w", target, err)
		}
		sum.Files++
		sum.Bytes += n
		return nil
	})
	if err != nil {
		return sum, err
	}
	logger.Info("bundle extracted", "file", bundlePath, "files", sum.Files, "size_bytes", sum.Bytes)
	return sum, nil
}

func walk(bundlePath string, fn func(*tar.Header, io.Reader) error) error {
	f, err := os.Open(bundlePath)
	if err != nil {
		return fmt.Errorf("failed to open bundle %s: %w", bundlePath, err)
	}
	defer func() { _ = f.Close() }()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to read bundle %s: %w", bundlePath, err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read bundle %s: %w", bundlePath, err)
		}
		if err := fn(hdr, tr); err != nil {
			return err
		}
	}
}
