package common

import (
	"bufio"
	"bytes"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
)

// WriteFileAtomic writes data to a temp file next to path and renames it
// into place, so readers never observe a partially written file.
func WriteFileAtomic(path string, data []byte) error {
	return WriteAtomic(path, func(w io.Writer) error {
		_, err := io.Copy(w, bytes.NewReader(data))
		return err
	})
}

// WriteAtomic streams fill into a temp file and renames it over path only
// when fill succeeds. The temp file is removed on any failure.
func WriteAtomic(path string, fill func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Wrapf(err, "create directory %s", dir)
	}

	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return Wrap(err, "create temp file")
	}
	tmpPath := f.Name()

	if err := fill(f); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return Wrap(err, "close temp file")
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		os.Remove(tmpPath)
		return Wrap(err, "chmod temp file")
	}

	// Atomic rename
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return Wrap(err, "rename failed")
	}
	return nil
}

// WritePNG encodes img as PNG and writes it atomically.
func WritePNG(path string, img image.Image) error {
	return WriteAtomic(path, func(w io.Writer) error {
		bw := bufio.NewWriterSize(w, 256*1024)
		if err := png.Encode(bw, img); err != nil {
			return Wrap(err, "encode png")
		}
		return bw.Flush()
	})
}
