package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// CompressedExt marks files written as a zstd stream.
const CompressedExt = ".zst"

// WriteFile writes a file through a temporary sibling that is renamed into
// place only when write succeeds, so a failed run never leaves a partial
// file behind. Paths ending in .zst are zstd compressed at level.
func WriteFile(path string, level int, write func(io.Writer) error) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	tmp := filepath.Join(dir, "."+filepath.Base(path)+"."+uuid.NewString()+".tmp")
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			file.Close()
			os.Remove(tmp)
		}
	}()

	bw := bufio.NewWriter(file)
	var out io.Writer = bw
	var zw io.WriteCloser
	if strings.HasSuffix(path, CompressedExt) {
		if zw, err = NewStreamWriter(bw, level); err != nil {
			return err
		}
		out = zw
	}

	if err = write(out); err != nil {
		return err
	}
	if zw != nil {
		if err = zw.Close(); err != nil {
			return fmt.Errorf("failed to finish zstd stream: %w", err)
		}
	}
	if err = bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", path, err)
	}
	if err = file.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err = file.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err = os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", path, err)
	}
	return nil
}

// OpenFile opens a file for reading, decompressing .zst files.
func OpenFile(path string) (io.ReadCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, CompressedExt) {
		return file, nil
	}

	zr, err := NewStreamReader(bufio.NewReader(file))
	if err != nil {
		file.Close()
		return nil, err
	}
	return &compressedFile{ReadCloser: zr, file: file}, nil
}

type compressedFile struct {
	io.ReadCloser
	file *os.File
}

func (f *compressedFile) Close() error {
	return errors.Join(f.ReadCloser.Close(), f.file.Close())
}
