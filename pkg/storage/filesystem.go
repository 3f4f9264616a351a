package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrInvalidLocator is returned for locators escaping the storage root.
var ErrInvalidLocator = errors.New("invalid storage locator")

// StoredFile describes a file found while walking the storage root.
type StoredFile struct {
	Locator string
	Size    int64
	ModTime time.Time
}

// LocalStorage persists attachment files on disk under a base directory.
type LocalStorage struct {
	baseDir string
}

// NewLocalStorage ensures the base directory exists and returns a handle.
func NewLocalStorage(baseDir string) (*LocalStorage, error) {
	if baseDir == "" {
		baseDir = "./uploads/complaints"
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &LocalStorage{baseDir: baseDir}, nil
}

// Store copies from reader into the locator path and returns the locator.
func (s *LocalStorage) Store(locator string, r io.Reader) (string, error) {
	path, err := s.resolve(locator)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("prepare storage directory: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create stored file: %w", err)
	}
	if _, err := io.Copy(file, r); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("write stored file: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("close stored file: %w", err)
	}
	return locator, nil
}

// Open returns a read-only handle for the stored file.
func (s *LocalStorage) Open(locator string) (*os.File, error) {
	path, err := s.resolve(locator)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open stored file: %w", err)
	}
	return file, nil
}

// Exists reports whether a file is present at the locator.
func (s *LocalStorage) Exists(locator string) (bool, error) {
	path, err := s.resolve(locator)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat stored file: %w", err)
	}
	return !info.IsDir(), nil
}

// Delete removes a stored file if present.
func (s *LocalStorage) Delete(locator string) error {
	path, err := s.resolve(locator)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete stored file: %w", err)
	}
	return nil
}

// Walk lists every stored file older than the cutoff.
func (s *LocalStorage) Walk(olderThan time.Time) ([]StoredFile, error) {
	files := make([]StoredFile, 0)
	err := filepath.WalkDir(s.baseDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(olderThan) {
			return nil
		}
		rel, err := filepath.Rel(s.baseDir, path)
		if err != nil {
			return err
		}
		files = append(files, StoredFile{Locator: filepath.ToSlash(rel), Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk storage: %w", err)
	}
	return files, nil
}
