package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/vitalscan/neurostudy-backend/internal/logger"
	"github.com/vitalscan/neurostudy-backend/internal/utils"
)

// LocalDisk is the staging volume shared with the processing agents. Files
// are addressed by paths relative to the disk root, studies under
// studies/{code}/.
type LocalDisk interface {
	StudyDir(code string) string
	Write(relPath string, r io.Reader) (int64, error)
	Open(relPath string) (io.ReadCloser, error)
	Exists(relPath string) bool
	Size(relPath string) (int64, error)
	AbsPath(relPath string) string
	Remove(relPath string) error
}

type localDisk struct {
	log  *logger.Logger
	root string
}

func NewLocalDisk(baseLog *logger.Logger) (LocalDisk, error) {
	root := utils.GetEnv("LOCAL_STORAGE_PATH", "/data/storage", baseLog)
	return NewLocalDiskAt(baseLog, root)
}

func NewLocalDiskAt(baseLog *logger.Logger, root string) (LocalDisk, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("local disk root required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root %q: %w", root, err)
	}
	return &localDisk{
		log:  baseLog.With("service", "LocalDisk"),
		root: root,
	}, nil
}

func (d *localDisk) StudyDir(code string) string {
	return filepath.Join("studies", code)
}

func (d *localDisk) AbsPath(relPath string) string {
	return filepath.Join(d.root, filepath.FromSlash(relPath))
}

func (d *localDisk) Write(relPath string, r io.Reader) (int64, error) {
	abs := d.AbsPath(relPath)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create dir for %q: %w", relPath, err)
	}
	f, err := os.Create(abs)
	if err != nil {
		return 0, fmt.Errorf("failed to create %q: %w", relPath, err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("failed to write %q: %w", relPath, err)
	}
	return n, nil
}

func (d *localDisk) Open(relPath string) (io.ReadCloser, error) {
	return os.Open(d.AbsPath(relPath))
}

func (d *localDisk) Exists(relPath string) bool {
	_, err := os.Stat(d.AbsPath(relPath))
	return err == nil
}

func (d *localDisk) Size(relPath string) (int64, error) {
	fi, err := os.Stat(d.AbsPath(relPath))
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (d *localDisk) Remove(relPath string) error {
	err := os.Remove(d.AbsPath(relPath))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
