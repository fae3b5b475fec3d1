package artifacts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// Kind prefixes artifact file names so operators can tell them apart on disk.
type Kind string

const (
	KindGenerated Kind = "generated"
	KindEdited    Kind = "edited"
	KindUpload    Kind = "upload"
)

var (
	// ErrEmptyArtifact reports an attempt to persist zero bytes.
	ErrEmptyArtifact = errors.New("artifacts: empty payload")
	// ErrNotImage reports a payload whose content does not sniff as an image.
	ErrNotImage = errors.New("artifacts: payload is not an image")
)

const (
	durableDirPerm = 0o755
	filePerm       = 0o644
	fallbackExt    = ".png"
)

// FileSystem is the subset of file operations the store needs.
type FileSystem interface {
	MkdirAll(path string, perm os.FileMode) error
	WriteFile(name string, data []byte, perm os.FileMode) error
	ReadFile(name string) ([]byte, error)
	Remove(name string) error
	Stat(name string) (os.FileInfo, error)
	TempDir() string
}

type osFileSystem struct{}

// NewFileSystem returns a FileSystem backed by the os package.
func NewFileSystem() FileSystem {
	return osFileSystem{}
}

func (osFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (osFileSystem) WriteFile(name string, data []byte, perm os.FileMode) error {
	return os.WriteFile(name, data, perm)
}

func (osFileSystem) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(name)
}

func (osFileSystem) Remove(name string) error {
	return os.Remove(name)
}

func (osFileSystem) Stat(name string) (os.FileInfo, error) {
	return os.Stat(name)
}

func (osFileSystem) TempDir() string {
	return os.TempDir()
}

// FileStoreConfig describes where artifacts are written.
type FileStoreConfig struct {
	DurableDir   string
	TransientDir string
	FileSystem   FileSystem
}

// FileStore writes artifact payloads under unique names. Durable files back
// cache entries and are never removed by the bot; transient files are deleted
// once delivered.
type FileStore struct {
	durableDir   string
	transientDir string
	fs           FileSystem
}

// NewFileStore creates the durable and transient directories when missing.
func NewFileStore(cfg FileStoreConfig) (*FileStore, error) {
	if strings.TrimSpace(cfg.DurableDir) == "" {
		return nil, fmt.Errorf("artifacts: durable directory is required")
	}
	fileSystem := cfg.FileSystem
	if fileSystem == nil {
		fileSystem = NewFileSystem()
	}
	transientDir := cfg.TransientDir
	if strings.TrimSpace(transientDir) == "" {
		transientDir = fileSystem.TempDir()
	}
	if err := fileSystem.MkdirAll(cfg.DurableDir, durableDirPerm); err != nil {
		return nil, fmt.Errorf("artifacts: create durable directory: %w", err)
	}
	if err := fileSystem.MkdirAll(transientDir, durableDirPerm); err != nil {
		return nil, fmt.Errorf("artifacts: create transient directory: %w", err)
	}
	return &FileStore{durableDir: cfg.DurableDir, transientDir: transientDir, fs: fileSystem}, nil
}

// SaveDurable persists an image payload under the durable directory.
func (s *FileStore) SaveDurable(kind Kind, payload []byte) (string, error) {
	return s.save(s.durableDir, kind, payload)
}

// SaveTransient persists an image payload under the temporary directory.
func (s *FileStore) SaveTransient(kind Kind, payload []byte) (string, error) {
	return s.save(s.transientDir, kind, payload)
}

// Read loads a stored payload.
func (s *FileStore) Read(path string) ([]byte, error) {
	payload, err := s.fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("artifacts: read %s: %w", filepath.Base(path), err)
	}
	return payload, nil
}

// Remove deletes a file; a missing file is not an error.
func (s *FileStore) Remove(path string) error {
	if err := s.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Exists reports whether path names a regular file.
func (s *FileStore) Exists(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	info, err := s.fs.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}

func (s *FileStore) save(dir string, kind Kind, payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", ErrEmptyArtifact
	}
	extension, err := ImageExtension(payload)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s_%s%s", kind, uuid.NewString(), extension)
	path := filepath.Join(dir, name)
	if err := s.fs.WriteFile(path, payload, filePerm); err != nil {
		return "", fmt.Errorf("artifacts: write %s: %w", name, err)
	}
	return path, nil
}

// ImageExtension sniffs the payload and returns the file extension of its image type.
func ImageExtension(payload []byte) (string, error) {
	detected := mimetype.Detect(payload)
	if !strings.HasPrefix(detected.String(), "image/") {
		return "", fmt.Errorf("%w: detected %s", ErrNotImage, detected.String())
	}
	if extension := detected.Extension(); extension != "" {
		return extension, nil
	}
	return fallbackExt, nil
}
