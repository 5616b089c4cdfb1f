package logsource

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrSourceUnavailable is returned when the log source cannot be opened or read
var ErrSourceUnavailable = errors.New("log source unavailable")

// FileStat contains metadata about an opened log source
type FileStat struct {
	Size  int64
	Inode uint64 // 0 if unknown
}

// Handle is an opened log source
type Handle interface {
	io.ReadSeeker
	io.Closer

	// Stat returns the size and identity of the opened source
	Stat() (FileStat, error)
}

// Source opens the append-only log stream. It may be replaced (rotated) at any time.
type Source interface {
	// Open opens the current version of the log
	Open() (Handle, error)

	// Name identifies the source in logs
	Name() string
}

// FileSource reads the log from a filesystem path
type FileSource struct {
	path string
}

// NewFileSource creates a source for the log at path
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Name returns the file path
func (s *FileSource) Name() string {
	return s.path
}

// Open opens the file at the configured path
func (s *FileSource) Open() (Handle, error) {
	file, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return &fileHandle{File: file}, nil
}

type fileHandle struct {
	*os.File
}

func (h *fileHandle) Stat() (FileStat, error) {
	info, err := h.File.Stat()
	if err != nil {
		return FileStat{}, fmt.Errorf("failed to stat file: %w", err)
	}
	return FileStat{Size: info.Size(), Inode: fileInode(info)}, nil
}
