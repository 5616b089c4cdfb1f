package logsource

import (
	"bytes"
	"sync"
)

// MemSource is an in-memory Source for tests. It models a log file that can
// grow, be truncated in place or be replaced by a new file.
type MemSource struct {
	mu      sync.Mutex
	content []byte
	inode   uint64
	openErr error
}

// NewMemSource creates a MemSource with initial content and inode 1
func NewMemSource(content string) *MemSource {
	return &MemSource{content: []byte(content), inode: 1}
}

// Name returns a fixed name
func (m *MemSource) Name() string {
	return "memory"
}

// Open returns a handle over a copy of the current content
func (m *MemSource) Open() (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return nil, m.openErr
	}
	data := make([]byte, len(m.content))
	copy(data, m.content)
	return &memHandle{Reader: bytes.NewReader(data), inode: m.inode}, nil
}

// Append appends raw text to the log
func (m *MemSource) Append(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.content = append(m.content, text...)
}

// Truncate empties the log in place (copytruncate rotation)
func (m *MemSource) Truncate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.content = nil
}

// Replace swaps in a new file with a new inode (create rotation)
func (m *MemSource) Replace(content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.content = []byte(content)
	m.inode++
}

// SetOpenErr makes subsequent Open calls fail with err (nil clears it)
func (m *MemSource) SetOpenErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openErr = err
}

type memHandle struct {
	*bytes.Reader
	inode uint64
}

func (h *memHandle) Stat() (FileStat, error) {
	return FileStat{Size: h.Reader.Size(), Inode: h.inode}, nil
}

func (h *memHandle) Close() error {
	return nil
}
