package domain

import "time"

// LogCursor represents the reading position in the log file together with
// the identity of the file it was taken from
type LogCursor struct {
	Offset    int64     `json:"offset"`
	Inode     uint64    `json:"inode"`     // 0 when the platform has no inodes
	HeadLen   int       `json:"head_len"`  // number of leading bytes covered by HeadHash
	HeadHash  string    `json:"head_hash"` // sha256 hex of the first HeadLen bytes
	UpdatedAt time.Time `json:"updated_at"`
}

// FileIdentity describes the log file as currently seen on disk.
// HeadHash must be computed over the first cursor.HeadLen bytes.
type FileIdentity struct {
	Size     int64
	Inode    uint64
	HeadHash string
}

// IsZero reports whether nothing has been read yet
func (c LogCursor) IsZero() bool {
	return c.Offset == 0 && c.Inode == 0 && c.HeadLen == 0
}

// Rotated reports whether the file behind id is not the one the cursor
// was taken from: it shrank, its inode changed or its first bytes differ.
func (c LogCursor) Rotated(id FileIdentity) bool {
	if id.Size < c.Offset {
		return true
	}
	if c.Inode != 0 && id.Inode != 0 && c.Inode != id.Inode {
		return true
	}
	if c.HeadLen > 0 && id.HeadHash != c.HeadHash {
		return true
	}
	return false
}
