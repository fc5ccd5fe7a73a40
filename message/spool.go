package message

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// MaxMailBodySize caps how much of a single part's body this package will
// buffer in memory before insisting on a file spill, mirroring the generous
// but bounded limit the teacher's mail-reading code applies to an entire
// message.
const MaxMailBodySize = 32 * 1048576

// SpoolMode selects where a non-restartable stream's bytes are cached once
// read, so that a second pass (the DKIM body hash, after the DATA pass, or
// vice versa) can replay them without re-reading the original source.
type SpoolMode int

const (
	// SpoolMemory buffers the entire stream in a byte slice.
	SpoolMemory SpoolMode = iota
	// SpoolFile buffers the stream to a temporary file, for attachments too
	// large to comfortably hold twice in memory.
	SpoolFile
)

// Spool reads a non-restartable source exactly once and makes the result
// available as a Restartable. Close must be called to release any temporary
// file backing it.
type Spool struct {
	mode    SpoolMode
	data    []byte
	tmpPath string
}

// NewSpool drains src according to mode and returns a Restartable view over
// the captured bytes. The caller owns the returned Spool and must Close it.
func NewSpool(src io.Reader, mode SpoolMode) (*Spool, error) {
	s := &Spool{mode: mode}
	switch mode {
	case SpoolFile:
		f, err := os.CreateTemp("", "dkimsmtp-spool-")
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if _, err := io.Copy(f, src); err != nil {
			os.Remove(f.Name())
			return nil, err
		}
		s.tmpPath = f.Name()
	default:
		buf, err := io.ReadAll(io.LimitReader(src, MaxMailBodySize+1))
		if err != nil {
			return nil, err
		}
		if len(buf) > MaxMailBodySize {
			return nil, fmt.Errorf("message.NewSpool: body exceeds %d bytes, use SpoolFile", MaxMailBodySize)
		}
		s.data = buf
	}
	return s, nil
}

func (s *Spool) Read(p []byte) (int, error) {
	r, err := s.Restart()
	if err != nil {
		return 0, err
	}
	defer r.Close()
	return r.Read(p)
}

// Restart returns a fresh reader over the spooled bytes from the beginning.
func (s *Spool) Restart() (io.ReadCloser, error) {
	if s.mode == SpoolFile {
		f, err := os.Open(s.tmpPath)
		if err != nil {
			return nil, err
		}
		return f, nil
	}
	return io.NopCloser(bytes.NewReader(s.data)), nil
}

// Close removes any temporary file backing the spool. It is a no-op for
// memory-backed spools.
func (s *Spool) Close() error {
	if s.mode == SpoolFile && s.tmpPath != "" {
		return os.Remove(s.tmpPath)
	}
	return nil
}
