package envelope

import (
	"bytes"
	"io"
	"os"
)

// spool buffers a part payload in memory up to a threshold, then spills to a
// temp file. Readers are independent section readers, so a spilled payload
// can be read concurrently by the hash-chain verifier and the encoder.
type spool struct {
	threshold int64
	dir       string
	buf       []byte
	file      *os.File
	size      int64
}

func newSpool(threshold int64, dir string) *spool {
	s := &spool{threshold: threshold, dir: dir}
	if threshold > 0 && threshold <= 64<<10 {
		s.buf = make([]byte, 0, threshold)
	}
	return s
}

func (s *spool) Write(data []byte) (int, error) {
	if s.file != nil {
		n, err := s.file.Write(data)
		s.size += int64(n)
		return n, err
	}
	if int64(len(s.buf))+int64(len(data)) <= s.threshold {
		s.buf = append(s.buf, data...)
		s.size += int64(len(data))
		return len(data), nil
	}
	f, err := os.CreateTemp(s.dir, "relayd-part-")
	if err != nil {
		return 0, err
	}
	if len(s.buf) > 0 {
		if _, err := f.Write(s.buf); err != nil {
			f.Close()
			_ = os.Remove(f.Name())
			return 0, err
		}
	}
	n, err := f.Write(data)
	if err != nil {
		f.Close()
		_ = os.Remove(f.Name())
		return n, err
	}
	s.file = f
	s.buf = nil
	s.size += int64(n)
	return n, nil
}

func (s *spool) spilled() bool { return s.file != nil }

func (s *spool) reader() io.ReadSeeker {
	if s.file != nil {
		return io.NewSectionReader(s.file, 0, s.size)
	}
	return bytes.NewReader(s.buf)
}

func (s *spool) Close() error {
	if s.file != nil {
		name := s.file.Name()
		err := s.file.Close()
		_ = os.Remove(name)
		s.file = nil
		return err
	}
	s.buf = nil
	return nil
}
