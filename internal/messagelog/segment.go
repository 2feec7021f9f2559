package messagelog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	segmentPrefix    = "segment-"
	openSuffix       = ".open"
	sealedSuffix     = ".rlog"
	lockFileName     = ".lock"
	segmentNameWidth = 20
)

// ClosedSegment is a sealed segment ready for archiving.
type ClosedSegment struct {
	Path     string
	FirstSeq uint64
	LastSeq  uint64
	Records  int
	Bytes    int64
}

func openSegmentName(first uint64) string {
	return fmt.Sprintf("%s%0*d%s", segmentPrefix, segmentNameWidth, first, openSuffix)
}

func sealedSegmentName(first, last uint64) string {
	return fmt.Sprintf("%s%0*d-%0*d%s", segmentPrefix, segmentNameWidth, first, segmentNameWidth, last, sealedSuffix)
}

type segmentName struct {
	name   string
	first  uint64
	last   uint64
	sealed bool
}

func parseSegmentName(name string) (segmentName, bool) {
	if !strings.HasPrefix(name, segmentPrefix) {
		return segmentName{}, false
	}
	body := strings.TrimPrefix(name, segmentPrefix)
	switch {
	case strings.HasSuffix(body, openSuffix):
		first, err := strconv.ParseUint(strings.TrimSuffix(body, openSuffix), 10, 64)
		if err != nil {
			return segmentName{}, false
		}
		return segmentName{name: name, first: first}, true
	case strings.HasSuffix(body, sealedSuffix):
		first, last, ok := strings.Cut(strings.TrimSuffix(body, sealedSuffix), "-")
		if !ok {
			return segmentName{}, false
		}
		a, err1 := strconv.ParseUint(first, 10, 64)
		b, err2 := strconv.ParseUint(last, 10, 64)
		if err1 != nil || err2 != nil || b < a {
			return segmentName{}, false
		}
		return segmentName{name: name, first: a, last: b, sealed: true}, true
	}
	return segmentName{}, false
}

func listSegments(dir string) ([]segmentName, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("messagelog: list %s: %w", dir, err)
	}
	var out []segmentName
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if seg, ok := parseSegmentName(entry.Name()); ok {
			out = append(out, seg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].first != out[j].first {
			return out[i].first < out[j].first
		}
		return out[i].sealed && !out[j].sealed
	})
	return out, nil
}

// errTornFrame marks an incomplete or corrupt frame at a segment tail.
var errTornFrame = errors.New("messagelog: torn frame")

// scanFrames calls fn for each intact frame in r and returns the offset
// just past the last intact frame. A short or corrupt frame stops the scan
// with errTornFrame.
func scanFrames(r io.Reader, fn func(Frame) error) (int64, error) {
	reader := bufio.NewReader(r)
	var offset int64
	header := make([]byte, HeaderSize)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			if errors.Is(err, io.EOF) {
				return offset, nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return offset, fmt.Errorf("%w at offset %d: short header", errTornFrame, offset)
			}
			return offset, err
		}
		size, err := FrameLength(header)
		if err != nil {
			return offset, fmt.Errorf("%w at offset %d: %w", errTornFrame, offset, err)
		}
		raw := make([]byte, size)
		copy(raw, header)
		if _, err := io.ReadFull(reader, raw[HeaderSize:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return offset, fmt.Errorf("%w at offset %d: short payload", errTornFrame, offset)
			}
			return offset, err
		}
		frame, err := DecodeFrame(raw)
		if err != nil {
			return offset, fmt.Errorf("%w at offset %d: %w", errTornFrame, offset, err)
		}
		frame.Offset = offset
		if fn != nil {
			if err := fn(frame); err != nil {
				return offset, err
			}
		}
		offset += int64(size)
	}
}

// ReadSegment calls fn for every frame of a segment file. Any corruption is
// an error.
func ReadSegment(path string, fn func(Frame) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("messagelog: open segment: %w", err)
	}
	defer file.Close()
	if _, err := scanFrames(file, fn); err != nil {
		return fmt.Errorf("messagelog: read %s: %w", filepath.Base(path), err)
	}
	return nil
}
