package archive

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// IndexEntry locates one record frame inside an archive.
type IndexEntry struct {
	MessageID string
	Sequence  uint64
	// Offset is the absolute position of the frame in the archive file.
	Offset int64
}

// Index maps message ids and sequences to record offsets.
type Index struct {
	entries []IndexEntry
	bySeq   map[uint64]int
	byID    map[string][]int
}

// NewIndex validates entries and builds an index. Entries must be in
// sequence order with strictly increasing offsets.
func NewIndex(entries []IndexEntry) (*Index, error) {
	ix := &Index{
		entries: make([]IndexEntry, 0, len(entries)),
		bySeq:   make(map[uint64]int, len(entries)),
		byID:    make(map[string][]int, len(entries)),
	}
	for _, entry := range entries {
		if err := ix.add(entry); err != nil {
			return nil, err
		}
	}
	return ix, nil
}

func (ix *Index) add(entry IndexEntry) error {
	if entry.MessageID == "" || strings.ContainsAny(entry.MessageID, ",\r\n") {
		return fmt.Errorf("archive: index message id %q is not representable", entry.MessageID)
	}
	if entry.Offset < 0 {
		return fmt.Errorf("archive: index offset %d is negative", entry.Offset)
	}
	if _, dup := ix.bySeq[entry.Sequence]; dup {
		return fmt.Errorf("archive: index duplicate sequence %d", entry.Sequence)
	}
	if n := len(ix.entries); n > 0 {
		prev := ix.entries[n-1]
		if entry.Sequence < prev.Sequence {
			return fmt.Errorf("archive: index sequence %d after %d", entry.Sequence, prev.Sequence)
		}
		if entry.Offset <= prev.Offset {
			return fmt.Errorf("archive: index offset %d for sequence %d does not increase", entry.Offset, entry.Sequence)
		}
	}
	pos := len(ix.entries)
	ix.entries = append(ix.entries, entry)
	ix.bySeq[entry.Sequence] = pos
	ix.byID[entry.MessageID] = append(ix.byID[entry.MessageID], pos)
	return nil
}

// Entries returns the entries in sequence order.
func (ix *Index) Entries() []IndexEntry {
	out := make([]IndexEntry, len(ix.entries))
	copy(out, ix.entries)
	return out
}

// Len returns the number of entries.
func (ix *Index) Len() int { return len(ix.entries) }

// BySequence looks up a record by sequence.
func (ix *Index) BySequence(seq uint64) (IndexEntry, bool) {
	pos, ok := ix.bySeq[seq]
	if !ok {
		return IndexEntry{}, false
	}
	return ix.entries[pos], true
}

// ByMessageID returns every record logged for id.
func (ix *Index) ByMessageID(id string) []IndexEntry {
	positions := ix.byID[id]
	out := make([]IndexEntry, len(positions))
	for i, pos := range positions {
		out[i] = ix.entries[pos]
	}
	return out
}

// WriteTo writes messageId,sequence,byteOffset lines.
func (ix *Index) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var total int64
	for _, entry := range ix.entries {
		n, err := fmt.Fprintf(bw, "%s,%d,%d\n", entry.MessageID, entry.Sequence, entry.Offset)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, bw.Flush()
}

// LoadIndex parses an index. Any malformed line is an error naming the line.
func LoadIndex(r io.Reader) (*Index, error) {
	ix, _ := NewIndex(nil)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		fields := strings.Split(text, ",")
		if len(fields) != 3 {
			return nil, fmt.Errorf("archive: index line %d: %d fields, want 3", line, len(fields))
		}
		seq, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("archive: index line %d: sequence %q: %w", line, fields[1], err)
		}
		offset, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("archive: index line %d: offset %q: %w", line, fields[2], err)
		}
		if err := ix.add(IndexEntry{MessageID: fields[0], Sequence: seq, Offset: offset}); err != nil {
			return nil, fmt.Errorf("archive: index line %d: %w", line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("archive: read index: %w", err)
	}
	return ix, nil
}
