package mux

import (
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const maxArchiveChunks = 8

// CaptureRing keeps the recent output of one pane. Live lines are bounded by
// a byte budget; on overflow the oldest half is compressed into a zstd chunk
// so Tail can still serve history without holding it uncompressed.
type CaptureRing struct {
	mu        sync.Mutex
	limit     int
	lines     []string
	liveBytes int

	archived      [][]byte // zstd chunks, oldest first
	archivedLines []int

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewCaptureRing creates a ring with the given live-byte budget.
func NewCaptureRing(limit int) (*CaptureRing, error) {
	if limit <= 0 {
		limit = 64 * 1024
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, err
	}
	return &CaptureRing{limit: limit, enc: enc, dec: dec}, nil
}

// Append adds one output line.
func (r *CaptureRing) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	r.liveBytes += len(line) + 1
	if r.liveBytes > r.limit && len(r.lines) > 1 {
		r.archiveOldestLocked()
	}
}

func (r *CaptureRing) archiveOldestLocked() {
	n := len(r.lines) / 2
	if n == 0 {
		n = 1
	}
	if r.enc == nil {
		// Closed ring: drop instead of archive.
		for _, l := range r.lines[:n] {
			r.liveBytes -= len(l) + 1
		}
		r.lines = append([]string(nil), r.lines[n:]...)
		return
	}
	chunk := strings.Join(r.lines[:n], "\n")
	compressed := r.enc.EncodeAll([]byte(chunk), nil)
	r.archived = append(r.archived, compressed)
	r.archivedLines = append(r.archivedLines, n)
	if len(r.archived) > maxArchiveChunks {
		r.archived = r.archived[1:]
		r.archivedLines = r.archivedLines[1:]
	}
	for _, l := range r.lines[:n] {
		r.liveBytes -= len(l) + 1
	}
	r.lines = append([]string(nil), r.lines[n:]...)
}

// Tail returns the most recent n lines, reaching into the archive when the
// live buffer does not hold enough. n <= 0 returns all live lines.
func (r *CaptureRing) Tail(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n >= len(r.lines) {
		need := n - len(r.lines)
		if n <= 0 {
			need = 0
		}
		out := r.restoreLocked(need)
		return append(out, r.lines...)
	}
	return append([]string(nil), r.lines[len(r.lines)-n:]...)
}

// restoreLocked decompresses archive chunks, newest first, until need lines
// are recovered.
func (r *CaptureRing) restoreLocked(need int) []string {
	if need <= 0 || len(r.archived) == 0 {
		return nil
	}
	var out []string
	for i := len(r.archived) - 1; i >= 0 && need > 0; i-- {
		raw, err := r.dec.DecodeAll(r.archived[i], nil)
		if err != nil {
			continue
		}
		lines := strings.Split(string(raw), "\n")
		if len(lines) > need {
			lines = lines[len(lines)-need:]
		}
		out = append(lines, out...)
		need -= len(lines)
	}
	return out
}

// Len reports live plus archived line count.
func (r *CaptureRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := len(r.lines)
	for _, n := range r.archivedLines {
		total += n
	}
	return total
}

// Close releases the codec state.
func (r *CaptureRing) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enc != nil {
		r.enc.Close()
		r.enc = nil
	}
	if r.dec != nil {
		r.dec.Close()
		r.dec = nil
	}
}
