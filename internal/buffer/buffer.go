// Package buffer implements the growable byte ring used as both the
// per-connection socket read buffer and the outbound header scratch space.
// It is a direct port of the original LiteWebServer Buffer class: two
// cursors into a contiguous backing slice, amortised geometric growth, and a
// vectored read that absorbs large bursts in a single syscall.
package buffer

import (
	"golang.org/x/sys/unix"
)

// scratchSize is the size of the stack-spill iovec used by ReadFrom to
// absorb reads that overflow the buffer's current free tail in one syscall.
const scratchSize = 64 * 1024

const defaultCapacity = 1024

// Buffer is a growable byte ring with read_pos <= write_pos <= capacity.
// It is not safe for concurrent use; callers serialize access themselves
// (the spec's single-worker-per-connection rule).
type Buffer struct {
	data     []byte
	readPos  int
	writePos int
}

// New creates a Buffer with the given initial capacity (1024 if size <= 0).
func New(size int) *Buffer {
	if size <= 0 {
		size = defaultCapacity
	}
	return &Buffer{data: make([]byte, size)}
}

// Size returns the number of readable bytes currently buffered.
func (b *Buffer) Size() int {
	return b.writePos - b.readPos
}

// Bytes returns the readable region [read_pos, write_pos) without copying.
// Callers must not retain the slice across a mutating call.
func (b *Buffer) Bytes() []byte {
	return b.data[b.readPos:b.writePos]
}

// Append adds p to the buffer, compacting or growing as needed so it never
// silently drops bytes.
func (b *Buffer) Append(p []byte) {
	n := len(p)
	if n == 0 {
		return
	}
	if b.writePos+n <= len(b.data) {
		copy(b.data[b.writePos:], p)
	} else if b.Size()+n <= len(b.data) {
		b.compact()
		copy(b.data[b.writePos:], p)
	} else {
		newCap := 2 * len(b.data)
		if newCap < b.writePos+n+1 {
			newCap = b.writePos + n + 1
		}
		grown := make([]byte, newCap)
		copy(grown, b.data[:b.writePos])
		b.data = grown
		copy(b.data[b.writePos:], p)
	}
	b.writePos += n
}

func (b *Buffer) compact() {
	copy(b.data, b.data[b.readPos:b.writePos])
	b.writePos -= b.readPos
	b.readPos = 0
}

// Consume advances read_pos by n, or resets both cursors to zero when n
// covers the whole readable region (cheap re-use, per the spec).
func (b *Buffer) Consume(n int) {
	if n >= b.Size() {
		b.readPos = 0
		b.writePos = 0
		return
	}
	b.readPos += n
}

// Take returns the next n bytes and consumes them. It returns ok=false
// without mutating the buffer when n exceeds the readable size.
func (b *Buffer) Take(n int) (string, bool) {
	if n > b.Size() {
		return "", false
	}
	s := string(b.data[b.readPos : b.readPos+n])
	b.Consume(n)
	return s, true
}

// TakeUntil scans for the first occurrence of delim in the readable region.
// If found, it returns the prefix including delim and consumes it, leaving
// the buffer untouched (and ok=false) otherwise.
func (b *Buffer) TakeUntil(delim []byte) (string, bool) {
	region := b.data[b.readPos:b.writePos]
	idx := indexOf(region, delim)
	if idx < 0 {
		return "", false
	}
	n := idx + len(delim)
	s := string(region[:n])
	b.Consume(n)
	return s, true
}

func indexOf(haystack, needle []byte) int {
	if len(needle) == 0 || len(haystack) < len(needle) {
		return -1
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// ReadFrom performs a single vectored read from fd into the buffer's free
// tail and a stack-spill scratch area, so one syscall can absorb a burst
// larger than the buffer's current capacity under edge-triggered polling.
// It returns the number of bytes read (<=0 on error/EOF, with the error).
func (b *Buffer) ReadFrom(fd int) (int, error) {
	var scratch [scratchSize]byte

	freeTail := b.data[b.writePos:]
	iov := make([][]byte, 0, 2)
	iov = append(iov, freeTail)
	iov = append(iov, scratch[:])

	n, err := unix.Readv(fd, iov)
	if n <= 0 {
		return n, err
	}

	if b.writePos+n <= len(b.data) {
		b.writePos += n
		return n, nil
	}

	overflow := n - len(freeTail)
	b.writePos = len(b.data)
	b.Append(scratch[:overflow])
	return n, nil
}
