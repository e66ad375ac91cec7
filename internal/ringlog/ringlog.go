// Package ringlog retains the most recent log lines in a fixed-size ring
// for the admin /debug/logs endpoint. A simple modular array under a mutex:
// it is shared between the zerolog tee writer and HTTP readers, and log
// rates do not justify a lock-free structure.
package ringlog

import (
	"bytes"
	"sync"
)

type Ring struct {
	mu      sync.Mutex
	entries []string
	next    int
	filled  bool
}

func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 256
	}
	return &Ring{entries: make([]string, capacity)}
}

// Append stores one line, evicting the oldest when full.
func (r *Ring) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = line
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.filled = true
	}
}

// Write lets the ring sit behind a zerolog MultiLevelWriter. Each call is
// one log event; trailing newlines are stripped.
func (r *Ring) Write(p []byte) (int, error) {
	r.Append(string(bytes.TrimRight(p, "\n")))
	return len(p), nil
}

// Len returns the number of retained lines.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.filled {
		return len(r.entries)
	}
	return r.next
}

// GetLast returns up to n lines in insertion order, oldest first.
func (r *Ring) GetLast(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.filled {
		size = len(r.entries)
	}
	if n > size {
		n = size
	}
	if n <= 0 {
		return nil
	}

	out := make([]string, 0, n)
	start := r.next - n
	if start < 0 {
		start += len(r.entries)
	}
	for i := 0; i < n; i++ {
		out = append(out, r.entries[(start+i)%len(r.entries)])
	}
	return out
}
