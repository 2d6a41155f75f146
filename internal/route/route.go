// SPDX-FileCopyrightText: 2025 Mads R. Havmand <mads@v42.dk>
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package route maps document keys to processing partitions. The mapping
// is a pure function of key, bucket month and partition count, so every
// instance routes the same document to the same partition without
// coordination.
package route

import (
	"fmt"
	"hash/fnv"
	"time"
)

// Partitioner assigns keys to one of N partitions.
type Partitioner struct {
	n int
}

// New creates a partitioner over n partitions. n must be at least 1.
func New(n int) (*Partitioner, error) {
	if n < 1 {
		return nil, fmt.Errorf("route: partition count must be at least 1, got %d", n)
	}
	return &Partitioner{n: n}, nil
}

// Partitions returns the partition count.
func (p *Partitioner) Partitions() int {
	return p.n
}

// Partition returns the partition for key at t. Keys within the same
// calendar month are stable; a new month may rebalance.
func (p *Partitioner) Partition(key string, t time.Time) int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	_, _ = fmt.Fprintf(h, "/%d", Epoch(t))
	return int(h.Sum64() % uint64(p.n))
}

// Epoch is the month number of t since year zero, the time component of
// the partition function.
func Epoch(t time.Time) int {
	u := t.UTC()
	return u.Year()*12 + int(u.Month()) - 1
}
