// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package logging

import "sync"

// ChangeLogger reports whether a status tuple differs from the previously
// seen one, so a poller can log only when something moved.
type ChangeLogger[T comparable] struct {
	mu   sync.Mutex
	last T
	seen bool
}

// Changed stores v and reports true on the first call and whenever v differs
// from the previous value.
func (c *ChangeLogger[T]) Changed(v T) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen && c.last == v {
		return false
	}
	c.last = v
	c.seen = true
	return true
}

// Reset forgets the last value.
func (c *ChangeLogger[T]) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	c.last = zero
	c.seen = false
}
