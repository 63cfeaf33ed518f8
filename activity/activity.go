/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package activity tracks which kind of session currently owns the
// microphone, so a direct call and a room can never run at the same time.
package activity

import (
	"errors"
	"fmt"
	"sync"
)

// Kind is the kind of session holding the guard.
type Kind string

const (
	None Kind = ""
	Call Kind = "call"
	Room Kind = "room"
)

// ErrBusy is returned by Acquire when another kind already holds the guard.
var ErrBusy = errors.New("activity: another session is active")

// Guard is shared by the direct-call and room managers of one client.
// The zero value is ready to use.
type Guard struct {
	mu    sync.Mutex
	owner Kind
}

// Acquire claims the guard for k. Re-acquiring by the current owner
// succeeds.
func (g *Guard) Acquire(k Kind) error {
	if k == None {
		return errors.New("activity: cannot acquire for no kind")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.owner != None && g.owner != k {
		return fmt.Errorf("%w: in %s", ErrBusy, g.owner)
	}
	g.owner = k
	return nil
}

// Release gives the guard up if k holds it.
func (g *Guard) Release(k Kind) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.owner == k {
		g.owner = None
	}
}

// Current returns the kind holding the guard, or None.
func (g *Guard) Current() Kind {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.owner
}
