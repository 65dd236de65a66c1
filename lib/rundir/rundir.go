/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package rundir implements component J: the in-process map of currently
// connected runner sockets. It is lost on broker restart; runners
// re-register within their heartbeat cycle.
package rundir

import (
	"sync"
	"time"
)

// Status is a runner directory entry's liveness state.
type Status string

const (
	StatusOnline Status = "online"
	StatusBusy   Status = "busy"
)

// Emitter is the minimal capability the directory needs from a runner's
// transport: queue a named event for delivery. It is implemented by the
// gateway package's socket type, kept out of this package so the directory
// doesn't depend on a specific transport.
type Emitter interface {
	Emit(event string, payload interface{})
	Close()
}

// Entry is one runner directory record.
type Entry struct {
	RunnerID    string
	Socket      Emitter
	Status      Status
	ConnectedAt time.Time
}

// Directory is a concurrency-safe map of runnerId -> Entry. All critical
// sections are short: no store call or socket write ever happens while
// holding mu.
type Directory struct {
	mu      sync.RWMutex
	runners map[string]*Entry
}

// New constructs an empty Directory.
func New() *Directory {
	return &Directory{runners: make(map[string]*Entry)}
}

// Register inserts or replaces the entry for runnerID, returning the
// previous entry's socket if one existed so the caller can close it (a
// later registration for the same runnerId replaces the earlier one).
func (d *Directory) Register(runnerID string, sock Emitter, connectedAt time.Time) (previous Emitter) {
	entry := &Entry{
		RunnerID:    runnerID,
		Socket:      sock,
		Status:      StatusOnline,
		ConnectedAt: connectedAt,
	}
	d.mu.Lock()
	if old, ok := d.runners[runnerID]; ok {
		previous = old.Socket
	}
	d.runners[runnerID] = entry
	d.mu.Unlock()
	return previous
}

// Unregister removes runnerID's entry if sock is still its current
// socket (guards against a stale unregister racing a newer register).
func (d *Directory) Unregister(runnerID string, sock Emitter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if entry, ok := d.runners[runnerID]; ok && entry.Socket == sock {
		delete(d.runners, runnerID)
	}
}

// Get returns runnerID's entry, if connected to this broker instance.
func (d *Directory) Get(runnerID string) (*Entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.runners[runnerID]
	return entry, ok
}

// OnlineIDs returns the runnerIds currently connected to this instance.
func (d *Directory) OnlineIDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.runners))
	for id := range d.runners {
		ids = append(ids, id)
	}
	return ids
}
