// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package hass

import (
	"sync"

	"github.com/ManuGH/piresence/internal/metrics"
)

// response is the completion value of a pending command.
type response struct {
	msg Message
	err error
}

// pendingTable correlates in-flight commands with their responses. It is
// owned by exactly one connection; ids are never reused within it.
type pendingTable struct {
	mu      sync.Mutex
	lastID  uint64
	waiters map[uint64]chan response
	closed  error
}

func newPendingTable() *pendingTable {
	return &pendingTable{waiters: make(map[uint64]chan response)}
}

// register allocates the next id and its completion slot. It fails with the
// close error once failAll ran.
func (p *pendingTable) register() (uint64, <-chan response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed != nil {
		return 0, nil, p.closed
	}
	p.lastID++
	id := p.lastID
	ch := make(chan response, 1)
	p.waiters[id] = ch
	metrics.AddPendingCommands(1)
	return id, ch, nil
}

// complete delivers msg to the waiter of msg.ID. It reports false for unknown ids.
func (p *pendingTable) complete(msg Message) bool {
	p.mu.Lock()
	ch, ok := p.waiters[msg.ID]
	if ok {
		delete(p.waiters, msg.ID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	metrics.AddPendingCommands(-1)
	ch <- response{msg: msg}
	return true
}

// cancel drops the waiter of id without completing it (caller gave up).
func (p *pendingTable) cancel(id uint64) {
	p.mu.Lock()
	_, ok := p.waiters[id]
	delete(p.waiters, id)
	p.mu.Unlock()
	if ok {
		metrics.AddPendingCommands(-1)
	}
}

// failAll completes every waiter with err and rejects further registrations.
func (p *pendingTable) failAll(err error) int {
	p.mu.Lock()
	if p.closed == nil {
		p.closed = err
	}
	waiters := p.waiters
	p.waiters = make(map[uint64]chan response)
	p.mu.Unlock()

	for _, ch := range waiters {
		ch <- response{err: err}
	}
	if n := len(waiters); n > 0 {
		metrics.AddPendingCommands(-n)
	}
	return len(waiters)
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
