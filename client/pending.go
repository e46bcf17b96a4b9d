package client

import (
	"sync"

	"github.com/m4xw311/acpclient/acp"
	"github.com/m4xw311/acpclient/errors"
)

// outcome is what a waiter receives: a response, or the reason none will come.
type outcome struct {
	msg *acp.Message
	err error
}

// pendingTable maps in-flight request ids to one-shot delivery slots. Every
// slot is buffered so delivery never blocks the reader, and every slot
// receives at most one outcome because it leaves the table under the same
// lock that hands it out.
type pendingTable struct {
	mu     sync.Mutex
	slots  map[acp.ID]chan outcome
	closed bool
}

func newPendingTable() *pendingTable {
	return &pendingTable{slots: make(map[acp.ID]chan outcome)}
}

// register adds a slot for id. It must be called before the request is
// written.
func (p *pendingTable) register(id acp.ID) (<-chan outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.Wrapk(ErrNotConnected, nil, "register request %s", id)
	}
	if _, ok := p.slots[id]; ok {
		return nil, errors.New("request id %s is already pending", id)
	}
	slot := make(chan outcome, 1)
	p.slots[id] = slot
	return slot, nil
}

// remove drops the slot for id. It reports false if the slot was already
// gone, in which case an outcome has been or is being delivered to it.
func (p *pendingTable) remove(id acp.ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.slots[id]; !ok {
		return false
	}
	delete(p.slots, id)
	return true
}

// deliver removes the slot for id and hands it o. It reports false if no
// slot exists.
func (p *pendingTable) deliver(id acp.ID, o outcome) bool {
	p.mu.Lock()
	slot, ok := p.slots[id]
	if ok {
		delete(p.slots, id)
	}
	p.mu.Unlock()
	if ok {
		slot <- o
	}
	return ok
}

// close resolves every slot with err and refuses further registrations.
func (p *pendingTable) close(err error) {
	p.mu.Lock()
	slots := p.slots
	p.slots = make(map[acp.ID]chan outcome)
	p.closed = true
	p.mu.Unlock()
	for _, slot := range slots {
		slot <- outcome{err: err}
	}
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}
