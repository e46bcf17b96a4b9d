package client

import (
	"log/slog"
	"sync"

	"github.com/m4xw311/acpclient/acp"
)

// collector accumulates the updates streamed for one in-flight prompt.
type collector struct {
	updates []acp.SessionUpdate
}

// router fans session/update notifications out to in-flight prompts and to
// subscribers. route is called on the reader goroutine and never blocks on
// a consumer: prompts are fed synchronously under a short lock, subscribers
// are fed from a queue drained by a separate goroutine.
type router struct {
	logger *slog.Logger

	mu         sync.Mutex
	collectors map[string][]*collector
	subs       map[int]func(acp.SessionNotification)
	nextSub    int
	queue      []acp.SessionNotification

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

func newRouter(logger *slog.Logger) *router {
	r := &router{
		logger:     logger,
		collectors: make(map[string][]*collector),
		subs:       make(map[int]func(acp.SessionNotification)),
		wake:       make(chan struct{}, 1),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go r.run()
	return r
}

// open starts collecting updates for a prompt on sessionID. When several
// prompts on one session overlap, updates go to the oldest.
func (r *router) open(sessionID string) *collector {
	c := &collector{}
	r.mu.Lock()
	r.collectors[sessionID] = append(r.collectors[sessionID], c)
	r.mu.Unlock()
	return c
}

// finish stops collecting for c and returns what it gathered.
func (r *router) finish(sessionID string, c *collector) []acp.SessionUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.collectors[sessionID]
	for i, other := range list {
		if other == c {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.collectors, sessionID)
	} else {
		r.collectors[sessionID] = list
	}
	return c.updates
}

func (r *router) route(n acp.SessionNotification) {
	r.mu.Lock()
	if list := r.collectors[n.SessionID]; len(list) > 0 {
		list[0].updates = append(list[0].updates, n.Update)
	}
	if len(r.subs) > 0 {
		r.queue = append(r.queue, n)
	}
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *router) subscribe(fn func(acp.SessionNotification)) func() {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

func (r *router) run() {
	defer close(r.done)
	for {
		select {
		case <-r.quit:
			return
		case <-r.wake:
		}
		for {
			r.mu.Lock()
			if len(r.queue) == 0 {
				r.mu.Unlock()
				break
			}
			n := r.queue[0]
			r.queue = r.queue[1:]
			subs := make([]func(acp.SessionNotification), 0, len(r.subs))
			for i := 0; i < r.nextSub; i++ {
				if fn, ok := r.subs[i]; ok {
					subs = append(subs, fn)
				}
			}
			r.mu.Unlock()

			for _, fn := range subs {
				r.deliver(fn, n)
			}
		}
	}
}

func (r *router) deliver(fn func(acp.SessionNotification), n acp.SessionNotification) {
	defer func() {
		if v := recover(); v != nil {
			r.logger.Error("session update subscriber panicked", "panic", v)
		}
	}()
	fn(n)
}

// stop ends the dispatcher goroutine. Queued notifications not yet
// delivered are dropped.
func (r *router) stop() {
	r.once.Do(func() { close(r.quit) })
	<-r.done
}
