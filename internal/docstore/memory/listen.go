package memory

import (
	"strconv"
	"sync"
	"sync/atomic"

	"qms/pharmacy-service/internal/docstore"
)

// listener delivers snapshots on its own goroutine in the order commits
// queued them. stop does not wait for a callback already running.
type listener struct {
	id         int64
	collection string
	ref        *docstore.Ref
	query      *docstore.Query
	onDoc      func(docstore.Document, bool)
	onQuery    func([]docstore.Document)
	onError    func(error)
	last       string

	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
	stopped atomic.Bool
}

func (s *Store) SubscribeDoc(ref docstore.Ref, onNext func(docstore.Document, bool), onError func(error)) func() {
	return s.subscribe(&listener{collection: ref.Collection, ref: &ref, onDoc: onNext, onError: onError})
}

func (s *Store) SubscribeQuery(q docstore.Query, onNext func([]docstore.Document), onError func(error)) func() {
	return s.subscribe(&listener{collection: q.Collection, query: &q, onQuery: onNext, onError: onError})
}

func (s *Store) subscribe(l *listener) func() {
	l.wake = make(chan struct{}, 1)
	l.done = make(chan struct{})
	go l.run()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.fail(docstore.ErrClosed)
		return l.stop
	}
	s.nextListener++
	l.id = s.nextListener
	s.listeners[l.id] = l
	s.evaluate(l, true)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, l.id)
		s.mu.Unlock()
		l.stop()
	}
}

// BreakListeners fails every live subscription with err, the way a dropped
// connection would. Teardown stays safe to call afterwards.
func (s *Store) BreakListeners(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, l := range s.listeners {
		delete(s.listeners, id)
		l.fail(err)
	}
}

func (s *Store) notify(changed map[string]bool) {
	for _, l := range s.listeners {
		if changed[l.collection] {
			s.evaluate(l, false)
		}
	}
}

// evaluate queues a snapshot when the listener's view changed. Callers hold
// s.mu.
func (s *Store) evaluate(l *listener, initial bool) {
	if l.ref != nil {
		doc, exists := s.lookup(*l.ref)
		sig := "-"
		if exists {
			sig = strconv.FormatInt(doc.Version, 10)
		}
		if !initial && sig == l.last {
			return
		}
		l.last = sig
		fn := l.onDoc
		l.enqueue(func() { fn(doc, exists) })
		return
	}
	docs := s.run(*l.query)
	sig := docstore.Signature(docs)
	if !initial && sig == l.last {
		return
	}
	l.last = sig
	fn := l.onQuery
	l.enqueue(func() { fn(docs) })
}

func (l *listener) enqueue(fn func()) {
	l.mu.Lock()
	l.pending = append(l.pending, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *listener) fail(err error) {
	if l.onError == nil {
		l.enqueue(func() {})
		return
	}
	fn := l.onError
	l.enqueue(func() { fn(err) })
}

func (l *listener) run() {
	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}
		for {
			l.mu.Lock()
			batch := l.pending
			l.pending = nil
			l.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				if l.stopped.Load() {
					return
				}
				fn()
			}
		}
	}
}

func (l *listener) stop() {
	l.once.Do(func() {
		l.stopped.Store(true)
		close(l.done)
	})
}
