package postgres

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"qms/pharmacy-service/internal/docstore"
)

const refreshTimeout = 10 * time.Second

// subscription re-reads its document or query on a refresh signal and
// delivers only when the result changed. Refresh signals coalesce.
type subscription struct {
	id         int64
	collection string
	ref        *docstore.Ref
	query      *docstore.Query
	onDoc      func(docstore.Document, bool)
	onQuery    func([]docstore.Document)
	onError    func(error)

	last    string
	primed  bool
	refresh chan struct{}
	done    chan struct{}
	once    sync.Once
	stopped atomic.Bool
}

func (s *Store) SubscribeDoc(ref docstore.Ref, onNext func(docstore.Document, bool), onError func(error)) func() {
	return s.subscribe(&subscription{collection: ref.Collection, ref: &ref, onDoc: onNext, onError: onError})
}

func (s *Store) SubscribeQuery(q docstore.Query, onNext func([]docstore.Document), onError func(error)) func() {
	return s.subscribe(&subscription{collection: q.Collection, query: &q, onQuery: onNext, onError: onError})
}

func (s *Store) subscribe(sub *subscription) func() {
	sub.refresh = make(chan struct{}, 1)
	sub.done = make(chan struct{})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		go sub.fail(docstore.ErrClosed)
		return sub.stop
	}
	s.nextSub++
	sub.id = s.nextSub
	s.subs[sub.id] = sub
	s.mu.Unlock()

	go sub.run(s)
	sub.signal()

	return func() {
		s.remove(sub.id)
		sub.stop()
	}
}

func (s *Store) remove(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}

// Listen holds one connection on LISTEN and refreshes subscriptions of every
// collection named in a notification. It returns when ctx is done or the
// connection fails; callers restart it. Every (re)start refreshes all
// subscriptions so changes missed while disconnected are delivered.
func (s *Store) Listen(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return err
	}
	s.refreshAll("")

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.refreshAll(notification.Payload)
	}
}

func (s *Store) refreshAll(collection string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if collection == "" || sub.collection == collection {
			sub.signal()
		}
	}
}

func (sub *subscription) signal() {
	select {
	case sub.refresh <- struct{}{}:
	default:
	}
}

func (sub *subscription) run(s *Store) {
	for {
		select {
		case <-sub.done:
			return
		case <-sub.refresh:
		}
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		err := sub.poll(ctx, s)
		cancel()
		if err != nil {
			s.remove(sub.id)
			sub.fail(err)
			sub.stop()
			return
		}
	}
}

func (sub *subscription) poll(ctx context.Context, s *Store) error {
	if sub.ref != nil {
		doc, err := s.Get(ctx, *sub.ref)
		exists := err == nil
		if err != nil && err != docstore.ErrNotFound {
			return err
		}
		sig := "-"
		if exists {
			sig = strconv.FormatInt(doc.Version, 10)
		}
		if sub.primed && sig == sub.last {
			return nil
		}
		sub.primed, sub.last = true, sig
		if !sub.stopped.Load() {
			sub.onDoc(doc, exists)
		}
		return nil
	}

	docs, err := s.Query(ctx, *sub.query)
	if err != nil {
		return err
	}
	sig := docstore.Signature(docs)
	if sub.primed && sig == sub.last {
		return nil
	}
	sub.primed, sub.last = true, sig
	if !sub.stopped.Load() {
		sub.onQuery(docs)
	}
	return nil
}

func (sub *subscription) fail(err error) {
	if sub.stopped.Load() || sub.onError == nil {
		return
	}
	sub.onError(err)
}

func (sub *subscription) stop() {
	sub.once.Do(func() {
		sub.stopped.Store(true)
		close(sub.done)
	})
}
