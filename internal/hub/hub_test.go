package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"qms/pharmacy-service/internal/models"
)

type fakeSource struct {
	mu         sync.Mutex
	initial    bool
	subscribes map[string]int
	stops      map[string]int
	meta       map[string]func(models.QueueMeta)
	count      map[string]func(int)
	errs       map[string]func(error)
}

func newFakeSource(initial bool) *fakeSource {
	return &fakeSource{
		initial:    initial,
		subscribes: map[string]int{},
		stops:      map[string]int{},
		meta:       map[string]func(models.QueueMeta){},
		count:      map[string]func(int){},
		errs:       map[string]func(error){},
	}
}

func (f *fakeSource) track(branchID string) func() {
	f.mu.Lock()
	f.subscribes[branchID]++
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.stops[branchID]++
			f.mu.Unlock()
		})
	}
}

func (f *fakeSource) QueueMeta(branchID string, onChange func(models.QueueMeta), onError func(error)) func() {
	f.mu.Lock()
	f.meta[branchID] = onChange
	f.errs[branchID] = onError
	f.mu.Unlock()
	if f.initial {
		onChange(models.QueueMeta{BranchID: branchID})
	}
	return f.track(branchID)
}

func (f *fakeSource) NowServing(branchID string, onChange func(*models.Ticket), onError func(error)) func() {
	return func() {}
}

func (f *fakeSource) NextWaiting(branchID string, onChange func(*models.Ticket), onError func(error)) func() {
	return func() {}
}

func (f *fakeSource) WaitingCount(branchID string, onChange func(int), onError func(error)) func() {
	f.mu.Lock()
	f.count[branchID] = onChange
	f.mu.Unlock()
	return func() {}
}

func (f *fakeSource) Reservations(branchID string, onChange func([]models.Reservation), onError func(error)) func() {
	return func() {}
}

func (f *fakeSource) emitMeta(branchID string, current int64) {
	f.mu.Lock()
	fn := f.meta[branchID]
	f.mu.Unlock()
	fn(models.QueueMeta{BranchID: branchID, CurrentNumber: current})
}

func (f *fakeSource) emitCount(branchID string, n int) {
	f.mu.Lock()
	fn := f.count[branchID]
	f.mu.Unlock()
	fn(n)
}

func (f *fakeSource) emitError(branchID string, err error) {
	f.mu.Lock()
	fn := f.errs[branchID]
	f.mu.Unlock()
	fn(err)
}

func (f *fakeSource) counts(branchID string) (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes[branchID], f.stops[branchID]
}

func newClient(id string) *Client {
	return &Client{ID: id, Send: make(chan []byte, 8)}
}

func next(t *testing.T, c *Client) Message {
	t.Helper()
	select {
	case raw := <-c.Send:
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("decode message: %v", err)
		}
		return msg
	case <-time.After(time.Second):
		t.Fatalf("expected message for client %s", c.ID)
		return Message{}
	}
}

func expectNone(t *testing.T, c *Client) {
	t.Helper()
	select {
	case raw := <-c.Send:
		t.Fatalf("expected no message for client %s, got %s", c.ID, raw)
	default:
	}
}

func TestHubSharesBranchFeed(t *testing.T) {
	src := newFakeSource(false)
	h := New(src, nil)
	a, b := newClient("a"), newClient("b")
	h.Register(a)
	h.Register(b)
	h.UpdateSubscription(a, Subscription{BranchID: "br1"})
	h.UpdateSubscription(b, Subscription{BranchID: "br1"})

	if subs, _ := src.counts("br1"); subs != 1 {
		t.Fatalf("expected one feed subscription, got %d", subs)
	}
	if h.Feeds() != 1 {
		t.Fatalf("expected 1 feed, got %d", h.Feeds())
	}

	src.emitMeta("br1", 3)
	for _, c := range []*Client{a, b} {
		msg := next(t, c)
		if msg.Type != TopicQueueMeta || msg.BranchID != "br1" {
			t.Fatalf("unexpected message %+v", msg)
		}
		payload := msg.Payload.(map[string]any)
		if payload["current_number"] != float64(3) {
			t.Fatalf("expected current_number 3, got %v", payload["current_number"])
		}
	}

	h.Unregister(a)
	if _, stops := src.counts("br1"); stops != 0 {
		t.Fatalf("expected feed to stay up, got %d stops", stops)
	}
	h.Unregister(b)
	if _, stops := src.counts("br1"); stops != 1 {
		t.Fatalf("expected feed stopped once, got %d", stops)
	}
	if h.Feeds() != 0 {
		t.Fatalf("expected no feeds, got %d", h.Feeds())
	}
	if _, ok := <-a.Send; ok {
		t.Fatalf("expected send channel closed")
	}
}

func TestHubReplaysLastMessage(t *testing.T) {
	src := newFakeSource(true)
	h := New(src, nil)
	a := newClient("a")
	h.Register(a)
	h.UpdateSubscription(a, Subscription{BranchID: "br1"})
	if msg := next(t, a); msg.Type != TopicQueueMeta {
		t.Fatalf("expected initial meta, got %s", msg.Type)
	}
	src.emitMeta("br1", 7)
	next(t, a)

	late := newClient("late")
	h.Register(late)
	h.UpdateSubscription(late, Subscription{BranchID: "br1", Topics: []string{TopicQueueMeta}})
	msg := next(t, late)
	if got := msg.Payload.(map[string]any)["current_number"]; got != float64(7) {
		t.Fatalf("expected replayed current_number 7, got %v", got)
	}
	expectNone(t, late)
}

func TestHubTopicAndBranchFilter(t *testing.T) {
	src := newFakeSource(false)
	h := New(src, nil)
	counter := newClient("counter")
	other := newClient("other")
	h.Register(counter)
	h.Register(other)
	h.UpdateSubscription(counter, Subscription{BranchID: "br1", Topics: []string{TopicWaitingCount}})
	h.UpdateSubscription(other, Subscription{BranchID: "br2"})

	src.emitMeta("br1", 1)
	expectNone(t, counter)
	expectNone(t, other)

	src.emitCount("br1", 4)
	msg := next(t, counter)
	if msg.Type != TopicWaitingCount {
		t.Fatalf("expected waiting count, got %s", msg.Type)
	}
	payload, ok := msg.Payload.(map[string]any)
	if !ok || payload["count"] != float64(4) {
		t.Fatalf("expected payload {\"count\":4}, got %#v", msg.Payload)
	}
	expectNone(t, other)

	src.emitError("br1", errors.New("boom"))
	if msg := next(t, counter); msg.Type != TopicError {
		t.Fatalf("expected error message, got %s", msg.Type)
	}
}

func TestHubSwitchBranch(t *testing.T) {
	src := newFakeSource(false)
	h := New(src, nil)
	a := newClient("a")
	h.Register(a)
	h.UpdateSubscription(a, Subscription{BranchID: "br1"})
	h.UpdateSubscription(a, Subscription{BranchID: "br2"})

	if _, stops := src.counts("br1"); stops != 1 {
		t.Fatalf("expected br1 feed stopped, got %d", stops)
	}
	h.UpdateSubscription(a, Subscription{})
	if _, stops := src.counts("br2"); stops != 1 {
		t.Fatalf("expected br2 feed stopped, got %d", stops)
	}
	h.Unregister(a)
	h.Unregister(a)
}

func TestHubDropsWhenClientIsSlow(t *testing.T) {
	src := newFakeSource(false)
	h := New(src, nil)
	slow := &Client{ID: "slow", Send: make(chan []byte, 1)}
	h.Register(slow)
	h.UpdateSubscription(slow, Subscription{BranchID: "br1"})
	for i := 0; i < 5; i++ {
		src.emitMeta("br1", int64(i))
	}
	if len(slow.Send) != 1 {
		t.Fatalf("expected one buffered message, got %d", len(slow.Send))
	}
}

func TestParseSubscribe(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		ok     bool
		topics int
	}{
		{"subscribe defaults", `{"action":"subscribe","branch_id":"br1"}`, true, 0},
		{"subscribe topics", `{"action":"subscribe","branch_id":"br1","topics":["queue.meta","reservations"]}`, true, 2},
		{"unsubscribe", `{"action":"unsubscribe"}`, true, 0},
		{"missing branch", `{"action":"subscribe"}`, false, 0},
		{"unknown topic", `{"action":"subscribe","branch_id":"br1","topics":["orders"]}`, false, 0},
		{"unknown action", `{"action":"ping"}`, false, 0},
		{"invalid json", `{`, false, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg, ok := ParseSubscribe([]byte(tc.raw))
			if ok != tc.ok {
				t.Fatalf("expected ok %v, got %v", tc.ok, ok)
			}
			if ok && len(msg.Topics) != tc.topics {
				t.Fatalf("expected %d topics, got %d", tc.topics, len(msg.Topics))
			}
		})
	}
}
