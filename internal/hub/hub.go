// Package hub fans projection updates out to realtime clients. Each branch
// with at least one subscriber owns one set of projection feeds; the last
// message per topic is kept and replayed to clients that subscribe later.
package hub

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"qms/pharmacy-service/internal/models"
)

const (
	TopicQueueMeta    = "queue.meta"
	TopicNowServing   = "queue.now_serving"
	TopicNextWaiting  = "queue.next_waiting"
	TopicWaitingCount = "queue.waiting_count"
	TopicReservations = "reservations"
	TopicError        = "error"
)

// QueueTopics are the topics a subscription gets when it names none.
var QueueTopics = []string{TopicQueueMeta, TopicNowServing, TopicNextWaiting, TopicWaitingCount}

// Projections is the live view source the hub subscribes to per branch.
type Projections interface {
	QueueMeta(branchID string, onChange func(models.QueueMeta), onError func(error)) func()
	NowServing(branchID string, onChange func(*models.Ticket), onError func(error)) func()
	NextWaiting(branchID string, onChange func(*models.Ticket), onError func(error)) func()
	WaitingCount(branchID string, onChange func(int), onError func(error)) func()
	Reservations(branchID string, onChange func([]models.Reservation), onError func(error)) func()
}

type Subscription struct {
	BranchID string
	Topics   []string
}

func (s Subscription) has(topic string) bool {
	for _, t := range s.Topics {
		if t == topic {
			return true
		}
	}
	return false
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type Message struct {
	Type     string    `json:"type"`
	BranchID string    `json:"branch_id"`
	Payload  any       `json:"payload"`
	SentAt   time.Time `json:"sent_at"`
}

type SubscribeMessage struct {
	Action   string   `json:"action"`
	BranchID string   `json:"branch_id"`
	Topics   []string `json:"topics"`
}

type feed struct {
	refs  int
	stops []func()
	last  map[string][]byte
}

type Hub struct {
	source Projections
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	clients map[string]*Client
	feeds   map[string]*feed
}

func New(source Projections, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		source:  source,
		logger:  logger,
		now:     time.Now,
		clients: make(map[string]*Client),
		feeds:   make(map[string]*feed),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

// Unregister removes the client, releases its branch feed and closes Send.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client.ID)
	stops := h.releaseLocked(client.Subscription.BranchID)
	client.Subscription = Subscription{}
	close(client.Send)
	h.mu.Unlock()
	runAll(stops)
}

// UpdateSubscription moves the client to sub, starting the branch feed when it
// is the first subscriber, and replays the cached messages for sub's topics.
func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	sub.BranchID = strings.TrimSpace(sub.BranchID)
	if sub.BranchID != "" && len(sub.Topics) == 0 {
		sub.Topics = QueueTopics
	}

	h.mu.Lock()
	if _, ok := h.clients[client.ID]; !ok {
		h.mu.Unlock()
		return
	}
	previous := client.Subscription.BranchID
	var stops []func()
	var started *feed
	if previous != sub.BranchID {
		stops = h.releaseLocked(previous)
		if sub.BranchID != "" {
			started = h.acquireLocked(sub.BranchID)
		}
	}
	client.Subscription = sub
	if f := h.feeds[sub.BranchID]; f != nil && sub.BranchID != "" {
		for _, topic := range sub.Topics {
			if msg, ok := f.last[topic]; ok {
				h.send(client, msg)
			}
		}
	}
	h.mu.Unlock()

	runAll(stops)
	if started != nil {
		h.start(sub.BranchID, started)
	}
}

// acquireLocked returns a feed that still needs starting, or nil when the
// branch already had one.
func (h *Hub) acquireLocked(branchID string) *feed {
	if f, ok := h.feeds[branchID]; ok {
		f.refs++
		return nil
	}
	f := &feed{refs: 1, last: make(map[string][]byte)}
	h.feeds[branchID] = f
	return f
}

func (h *Hub) releaseLocked(branchID string) []func() {
	if branchID == "" {
		return nil
	}
	f, ok := h.feeds[branchID]
	if !ok {
		return nil
	}
	f.refs--
	if f.refs > 0 {
		return nil
	}
	delete(h.feeds, branchID)
	stops := f.stops
	f.stops = nil
	return stops
}

// start subscribes outside the hub lock, since a source may deliver the
// initial value before it returns.
func (h *Hub) start(branchID string, f *feed) {
	onError := func(topic string) func(error) {
		return func(err error) {
			h.logger.Warn("realtime feed error", "branch_id", branchID, "topic", topic, "error", err)
			h.publish(f, branchID, TopicError, map[string]string{"topic": topic, "message": err.Error()})
		}
	}
	stops := []func(){
		h.source.QueueMeta(branchID, func(m models.QueueMeta) {
			h.publish(f, branchID, TopicQueueMeta, m)
		}, onError(TopicQueueMeta)),
		h.source.NowServing(branchID, func(t *models.Ticket) {
			h.publish(f, branchID, TopicNowServing, t)
		}, onError(TopicNowServing)),
		h.source.NextWaiting(branchID, func(t *models.Ticket) {
			h.publish(f, branchID, TopicNextWaiting, t)
		}, onError(TopicNextWaiting)),
		h.source.WaitingCount(branchID, func(n int) {
			h.publish(f, branchID, TopicWaitingCount, map[string]int{"count": n})
		}, onError(TopicWaitingCount)),
		h.source.Reservations(branchID, func(rs []models.Reservation) {
			h.publish(f, branchID, TopicReservations, rs)
		}, onError(TopicReservations)),
	}

	h.mu.Lock()
	if h.feeds[branchID] != f {
		// Every subscriber left while the feed was starting.
		h.mu.Unlock()
		runAll(stops)
		return
	}
	f.stops = stops
	h.mu.Unlock()
}

func (h *Hub) publish(f *feed, branchID, topic string, payload any) {
	msg, err := json.Marshal(Message{Type: topic, BranchID: branchID, Payload: payload, SentAt: h.now().UTC()})
	if err != nil {
		h.logger.Error("realtime encode error", "topic", topic, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.feeds[branchID] != f {
		return
	}
	if topic != TopicError {
		f.last[topic] = msg
	}
	for _, client := range h.clients {
		if !match(client.Subscription, branchID, topic) {
			continue
		}
		h.send(client, msg)
	}
}

func (h *Hub) send(client *Client, msg []byte) {
	select {
	case client.Send <- msg:
	default:
		h.logger.Warn("drop message for client", "client_id", client.ID)
	}
}

func match(sub Subscription, branchID, topic string) bool {
	if sub.BranchID == "" || sub.BranchID != branchID {
		return false
	}
	return topic == TopicError || sub.has(topic)
}

// Feeds reports how many branch feeds are live.
func (h *Hub) Feeds() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.feeds)
}

func runAll(stops []func()) {
	for _, stop := range stops {
		stop()
	}
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	msg.BranchID = strings.TrimSpace(msg.BranchID)
	if msg.Action == "subscribe" && msg.BranchID == "" {
		return SubscribeMessage{}, false
	}
	topics := make([]string, 0, len(msg.Topics))
	for _, topic := range msg.Topics {
		switch topic {
		case TopicQueueMeta, TopicNowServing, TopicNextWaiting, TopicWaitingCount, TopicReservations:
			topics = append(topics, topic)
		default:
			return SubscribeMessage{}, false
		}
	}
	msg.Topics = topics
	return msg, true
}
