package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"qms/pharmacy-service/internal/hub"
	"qms/pharmacy-service/internal/models"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
)

// NewRealtimeHandler serves the SockJS endpoint under /realtime. Queue topics
// are public; the reservations topic needs a staff session with access to
// the branch.
func NewRealtimeHandler(h *hub.Hub, sessions SessionStore, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		var authSession *models.Session
		if sessionID := realtimeSessionID(session.Request()); sessionID != "" && sessions != nil {
			s, err := sessions.GetSession(context.Background(), sessionID)
			if err != nil {
				_ = session.Close(4002, "invalid session")
				return
			}
			authSession = &s
		}

		client := &hub.Client{ID: uuid.NewString(), Send: make(chan []byte, 32)}
		h.Register(client)
		defer h.Unregister(client)

		go func() {
			for msg := range client.Send {
				if err := session.Send(string(msg)); err != nil {
					return
				}
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := hub.ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			if parsed.Action == "unsubscribe" {
				h.UpdateSubscription(client, hub.Subscription{})
				continue
			}
			sub, allowed := subscriptionFor(parsed, authSession)
			if !allowed {
				logger.Warn("realtime access denied", "client_id", client.ID, "branch_id", parsed.BranchID)
				_ = session.Close(4003, "access denied")
				return
			}
			h.UpdateSubscription(client, sub)
		}
	})
}

func subscriptionFor(msg hub.SubscribeMessage, s *models.Session) (hub.Subscription, bool) {
	sub := hub.Subscription{BranchID: msg.BranchID, Topics: msg.Topics}
	if !contains(msg.Topics, hub.TopicReservations) {
		return sub, true
	}
	if s == nil || !s.Actor().IsStaff() || !branchAllowed(*s, msg.BranchID) {
		return hub.Subscription{}, false
	}
	return sub, true
}

func realtimeSessionID(r *http.Request) string {
	if r == nil {
		return ""
	}
	if id := sessionIDFromRequest(r); id != "" {
		return id
	}
	return strings.TrimSpace(r.URL.Query().Get("session_id"))
}
