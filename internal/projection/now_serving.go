package projection

import (
	"strings"
	"sync"

	"qms/pharmacy-service/internal/docstore"
	"qms/pharmacy-service/internal/models"
	"qms/pharmacy-service/internal/queue"
)

// nowServing follows the queue document and keeps a nested subscription on
// whichever ticket servingTicketId names. Deliveries from a ticket
// subscription that has been replaced are dropped by generation.
type nowServing struct {
	layer    *Layer
	branchID string
	onChange func(*models.Ticket)
	onError  func(error)

	deliverMu sync.Mutex

	mu        sync.Mutex
	stopped   bool
	primed    bool
	servingID string
	gen       int64
	inner     func()
	outer     func()
	once      sync.Once
}

// NowServing delivers the serving ticket, or nil when the slot is empty or the
// referenced ticket no longer exists.
func (l *Layer) NowServing(branchID string, onChange func(*models.Ticket), onError func(error)) func() {
	branchID = strings.TrimSpace(branchID)
	if branchID == "" {
		return noop
	}
	ns := &nowServing{
		layer:    l,
		branchID: branchID,
		onChange: onChange,
		onError:  l.errorHandler("queue.now_serving", onError),
	}
	outer := l.store.SubscribeDoc(queue.QueueRef(branchID), ns.onMeta, ns.fail)

	ns.mu.Lock()
	if ns.stopped {
		ns.mu.Unlock()
		outer()
	} else {
		ns.outer = outer
		ns.mu.Unlock()
	}
	return ns.stop
}

func (ns *nowServing) onMeta(doc docstore.Document, exists bool) {
	meta, err := queue.DecodeMeta(ns.branchID, doc, exists)
	if err != nil {
		ns.fail(err)
		return
	}
	servingID := ""
	if meta.ServingTicketID != nil {
		servingID = *meta.ServingTicketID
	}

	ns.mu.Lock()
	if ns.stopped || (ns.primed && servingID == ns.servingID) {
		ns.mu.Unlock()
		return
	}
	ns.primed = true
	ns.servingID = servingID
	ns.gen++
	gen := ns.gen
	previous := ns.inner
	ns.inner = nil
	if servingID != "" {
		ref := docstore.Ref{Collection: queue.TicketsCollection(ns.branchID), ID: servingID}
		ns.inner = ns.layer.store.SubscribeDoc(ref, func(doc docstore.Document, exists bool) {
			ns.onTicket(gen, doc, exists)
		}, ns.fail)
	}
	ns.mu.Unlock()

	if previous != nil {
		previous()
	}
	if servingID == "" {
		ns.deliver(gen, nil)
	}
}

func (ns *nowServing) onTicket(gen int64, doc docstore.Document, exists bool) {
	if !exists {
		ns.deliver(gen, nil)
		return
	}
	ticket, err := queue.DecodeTicket(ns.branchID, doc)
	if err != nil {
		ns.fail(err)
		return
	}
	// Completion updates the ticket and the slot in one commit; the slot
	// change arrives on the outer subscription.
	if ticket.Status != models.StatusServing {
		return
	}
	ns.deliver(gen, &ticket)
}

func (ns *nowServing) deliver(gen int64, ticket *models.Ticket) {
	ns.deliverMu.Lock()
	defer ns.deliverMu.Unlock()
	ns.mu.Lock()
	current := !ns.stopped && gen == ns.gen
	ns.mu.Unlock()
	if current {
		ns.onChange(ticket)
	}
}

func (ns *nowServing) fail(err error) {
	ns.mu.Lock()
	stopped := ns.stopped
	ns.mu.Unlock()
	if !stopped {
		ns.onError(err)
	}
}

func (ns *nowServing) stop() {
	ns.once.Do(func() {
		ns.mu.Lock()
		ns.stopped = true
		ns.gen++
		inner, outer := ns.inner, ns.outer
		ns.inner, ns.outer = nil, nil
		ns.mu.Unlock()
		if inner != nil {
			inner()
		}
		if outer != nil {
			outer()
		}
	})
}
