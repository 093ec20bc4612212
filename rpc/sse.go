package rpc

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kestrel-labs/coordinator/ticket"
)

// heartbeatInterval bounds how long an idle SSE connection can go without a
// frame, so a client (or an intermediate proxy) can tell a silent coordinator
// apart from a dead connection.
const heartbeatInterval = 30 * time.Second

// notification is the JSON-RPC 2.0 notification envelope used for every SSE
// frame: a request with no id and no expected response.
type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

func newNotification(method string, params any) notification {
	return notification{JSONRPC: jsonrpcVersion, Method: method, Params: params}
}

// resourceURI maps an event to the vibe-ensemble://<category>/<id> scheme
// used for the resources/updated envelope: category names the event's
// collection, id is whichever payload field identifies the affected entity.
func resourceURI(e *ticket.Event) string {
	category, idKey := uriCategory(e.Category)
	id, _ := e.Payload[idKey].(string)
	if id == "" {
		id = e.ProjectID
	}
	if id == "" {
		id = "-"
	}
	return fmt.Sprintf("vibe-ensemble://%s/%s", category, id)
}

// uriCategory maps an EventCategory to its URI collection segment and the
// payload key carrying the entity id within that collection.
func uriCategory(c ticket.EventCategory) (collection, idKey string) {
	switch c {
	case ticket.EventProjectCreated, ticket.EventProjectUpdated, ticket.EventProjectDeleted:
		return "projects", "project_id"
	case ticket.EventWorkerTypeCreated, ticket.EventWorkerTypeUpdated, ticket.EventWorkerTypeDeleted:
		return "worker-types", "worker_type"
	case ticket.EventTicketCreated, ticket.EventTicketUpdated, ticket.EventTicketClosed,
		ticket.EventTicketClaimed, ticket.EventTicketReleased, ticket.EventTicketStageCompleted:
		return "tickets", "ticket_id"
	case ticket.EventWorkerSpawned, ticket.EventWorkerStopped, ticket.EventWorkerStatusChanged:
		return "workers", "worker_id"
	case ticket.EventQueueCreated, ticket.EventTaskEnqueued, ticket.EventTaskAssigned:
		return "queues", "queue_name"
	default:
		return "system", "project_id"
	}
}

// handleEvents streams the Broadcaster's ticket.Events to one SSE client as
// JSON-RPC notifications: a notifications/initialized frame on connect
// announcing the JSON-RPC endpoint URL, a
// resources/updated frame per event, a ping frame per Lagged marker or idle
// heartbeat tick, until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	sub := s.broadcaster.Subscribe()
	defer sub.Unsubscribe()

	s.writeNotification(w, flusher, newNotification("notifications/initialized", map[string]any{
		"endpoint":         "http://" + r.Host + "/",
		"subscriber_count": s.broadcaster.SubscriberCount(),
	}))

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	s.log.Debug("sse client connected")
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.log.Debug("sse client disconnected")
			return
		case <-ticker.C:
			s.writeNotification(w, flusher, newNotification("notifications/ping", nil))
		case <-sub.Notify():
			for {
				event, lagged, ok := sub.Next()
				if !ok {
					break
				}
				if lagged != nil {
					s.writeNotification(w, flusher, newNotification("notifications/ping", map[string]any{
						"lagged_events": lagged.Dropped,
					}))
					continue
				}
				s.writeNotification(w, flusher, newNotification("notifications/resources/updated", map[string]any{
					"uri":   resourceURI(event),
					"event": event,
				}))
			}
		}
	}
}

func (s *Server) writeNotification(w http.ResponseWriter, flusher http.Flusher, n notification) {
	body, err := json.Marshal(n)
	if err != nil {
		s.log.Error("marshal sse notification failed", "err", err)
		return
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", body); err != nil {
		return
	}
	flusher.Flush()
}
