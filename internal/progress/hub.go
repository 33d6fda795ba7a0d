package progress

import (
	"log/slog"
	"sync"
)

// Event statuses.
const (
	StatusProcessing          = "processing"
	StatusCompleted           = "completed"
	StatusCompletedWithErrors = "completed_with_errors"
	StatusError               = "error"
)

// Event is a transient, best-effort description of current ingestion state.
// It has no identity beyond the moment it is broadcast and is never
// persisted. Ordering per upload id holds because the orchestrator processes
// files strictly sequentially and emits synchronously within that sequence.
type Event struct {
	UploadID   string `json:"uploadId"`
	TotalFiles int    `json:"totalFiles"`

	// ProcessedFiles counts the files whose handling has concluded, whether
	// loaded, failed, or skipped as missing. The file named by CurrentFile is
	// excluded until its own concluding event.
	ProcessedFiles      int            `json:"processedFiles"`
	CurrentFile         string         `json:"currentFile"`
	CurrentFileProgress int            `json:"currentFileProgress"`
	Status              string         `json:"status"`
	Message             string         `json:"message"`
	FileResults         map[string]int `json:"fileResults,omitempty"`
	Logs                []string       `json:"logs,omitempty"`
}

// subscriber buffer depth. Broadcasts drop rather than block once a
// subscriber falls this far behind.
const subscriberBuffer = 64

// Hub is a fire-and-forget broadcast primitive: publishers never block on
// subscriber delivery. A slow or absent subscriber loses events instead of
// stalling the ingestion loop.
type Hub struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger.With(slog.String("component", "progress_hub")),
		subs:   make(map[int]chan Event),
	}
}

// Subscribe registers a new subscriber and returns its event channel plus a
// cancel function. The channel is closed when cancel runs.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Broadcast delivers the event to every subscriber without blocking. Events
// for saturated subscribers are dropped.
func (h *Hub) Broadcast(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.logger.Debug("Dropped progress event for slow subscriber.",
				slog.String("upload_id", ev.UploadID),
				slog.String("status", ev.Status))
		}
	}
}

// SubscriberCount reports the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
