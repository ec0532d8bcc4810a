package sse

import (
	"context"
	"sync"
	"time"
)

// AdmissionEvent is one gate outcome as pushed to live dashboards.
type AdmissionEvent struct {
	EventID     string    `json:"event_id"`
	TicketCode  string    `json:"ticket_code,omitempty"`
	Decision    string    `json:"decision"`
	ValidatorID string    `json:"validator_id"`
	At          time.Time `json:"at"`
}

// AdmissionEventEmitter fans admission outcomes out to SSE subscribers of
// each event.
type AdmissionEventEmitter struct {
	clients map[string][]chan AdmissionEvent
	mu      sync.RWMutex
	buffer  int
}

func NewAdmissionEventEmitter() *AdmissionEventEmitter {
	return &AdmissionEventEmitter{
		clients: make(map[string][]chan AdmissionEvent),
		buffer:  32,
	}
}

// Subscribe registers a client for eventID. The returned channel is closed
// once ctx is done.
func (e *AdmissionEventEmitter) Subscribe(ctx context.Context, eventID string) <-chan AdmissionEvent {
	ch := make(chan AdmissionEvent, e.buffer)

	e.mu.Lock()
	e.clients[eventID] = append(e.clients[eventID], ch)
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		e.remove(eventID, ch)
	}()

	return ch
}

// Emit never blocks; a subscriber with a full buffer misses the event.
func (e *AdmissionEventEmitter) Emit(ev AdmissionEvent) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, ch := range e.clients[ev.EventID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (e *AdmissionEventEmitter) remove(eventID string, ch chan AdmissionEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	clients := e.clients[eventID]
	for i, c := range clients {
		if c == ch {
			e.clients[eventID] = append(clients[:i], clients[i+1:]...)
			close(ch)
			break
		}
	}
	if len(e.clients[eventID]) == 0 {
		delete(e.clients, eventID)
	}
}

// ClientCount returns the number of live subscribers for eventID.
func (e *AdmissionEventEmitter) ClientCount(eventID string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.clients[eventID])
}
