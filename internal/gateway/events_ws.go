package gateway

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vendra/field-sales/erp-orchestrator/internal/events"
)

var wsTracer = otel.Tracer("events-websocket")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// TODO: Implement proper origin checking for production
		return true
	},
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// EventStream pushes orchestrator lifecycle events to WebSocket clients.
type EventStream struct {
	hub    *events.Hub
	tracer trace.Tracer
}

// NewEventStream creates a new event stream endpoint over the hub.
func NewEventStream(hub *events.Hub) *EventStream {
	return &EventStream{
		hub:    hub,
		tracer: wsTracer,
	}
}

// Stream handles WebSocket /api/ws/events. The stream is one-way: operation
// and sync lifecycle events flow to the client; client messages are drained
// and ignored apart from connection-level control frames.
func (s *EventStream) Stream(c *gin.Context) {
	_, span := s.tracer.Start(c.Request.Context(), "events_websocket.stream")
	defer span.End()

	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}
	span.SetAttributes(attribute.String("user.id", userID.(string)))

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.RecordError(err)
		log.Printf(`{"level":"warn","message":"Failed to upgrade connection","error":"%v"}`, err)
		return
	}
	defer conn.Close()

	eventCh, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	log.Printf(`{"level":"info","message":"Event stream connected","user_id":"%s"}`, userID.(string))

	errChan := make(chan error, 2)

	// Client -> drain. A read error is how we learn the client went away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				errChan <- err
				return
			}
		}
	}()

	// Hub -> client.
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case event, ok := <-eventCh:
				if !ok {
					errChan <- nil
					return
				}
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(event); err != nil {
					errChan <- err
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					errChan <- err
					return
				}
			}
		}
	}()

	err = <-errChan
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		span.RecordError(err)
		log.Printf(`{"level":"info","message":"Event stream closed","user_id":"%s","error":"%v"}`, userID.(string), err)
	}
}
