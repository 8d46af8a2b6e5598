package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"CROWD_MONITOR/go-backend/internal/analysis"
	"CROWD_MONITOR/go-backend/internal/imaging"
	"CROWD_MONITOR/go-backend/internal/models"
	"CROWD_MONITOR/go-backend/internal/pipeline"
	"CROWD_MONITOR/go-backend/internal/services"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 256
)

// WebSocketClient is one connected dashboard. Binary clients receive msgpack
// frames instead of JSON text.
type WebSocketClient struct {
	conn     *websocket.Conn
	clientID string
	binary   bool
	send     chan []byte
	once     sync.Once
}

func (c *WebSocketClient) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub fans pipeline output out to websocket and SSE subscribers.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*WebSocketClient
	streams map[chan []byte]struct{}

	upgrader     websocket.Upgrader
	metrics      *services.Metrics
	log          *logrus.Entry
	previewWidth int
	quality      int
}

func NewHub(metrics *services.Metrics, previewWidth, quality int, log *logrus.Entry) *Hub {
	if metrics == nil {
		metrics = services.NewMetrics()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Hub{
		clients: make(map[string]*WebSocketClient),
		streams: make(map[chan []byte]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		metrics:      metrics,
		log:          log,
		previewWidth: previewWidth,
		quality:      quality,
	}
}

// ActiveClients counts websocket and SSE subscribers.
func (h *Hub) ActiveClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) + len(h.streams)
}

// Publish implements pipeline.Publisher.
func (h *Hub) Publish(_ context.Context, u *pipeline.FrameUpdate) error {
	var frame string
	if u.Heatmap != nil {
		var err error
		frame, err = imaging.PreviewBase64(u.Heatmap, h.previewWidth, h.quality)
		if err != nil {
			return fmt.Errorf("encode heatmap preview: %w", err)
		}
	}
	return h.Broadcast(models.MessageFrameUpdate, models.NewFrameUpdateMessage(u, frame))
}

// PublishReport implements pipeline.ReportPublisher.
func (h *Hub) PublishReport(_ context.Context, sessionID string, state pipeline.State, r *analysis.Report) error {
	return h.Broadcast(models.MessageSessionReport, models.NewSessionReport(sessionID, state, r))
}

// Broadcast sends one envelope to every subscriber. Subscribers whose buffers
// are full miss the message.
func (h *Hub) Broadcast(msgType string, payload interface{}) error {
	msg := models.WebSocketMessage{
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().Unix(),
	}
	text, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msgType, err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	var packed []byte
	dropped := 0
	for _, client := range h.clients {
		data := text
		if client.binary {
			if packed == nil {
				if packed, err = encodeMsgpack(msg); err != nil {
					return fmt.Errorf("encode %s: %w", msgType, err)
				}
			}
			data = packed
		}
		select {
		case client.send <- data:
		default:
			dropped++
			h.metrics.IncrementWebSocketErrors()
		}
	}
	for stream := range h.streams {
		select {
		case stream <- text:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		h.log.WithFields(logrus.Fields{"type": msgType, "dropped": dropped}).Debug("slow subscribers skipped")
	}
	return nil
}

func encodeMsgpack(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// HandleWebSocket upgrades the request and registers the client.
// ?clientId= names the client, ?format=msgpack selects binary frames.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.metrics.IncrementWebSocketErrors()
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		clientID = generateClientID()
	}
	client := &WebSocketClient{
		conn:     conn,
		clientID: clientID,
		binary:   r.URL.Query().Get("format") == "msgpack",
		send:     make(chan []byte, sendBufferSize),
	}

	h.mu.Lock()
	if old, ok := h.clients[clientID]; ok {
		old.close()
		h.metrics.DecrementWebSocketConnections()
	}
	h.clients[clientID] = client
	h.mu.Unlock()
	h.metrics.IncrementWebSocketConnections()
	h.log.WithFields(logrus.Fields{"client_id": clientID, "binary": client.binary}).Info("websocket client connected")

	go h.writePump(client)
	h.sendTo(client, models.WebSocketMessage{
		Type:      models.MessageWelcome,
		ClientID:  clientID,
		Timestamp: time.Now().Unix(),
		Payload: map[string]interface{}{
			"message": "Connected to crowd monitor",
			"version": "1.0",
		},
	})
	go h.readPump(client)
}

func (h *Hub) unregister(client *WebSocketClient) {
	h.mu.Lock()
	if cur, ok := h.clients[client.clientID]; ok && cur == client {
		delete(h.clients, client.clientID)
		h.metrics.DecrementWebSocketConnections()
		h.log.WithField("client_id", client.clientID).Info("websocket client disconnected")
	}
	client.close()
	h.mu.Unlock()
}

func (h *Hub) sendTo(client *WebSocketClient, msg models.WebSocketMessage) {
	var (
		data []byte
		err  error
	)
	if client.binary {
		data, err = encodeMsgpack(msg)
	} else {
		data, err = json.Marshal(msg)
	}
	if err != nil {
		h.log.WithError(err).Error("encode direct message")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.clients[client.clientID] != client {
		return
	}
	select {
	case client.send <- data:
	default:
		h.metrics.IncrementWebSocketErrors()
	}
}

func (h *Hub) readPump(client *WebSocketClient) {
	defer func() {
		h.unregister(client)
		client.conn.Close()
	}()

	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg models.WebSocketMessage
		if err := client.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.WithError(err).WithField("client_id", client.clientID).Warn("websocket read error")
			}
			return
		}

		switch msg.Type {
		case models.MessagePing:
			h.sendTo(client, models.WebSocketMessage{
				Type:      models.MessagePong,
				ClientID:  client.clientID,
				Timestamp: time.Now().Unix(),
			})
		default:
			h.log.WithFields(logrus.Fields{"client_id": client.clientID, "type": msg.Type}).Debug("unknown message type")
		}
	}
}

func (h *Hub) writePump(client *WebSocketClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	kind := websocket.TextMessage
	if client.binary {
		kind = websocket.BinaryMessage
	}

	for {
		select {
		case data, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(kind, data); err != nil {
				h.metrics.IncrementWebSocketErrors()
				return
			}
			h.metrics.IncrementWebSocketMessages()

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// HandleSSE streams the same JSON envelopes as server-sent events until the
// client goes away.
func (h *Hub) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming unsupported", "stream_unsupported")
		return
	}
	// The server write timeout would otherwise end the stream.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	stream := make(chan []byte, sendBufferSize)
	h.mu.Lock()
	h.streams[stream] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.streams, stream)
		h.mu.Unlock()
	}()

	keepalive := time.NewTicker(pingPeriod)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case data := <-stream:
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// CloseAll disconnects every websocket client.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for clientID, client := range h.clients {
		client.close()
		h.metrics.DecrementWebSocketConnections()
		h.log.WithField("client_id", clientID).Debug("closed websocket client")
	}
	h.clients = make(map[string]*WebSocketClient)
}

func generateClientID() string {
	return "client-" + uuid.NewString()[:8]
}
