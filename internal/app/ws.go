package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"larptable/api/internal/auth"
	"larptable/api/internal/collab"
	"larptable/api/internal/locks"
	"larptable/api/internal/presence"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 256
	closeTimeout   = 5 * time.Second
)

// clientFrame is a message from the browser.
type clientFrame struct {
	Type       string   `json:"type"`
	ID         string   `json:"id,omitempty"`
	Name       string   `json:"name,omitempty"`
	PhotoURL   string   `json:"photoUrl,omitempty"`
	Cell       string   `json:"cell,omitempty"`
	EventTypes []string `json:"eventTypes,omitempty"`
}

// serverFrame is a message to the browser. ID echoes the client frame it
// answers.
type serverFrame struct {
	Type       string          `json:"type"`
	ID         string          `json:"id,omitempty"`
	Event      *presence.Event `json:"event,omitempty"`
	Locks      locks.Map       `json:"locks,omitempty"`
	Lock       *locks.Lock     `json:"lock,omitempty"`
	Code       string          `json:"code,omitempty"`
	Message    string          `json:"message,omitempty"`
	RetryCount int             `json:"retryCount,omitempty"`
	Details    any             `json:"details,omitempty"`
	UserID     string          `json:"userId,omitempty"`
}

func (s *HTTPServer) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if s.corsOrigin == "*" {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || origin == s.corsOrigin
		},
	}
}

type wsClient struct {
	conn *websocket.Conn
	log  *zap.SugaredLogger
	out  chan serverFrame

	mu     sync.Mutex
	closed bool

	// presenceUnsub is only touched by the read loop.
	presenceUnsub func()
}

func (s *HTTPServer) handleWebSocket(w http.ResponseWriter, r *http.Request, namespace string) {
	principal, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}

	client := &wsClient{
		out: make(chan serverFrame, sendBuffer),
		log: s.log.With("request_id", requestIDFrom(r.Context()), "namespace", namespace, "user", principal.Subject),
	}

	// The session outlives the upgrade request's handler context.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	session, err := s.service.OpenSession(ctx, principal, namespace, func(session *collab.Session) {
		client.presenceUnsub = session.SubscribeToPresence(client.sendEvent)
		session.SubscribeToLocks(func(current locks.Map) {
			client.send(serverFrame{Type: "locks", Locks: current})
		})
	})
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), closeTimeout)
		defer closeCancel()
		if err := session.Close(closeCtx); err != nil {
			client.log.Warnw("session close failed", "error", err)
		}
	}()

	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		client.log.Warnw("websocket upgrade failed", "error", err)
		return
	}
	client.conn = conn
	client.log.Infow("websocket connected", "conn", session.ConnID())
	client.send(serverFrame{Type: "locks", Locks: session.Locks()})

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		client.writePump()
	}()

	client.readLoop(ctx, session, principal)

	client.shutdown()
	<-pumpDone
	client.log.Infow("websocket disconnected", "conn", session.ConnID())
}

func (c *wsClient) readLoop(ctx context.Context, session *ClientSession, principal auth.Principal) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame clientFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warnw("websocket read failed", "error", err)
			}
			return
		}
		c.dispatch(ctx, session, principal, frame)
	}
}

func (c *wsClient) dispatch(ctx context.Context, session *ClientSession, principal auth.Principal, frame clientFrame) {
	switch frame.Type {
	case "register":
		err := session.RegisterPresence(ctx, collab.PresenceData{
			Name:       frame.Name,
			PhotoURL:   frame.PhotoURL,
			ActiveCell: frame.Cell,
		}, collab.RegisterOptions{OnError: c.sendHeartbeatFailure})
		if err != nil {
			c.sendError(frame.ID, err)
			return
		}
		c.send(serverFrame{Type: "registered", ID: frame.ID, UserID: session.UserKey()})
	case "unregister":
		if err := session.UnregisterPresence(ctx); err != nil {
			c.sendError(frame.ID, err)
			return
		}
		c.send(serverFrame{Type: "unregistered", ID: frame.ID})
	case "activeCell":
		if err := session.SetActiveCell(ctx, frame.Cell); err != nil {
			c.sendError(frame.ID, err)
			return
		}
		c.send(serverFrame{Type: "ack", ID: frame.ID})
	case "acquireLock", "renewLock":
		acquire := session.AcquireLock
		if frame.Type == "renewLock" {
			acquire = session.RenewLock
		}
		lock, err := acquire(ctx, frame.Cell)
		if err != nil {
			c.sendError(frame.ID, err)
			return
		}
		c.send(serverFrame{Type: "ack", ID: frame.ID, Lock: &lock})
	case "releaseLock":
		if err := session.ReleaseLock(ctx, frame.Cell); err != nil {
			c.sendError(frame.ID, err)
			return
		}
		c.send(serverFrame{Type: "ack", ID: frame.ID})
	case "subscribe":
		types := make([]presence.EventType, 0, len(frame.EventTypes))
		for _, name := range frame.EventTypes {
			switch eventType := presence.EventType(name); eventType {
			case presence.EventJoined, presence.EventUpdated, presence.EventLeft:
				types = append(types, eventType)
			default:
				c.send(serverFrame{Type: "error", ID: frame.ID, Code: "INVALID_EVENT_TYPE", Message: "Unknown event type", Details: name})
				return
			}
		}
		if c.presenceUnsub != nil {
			c.presenceUnsub()
		}
		c.presenceUnsub = session.SubscribeToPresence(c.sendEvent, types...)
		c.send(serverFrame{Type: "ack", ID: frame.ID})
	default:
		c.log.Debugw("unknown websocket frame", "type", frame.Type, "user", principal.Subject)
		c.send(serverFrame{Type: "error", ID: frame.ID, Code: "BAD_REQUEST", Message: "Unknown message type", Details: frame.Type})
	}
}

func (c *wsClient) sendEvent(event presence.Event) {
	c.send(serverFrame{Type: "presence", Event: &event})
}

// sendHeartbeatFailure forwards failures that have no request to answer.
// Registration and unregistration failures are answered by sendError.
func (c *wsClient) sendHeartbeatFailure(err *presence.Error) {
	if err.Code != presence.CodeHeartbeatFailed {
		return
	}
	c.send(serverFrame{
		Type:       "heartbeatFailed",
		Code:       err.Code,
		Message:    err.Message,
		RetryCount: err.RetryCount,
		Details:    err.Details,
	})
}

func (c *wsClient) sendError(id string, err error) {
	var presenceErr *presence.Error
	if errors.As(err, &presenceErr) {
		c.send(serverFrame{
			Type:       "error",
			ID:         id,
			Code:       presenceErr.Code,
			Message:    presenceErr.Message,
			RetryCount: presenceErr.RetryCount,
			Details:    presenceErr.Details,
		})
		return
	}
	_, code, message, details := mapError(err)
	if code == "SERVER_ERROR" {
		c.log.Errorw("websocket request failed", "error", err)
	}
	c.send(serverFrame{Type: "error", ID: id, Code: code, Message: message, Details: details})
}

// send queues frame for the write pump. A client that cannot keep up is
// disconnected.
func (c *wsClient) send(frame serverFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.out <- frame:
	default:
		c.log.Warnw("websocket send buffer full, disconnecting")
		c.closed = true
		close(c.out)
	}
}

func (c *wsClient) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.out)
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				c.log.Debugw("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
