// Package gateway is the websocket transport: one connection per session,
// named JSON events in both directions, authentication before anything
// else. Principal identity comes from the verified token only.
package gateway

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"devlink-server/internal/auth"
	"devlink-server/internal/command"
	"devlink-server/internal/model"
	"devlink-server/internal/presence"
	"devlink-server/internal/signal"
)

const (
	maxPayload   int64 = 1 << 20
	writeTimeout       = 10 * time.Second
	authTimeout        = 10 * time.Second
	pongWait           = 60 * time.Second
)

type Deps struct {
	Registry    *presence.Registry
	Router      *command.Router
	Broker      *signal.Broker
	TokenConfig auth.TokenConfig
}

type Gateway struct {
	registry    *presence.Registry
	router      *command.Router
	broker      *signal.Broker
	tokenConfig auth.TokenConfig

	upgrader websocket.Upgrader
}

func New(deps Deps) *Gateway {
	return &Gateway{
		registry:    deps.Registry,
		router:      deps.Router,
		broker:      deps.Broker,
		tokenConfig: deps.TokenConfig,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// envelope is the wire frame: {"event": "...", "data": {...}}.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type conn struct {
	id string
	ws *websocket.Conn

	sendMu sync.Mutex
	closed atomic.Bool
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{id: uuid.NewString(), ws: ws}
}

func (c *conn) WriteEvent(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(envelope{Event: event, Data: payload})
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.ws.Close()
}

type authenticateBody struct {
	Token string `json:"token"`
}

func (g *Gateway) Serve(c *gin.Context) {
	ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	ws.SetReadLimit(maxPayload)

	cn := newConn(ws)
	defer cn.Close()

	sess, ok := g.authenticate(cn)
	if !ok {
		return
	}
	defer func() {
		g.registry.Unregister(cn.id)
		g.broker.OnSessionClosed(cn.id)
	}()

	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go g.pingLoop(cn, done)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		g.handleEvent(cn, sess, env)
	}
}

// authenticate requires the first frame to be an authenticate event with a
// valid token. Everything about the principal comes from the token claims.
func (g *Gateway) authenticate(cn *conn) (*presence.Session, bool) {
	_ = cn.ws.SetReadDeadline(time.Now().Add(authTimeout))
	_, data, err := cn.ws.ReadMessage()
	if err != nil {
		return nil, false
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event != "authenticate" {
		_ = cn.WriteEvent("authentication_error", gin.H{"message": "Expected authenticate"})
		return nil, false
	}
	var body authenticateBody
	if err := json.Unmarshal(env.Data, &body); err != nil || body.Token == "" {
		_ = cn.WriteEvent("authentication_error", gin.H{"message": "Missing token"})
		return nil, false
	}

	claims, err := auth.VerifyToken(body.Token, g.tokenConfig)
	if err != nil {
		_ = cn.WriteEvent("authentication_error", gin.H{"message": "Invalid authentication token"})
		return nil, false
	}

	sess := g.registry.Register(model.Session{
		ID:            cn.id,
		PrincipalType: model.PrincipalType(claims.PrincipalType),
		PrincipalID:   claims.Subject,
		DeviceID:      claims.DeviceID,
		ConnectedAt:   time.Now().UnixMilli(),
	}, cn)

	_ = cn.WriteEvent("authenticated", gin.H{
		"sessionId":     cn.id,
		"principalType": claims.PrincipalType,
	})
	return sess, true
}

func (g *Gateway) pingLoop(cn *conn, done <-chan struct{}) {
	ticker := time.NewTicker(pongWait * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := cn.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = cn.Close()
				return
			}
		}
	}
}

func (g *Gateway) handleEvent(cn *conn, sess *presence.Session, env envelope) {
	if sess.IsDevice() {
		g.handleDeviceEvent(cn, sess, env)
		return
	}
	g.handleControllerEvent(cn, sess, env)
}

type deviceScopedBody struct {
	DeviceID string          `json:"deviceId"`
	Payload  json.RawMessage `json:"payload"`
}

func (g *Gateway) handleDeviceEvent(cn *conn, sess *presence.Session, env envelope) {
	switch env.Event {
	case "device_response":
		var resp command.Response
		if err := json.Unmarshal(env.Data, &resp); err != nil {
			return
		}
		g.router.HandleResponse(cn.id, sess.DeviceID, resp)

	case "location_update":
		var loc json.RawMessage
		if err := json.Unmarshal(env.Data, &loc); err != nil {
			return
		}
		g.registry.BroadcastToRoom(sess.DeviceID, "location_update", gin.H{
			"deviceId": sess.DeviceID,
			"payload":  loc,
		})

	case "answer":
		var body deviceScopedBody
		if err := json.Unmarshal(env.Data, &body); err != nil {
			return
		}
		if err := g.broker.RelayAnswer(sess, body.Payload); err != nil {
			g.writeRelayError(cn, err)
		}

	case "ice-candidate":
		var body deviceScopedBody
		if err := json.Unmarshal(env.Data, &body); err != nil {
			return
		}
		if err := g.broker.RelayICE(sess, sess.DeviceID, body.Payload); err != nil {
			g.writeRelayError(cn, err)
		}

	default:
		log.Printf("gateway: unknown device event %q from session %s", env.Event, cn.id)
	}
}

func (g *Gateway) handleControllerEvent(cn *conn, sess *presence.Session, env envelope) {
	switch env.Event {
	case "join_device":
		var body deviceScopedBody
		if err := json.Unmarshal(env.Data, &body); err != nil || body.DeviceID == "" {
			return
		}
		if err := g.registry.JoinRoom(cn.id, body.DeviceID); err != nil {
			return
		}
		_, online := g.registry.LookupDeviceSession(body.DeviceID)
		_ = cn.WriteEvent("device-status", gin.H{"deviceId": body.DeviceID, "online": online})

	case "leave_device":
		var body deviceScopedBody
		if err := json.Unmarshal(env.Data, &body); err != nil || body.DeviceID == "" {
			return
		}
		g.registry.LeaveRoom(cn.id, body.DeviceID)
		g.broker.OnLeftRoom(body.DeviceID, cn.id)

	case "offer":
		var body deviceScopedBody
		if err := json.Unmarshal(env.Data, &body); err != nil || body.DeviceID == "" {
			return
		}
		if err := g.broker.RelayOffer(sess, body.DeviceID, body.Payload); err != nil {
			g.writeRelayError(cn, err)
		}

	case "ice-candidate":
		var body deviceScopedBody
		if err := json.Unmarshal(env.Data, &body); err != nil || body.DeviceID == "" {
			return
		}
		if err := g.broker.RelayICE(sess, body.DeviceID, body.Payload); err != nil {
			g.writeRelayError(cn, err)
		}

	default:
		log.Printf("gateway: unknown controller event %q from session %s", env.Event, cn.id)
	}
}

func (g *Gateway) writeRelayError(cn *conn, err error) {
	if errors.Is(err, signal.ErrNoActiveSession) {
		_ = cn.WriteEvent("error", gin.H{"message": "No active session"})
		return
	}
	log.Printf("gateway: relay failed for session %s: %v", cn.id, err)
}
