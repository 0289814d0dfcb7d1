package live

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// sendBufferSize must hold the join snapshot plus a burst of room events.
const sendBufferSize = 512

const writeWait = 10 * time.Second

// MediaSignaler is the narrow interface to the media transport collaborator.
// The core forwards WebRTC signaling frames and never touches media itself.
type MediaSignaler interface {
	HandleSignal(sessionID, connID, userID, kind string, payload json.RawMessage, reply func(event string, data interface{}))
	CloseParticipant(sessionID, connID string)
}

// Command is the inbound client frame.
type Command struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Inbound action names.
const (
	CmdSendMessage      = "send_message"
	CmdRaiseHand        = "raise_hand"
	CmdToggleAudio      = "toggle_audio"
	CmdToggleVideo      = "toggle_video"
	CmdStartScreenShare = "start_screen_share"
	CmdStopScreenShare  = "stop_screen_share"
	CmdWhiteboardStroke = "whiteboard_stroke"
	CmdWhiteboardClear  = "whiteboard_clear"
	CmdStartClass       = "start_class"
	CmdEndClass         = "end_class"
)

// Client is one WebSocket connection bound to a participant in a room. It is
// the Sink implementation: Enqueue feeds the buffered send channel drained
// by writePump, so broadcast never blocks on a slow socket.
type Client struct {
	connID   string
	userID   string
	room     *Room
	svc      *Service
	media    MediaSignaler
	conn     *websocket.Conn
	send     chan Message
	done     chan struct{}
	closeOne sync.Once
	pongWait time.Duration
	log      *zap.Logger
}

// ConnectionID implements Sink.
func (c *Client) ConnectionID() string { return c.connID }

// Enqueue implements Sink. Non-blocking: a full buffer reports failure and
// the event is dropped for this connection only.
func (c *Client) Enqueue(msg Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close implements Sink. The write pump drains queued messages (including a
// just-broadcast class_ended event) before closing the socket.
func (c *Client) Close() {
	c.closeOne.Do(func() { close(c.done) })
}

// TokenValidator resolves a connection token to a user identity. Implemented
// by the auth collaborator; the core trusts its result for all gate checks.
type TokenValidator func(token string) (userID string, err error)

// ServeWs upgrades the connection, authenticates it, joins the room, and
// runs the client until disconnect. Query params: class_id, token, and an
// optional since watermark for partial replay.
func ServeWs(svc *Service, media MediaSignaler, validate TokenValidator, pongWait time.Duration, logger *zap.Logger) gin.HandlerFunc {
	return func(gc *gin.Context) {
		classID := gc.Query("class_id")
		token := gc.Query("token")
		if classID == "" || token == "" {
			gc.JSON(http.StatusBadRequest, gin.H{"error": "class_id and token required"})
			return
		}
		userID, err := validate(token)
		if err != nil {
			gc.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		var since uint64
		if v := gc.Query("since"); v != "" {
			_ = json.Unmarshal([]byte(v), &since)
		}

		room, err := svc.Registry().GetOrCreate(gc.Request.Context(), classID)
		if err != nil {
			switch err {
			case ErrNotFound:
				gc.JSON(http.StatusNotFound, gin.H{"error": "class not found"})
			case ErrInvalidState:
				gc.JSON(http.StatusGone, gin.H{"error": "class has ended"})
			default:
				gc.JSON(http.StatusInternalServerError, gin.H{"error": "room unavailable"})
			}
			return
		}

		conn, err := upgrader.Upgrade(gc.Writer, gc.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		c := &Client{
			connID:   uuid.New().String(),
			userID:   userID,
			room:     room,
			svc:      svc,
			media:    media,
			conn:     conn,
			send:     make(chan Message, sendBufferSize),
			done:     make(chan struct{}),
			pongWait: pongWait,
			log:      logger,
		}

		go c.writePump()
		if _, err := svc.Join(gc.Request.Context(), room, userID, c, since); err != nil {
			c.Enqueue(errorMessage("join", err))
			c.Close()
			return
		}
		c.readPump()
	}
}

func errorMessage(action string, err error) Message {
	data, _ := json.Marshal(gin.H{"action": action, "error": err.Error()})
	return Message{Event: OutError, Data: data}
}

// readPump consumes client frames until the connection dies. Any exit path
// runs Leave exactly once for this connection; a leave for a replaced
// connection is a silent no-op inside the service.
func (c *Client) readPump() {
	reason := LeaveReasonDisconnect
	defer func() {
		if c.media != nil {
			c.media.CloseParticipant(c.room.ID, c.connID)
		}
		_ = c.svc.Leave(context.Background(), c.room, c.userID, c.connID, reason)
		c.Close()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		return nil
	})

	for {
		var cmd Command
		if err := c.conn.ReadJSON(&cmd); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				reason = LeaveReasonTimeout
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		c.dispatch(cmd)
	}
}

func (c *Client) dispatch(cmd Command) {
	var err error
	switch cmd.Action {
	case CmdSendMessage:
		var p ChatPayload
		if err = json.Unmarshal(cmd.Data, &p); err == nil {
			_, err = c.svc.SendChat(c.room, c.userID, p)
		}
	case CmdRaiseHand:
		p := struct {
			Raised *bool `json:"raised"`
		}{}
		_ = json.Unmarshal(cmd.Data, &p)
		raised := true
		if p.Raised != nil {
			raised = *p.Raised
		}
		_, err = c.svc.RaiseHand(c.room, c.userID, raised)
	case CmdToggleAudio, CmdToggleVideo:
		p := struct {
			Enabled      bool   `json:"enabled"`
			TargetUserID string `json:"target_user_id,omitempty"`
		}{}
		if err = json.Unmarshal(cmd.Data, &p); err == nil {
			kind := MediaKindAudio
			if cmd.Action == CmdToggleVideo {
				kind = MediaKindVideo
			}
			_, err = c.svc.ToggleMedia(c.room, c.userID, p.TargetUserID, kind, p.Enabled)
		}
	case CmdStartScreenShare:
		_, err = c.svc.SetScreenShare(c.room, c.userID, true)
	case CmdStopScreenShare:
		_, err = c.svc.SetScreenShare(c.room, c.userID, false)
	case CmdWhiteboardStroke:
		var p StrokePayload
		if err = json.Unmarshal(cmd.Data, &p); err == nil {
			_, err = c.svc.WhiteboardStroke(c.room, c.userID, p)
		}
	case CmdWhiteboardClear:
		_, err = c.svc.WhiteboardClear(c.room, c.userID)
	case CmdStartClass:
		_, err = c.svc.StartClass(c.room, c.userID)
	case CmdEndClass:
		_, err = c.svc.EndClass(context.Background(), c.room, c.userID)
	case "webrtc_offer", "webrtc_answer", "webrtc_ice", "webrtc_subscribe":
		if c.media != nil {
			c.media.HandleSignal(c.room.ID, c.connID, c.userID, cmd.Action, cmd.Data, func(event string, data interface{}) {
				raw, mErr := json.Marshal(data)
				if mErr != nil {
					return
				}
				c.Enqueue(Message{Event: event, Data: raw})
			})
		}
	default:
		// unknown action, ignore
		return
	}
	if err != nil && err != ErrStaleConnection {
		// Rejections go to the acting client only; nobody else sees a frame.
		c.Enqueue(errorMessage(cmd.Action, err))
		c.log.Debug("command rejected",
			zap.String("session_id", c.room.ID),
			zap.String("user_id", c.userID),
			zap.String("action", cmd.Action),
			zap.Error(err))
	}
}

// writePump writes queued messages and heartbeats. Ping interval is half the
// pong wait so a silent peer is detected within one heartbeat timeout. On
// Close it drains whatever is queued, then sends a close frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.pongWait / 2)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			for {
				select {
				case msg := <-c.send:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteJSON(msg); err != nil {
						return
					}
				default:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					_ = c.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}
