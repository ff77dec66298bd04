package relay

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/matheus3301/chatq/internal/transport"
	"go.uber.org/zap"
)

// requiredFields lists the payload fields the relay insists on per event.
var requiredFields = map[string][]string{
	"send_message":     {"content"},
	"edit_message":     {"target_id", "content"},
	"react_to_message": {"target_id", "emoji"},
}

func (s *Server) serveWS(c *gin.Context) {
	token := bearer(c)
	userID, err := s.verify(token)
	if err != nil {
		abortError(c, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.sessions++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.CloseNow()
	}()

	ctx := c.Request.Context()
	log := s.logger.With(zap.String("user_id", userID))
	hs, _ := json.Marshal(transport.Handshake{UserID: userID})
	if err := wsjson.Write(ctx, conn, transport.Frame{Type: transport.FrameAuthenticated, Payload: hs}); err != nil {
		return
	}
	log.Info("client connected")

	for {
		var f transport.Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			log.Info("client disconnected", zap.Error(err))
			return
		}
		if f.Type != transport.FrameEmit {
			log.Debug("ignoring frame", zap.String("type", f.Type))
			continue
		}
		ack := s.handleEmit(token, f)
		if err := s.writeAck(ctx, conn, f.ID, ack); err != nil {
			return
		}
	}
}

func (s *Server) writeAck(ctx context.Context, conn *websocket.Conn, id string, ack transport.Ack) error {
	payload, err := json.Marshal(ack)
	if err != nil {
		return err
	}
	return wsjson.Write(ctx, conn, transport.Frame{Type: transport.FrameAck, ID: id, Payload: payload})
}

// handleEmit validates one operation and acks it. A repeated operation id
// gets the server id of its first acceptance.
func (s *Server) handleEmit(accessToken string, f transport.Frame) transport.Ack {
	ack := transport.Ack{OperationID: f.ID}
	if _, err := s.verify(accessToken); err != nil {
		ack.Code, ack.Message = transport.CodeUnauthorized, err.Error()
		return ack
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if want, ok := s.csrf[accessToken]; !ok || f.CSRF != want {
		ack.Code, ack.Message = transport.CodeCSRFInvalid, "missing or stale csrf token"
		return ack
	}
	if serverID, ok := s.acks[f.ID]; ok {
		ack.OK, ack.ServerID = true, serverID
		return ack
	}
	if msg := validatePayload(f.Event, f.Payload); msg != "" {
		ack.Code, ack.Message = transport.CodeValidation, msg
		return ack
	}

	serverID := "msg-" + uuid.NewString()
	s.acks[f.ID] = serverID
	s.accepted = append(s.accepted, f.ID)
	ack.OK, ack.ServerID = true, serverID
	return ack
}

func validatePayload(event string, raw json.RawMessage) string {
	fields := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &fields); err != nil {
			return "payload must be a JSON object"
		}
	}
	for _, name := range requiredFields[event] {
		if v, ok := fields[name].(string); !ok || v == "" {
			return name + " is required"
		}
	}
	return ""
}
