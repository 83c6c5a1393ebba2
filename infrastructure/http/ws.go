package http

import (
	goerrors "errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"chat-hub/domain"
	"chat-hub/domain/event"
	"chat-hub/errors"
	"chat-hub/runtime"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 1 << 20
)

// handleSocket upgrades the request and runs the connection until the
// peer goes away. Each connection gets a read loop (this goroutine) and
// one writer goroutine draining the outbound queue; gorilla permits only
// a single concurrent writer per conn.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("Socket upgrade failed", "err", err)
		return
	}

	conn := runtime.NewConnection(s.log, s.bufferSize)
	s.registry.OnOpen(conn)
	defer func() {
		s.registry.OnClose(conn)
		_ = ws.Close()
	}()

	go s.writePump(ws, conn)

	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		in, err := event.Decode(raw)
		if err != nil {
			// Malformed frames and unknown tags are dropped without
			// a reply; the sender learns nothing.
			s.log.Debug("Ignoring bad frame", "connId", conn.ID, "err", err)
			continue
		}
		s.dispatch(conn, in)
	}
}

// dispatch routes one decoded event through the relay. The closed event
// set is handled exhaustively; event.Decode already rejected the rest.
func (s *Server) dispatch(conn *runtime.Connection, in event.Inbound) {
	var err error
	switch in.Type {
	case event.TypeAuth:
		identity, bindErr := s.relay.Bind(conn, in.Token)
		if bindErr != nil {
			s.log.Debug("Socket auth rejected", "connId", conn.ID)
			conn.Send(event.AuthError())
			return
		}
		conn.Send(event.AuthOK(identity))
		return
	case event.TypeJoinPublic:
		err = s.relay.JoinPublic(conn)
	case event.TypeJoinPrivate:
		err = s.relay.JoinPrivate(conn, in.RoomID)
	case event.TypePublicMessage:
		err = s.relay.PublicPost(conn, in)
		if goerrors.Is(err, errors.ErrCaptchaRejected) {
			conn.Send(event.CaptchaError("Captcha invalid"))
			return
		}
	case event.TypePrivateMessage:
		err = s.relay.PrivatePost(conn, in)
	case event.TypeRead:
		err = s.relay.Read(conn, in.RoomID)
	case event.TypeTyping:
		err = s.relay.Typing(conn, in)
	case event.TypeCallOffer:
		err = s.calls.Signal(conn, domain.CallOffer, in.RoomID, in.Signal)
	case event.TypeCallAnswer:
		err = s.calls.Signal(conn, domain.CallAnswer, in.RoomID, in.Signal)
	case event.TypeCallIce:
		err = s.calls.Signal(conn, domain.CallIce, in.RoomID, in.Signal)
	case event.TypeCallDecline:
		err = s.calls.Signal(conn, domain.CallDecline, in.RoomID, in.Signal)
	case event.TypeCallEnd:
		err = s.calls.Signal(conn, domain.CallEnd, in.RoomID, in.Signal)
	}

	if err != nil {
		// Forbidden stays silent so room existence cannot be probed;
		// everything else is an internal concern, not the peer's.
		s.log.Debug("Event dropped", "connId", conn.ID, "type", in.Type, "err", err)
	}
}

// writePump is the single writer for the socket. It drains the
// connection's outbound queue and keeps the peer alive with pings.
func (s *Server) writePump(ws *websocket.Conn, conn *runtime.Connection) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-conn.Closed():
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = ws.WriteMessage(websocket.CloseMessage, nil)
			return
		case e := <-conn.Outbound():
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(e); err != nil {
				s.log.Debug("Socket write failed", "connId", conn.ID, "err", err)
				_ = ws.Close()
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = ws.Close()
				return
			}
		}
	}
}
