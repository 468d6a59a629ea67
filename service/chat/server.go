package chat

import (
	"context"
	"net"
	"net/http"
	"time"

	"careline/config"
	"careline/logger"
	"careline/middleware/security"
	"careline/tools/decode"
	"careline/tools/errs"
	"careline/tools/ids"
	"careline/tools/safe"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // TLS termination and origin policy sit in front of us
}

// Server owns the websocket endpoint of one gateway node and wires sessions
// into the router and replay manager.
type Server struct {
	cfg    config.SessionConfig
	router *Router
	replay *ReplayManager
	mirror Mirror
}

func NewServer(cfg config.SessionConfig, router *Router, replay *ReplayManager, mirror Mirror) *Server {
	if mirror == nil {
		mirror = NopMirror{}
	}
	return &Server{cfg: cfg, router: router, replay: replay, mirror: mirror}
}

func (s *Server) Router() *Router { return s.router }

// HandleWS upgrades the connection and runs the read loop until the peer
// goes away. Identity comes from the auth middleware; by the time we are
// here userID and deviceID are authenticated.
func (s *Server) HandleWS(c *gin.Context) {
	userID := c.GetString(security.CtxUserID)
	deviceID := c.GetString(security.CtxDeviceID)
	if userID == "" || deviceID == "" {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[ws] upgrade failed user=%s err=%v", userID, err)
		return
	}

	sid := ids.GenerateString()
	sess := NewSession(sid, userID, deviceID, &wsTransport{conn: ws},
		s.cfg.SendQueueSize, s.cfg.WriteTimeout, s.onSessionClose)

	// Supersede-and-close on duplicate device: the old session gets an
	// explicit reason, the new one becomes the sole live target.
	if old := s.router.Registry.Register(sess); old != nil {
		logger.Infof("[ws] superseding session user=%s device=%s old=%s new=%s",
			userID, deviceID, old.ID, sid)
		old.Close(ReasonDuplicateDevice)
	}
	go sess.Run()

	ctx := c.Request.Context()
	if err := s.mirror.Online(ctx, userID, deviceID, s.router.GatewayID, s.cfg.PresenceTTL); err != nil {
		logger.Errorf("[ws] presence online failed user=%s err=%v", userID, err)
	}

	s.startHeartbeat(ws, sess)
	s.readLoop(ws, sess)

	sess.Close(ReasonPeerClosed)
}

// onSessionClose runs once per session from the writer pump after the
// transport is released.
func (s *Server) onSessionClose(sess *Session, reason string) {
	current := s.router.Registry.Deregister(sess)
	if current {
		// Only the device slot's current holder clears the mirror; a
		// superseded session going away must not mark its replacement
		// offline.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.mirror.Offline(ctx, sess.UserID, sess.DeviceID); err != nil {
			logger.Errorf("[ws] presence offline failed user=%s err=%v", sess.UserID, err)
		}
	}
	logger.Infof("[ws] session closed sid=%s user=%s device=%s reason=%s",
		sess.ID, sess.UserID, sess.DeviceID, reason)
}

// startHeartbeat pings on an interval and enforces the client timeout via
// the read deadline; a pong renews both the deadline and the presence TTL.
// gorilla allows WriteControl concurrently with the writer pump.
func (s *Server) startHeartbeat(ws *websocket.Conn, sess *Session) {
	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.ClientTimeout))
	ws.SetPongHandler(func(string) error {
		_ = ws.SetReadDeadline(time.Now().Add(s.cfg.ClientTimeout))
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.mirror.Online(ctx, sess.UserID, sess.DeviceID, s.router.GatewayID, s.cfg.PresenceTTL); err != nil {
			logger.Debugf("[ws] presence renew failed user=%s err=%v", sess.UserID, err)
		}
		return nil
	})

	safe.Go("ws.heartbeat", func() {
		t := time.NewTicker(s.cfg.HeartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-sess.closedCh:
				return
			case <-t.C:
				deadline := time.Now().Add(s.cfg.WriteTimeout)
				if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					sess.Close(ReasonHeartbeat)
					return
				}
			}
		}
	})
}

func (s *Server) readLoop(ws *websocket.Conn, sess *Session) {
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[ws] peer closed sid=%s", sess.ID)
			} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
				logger.Infof("[ws] read timeout sid=%s", sess.ID)
			} else {
				logger.Infof("[ws] read error sid=%s err=%v", sess.ID, err)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		frame, err := ParseFrameJSON(data)
		if err != nil {
			sample := data
			if len(sample) > 256 {
				sample = sample[:256]
			}
			logger.Infof("[ws] bad frame sid=%s err=%v sample=%q", sess.ID, err, sample)
			_ = sess.EnqueueControl(BuildReject(errs.ErrBadFrame))
			continue
		}

		s.dispatch(sess, frame)
		if sess.Closed() {
			return
		}
	}
}

func (s *Server) dispatch(sess *Session, frame *Frame) {
	ctx := context.Background()

	switch frame.Type {
	case FrameSend:
		p, err := decode.Map[SendPayload](frame.Data)
		if err != nil || p.ConversationID == "" {
			_ = sess.EnqueueControl(BuildReject(errs.ErrBadFrame))
			return
		}
		msg, err := s.router.Submit(ctx, sess.UserID, p.ConversationID, p.Payload, p.ClientMsgID)
		if err != nil {
			logger.Infof("[ws] submit rejected sid=%s conv=%s err=%v", sess.ID, p.ConversationID, err)
			_ = sess.EnqueueControl(BuildReject(err))
			return
		}
		_ = sess.EnqueueControl(BuildSendAck(msg.ConversationID, msg.Position, msg.ClientMsgID))

	case FrameAck:
		p, err := decode.Map[AckPayload](frame.Data)
		if err != nil || p.ConversationID == "" || p.Position <= 0 {
			_ = sess.EnqueueControl(BuildReject(errs.ErrBadFrame))
			return
		}
		if err := s.router.Acknowledge(ctx, sess.UserID, sess.DeviceID, p.ConversationID, p.Position); err != nil {
			_ = sess.EnqueueControl(BuildReject(err))
		}

	case FrameAttach:
		p, err := decode.Map[AttachPayload](frame.Data)
		if err != nil || p.ConversationID == "" {
			_ = sess.EnqueueControl(BuildReject(errs.ErrBadFrame))
			return
		}
		ok, err := s.router.Pairing.IsParticipant(ctx, sess.UserID, p.ConversationID)
		if err != nil {
			_ = sess.EnqueueControl(BuildReject(err))
			return
		}
		if !ok {
			_ = sess.EnqueueControl(BuildReject(errs.ErrNotAParticipant))
			return
		}
		convID := p.ConversationID
		safe.Go("ws.replay", func() {
			if err := s.replay.Run(context.Background(), sess, convID); err != nil {
				logger.Errorf("[ws] replay failed sid=%s conv=%s err=%v", sess.ID, convID, err)
				_ = sess.EnqueueControl(BuildReject(err))
			}
		})

	case FramePing:
		_ = sess.EnqueueControl(BuildPong())

	default:
		logger.Infof("[ws] unknown frame type=%q sid=%s", frame.Type, sess.ID)
		_ = sess.EnqueueControl(BuildReject(errs.ErrBadFrame))
	}
}
