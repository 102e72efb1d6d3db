package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/interviewrt/internal/protocol"
	"github.com/ent0n29/interviewrt/internal/session"
)

const (
	queueSize    = 256
	readLimit    = 2 << 20
	readTimeout  = 120 * time.Second
	pingPeriod   = 30 * time.Second
	writeTimeout = 10 * time.Second
	closeGrace   = 2 * time.Second
)

// wsConn is the per-connection state. Only the reader goroutine touches
// broker and sessionID; the writer goroutine owns every conn write.
type wsConn struct {
	s        *Server
	conn     *websocket.Conn
	logger   *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	outbound chan any
	inbound  chan protocol.ClientMessage

	broker      Broker
	sessionID   string
	sessionDone chan struct{}
	runDone     chan struct{}
}

func (s *Server) handleInterviewWS(w http.ResponseWriter, r *http.Request) {
	if s.brokers == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "session broker not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.ObserveSessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &wsConn{
		s:           s,
		conn:        conn,
		logger:      s.logger.With(zap.String("remote_addr", r.RemoteAddr)),
		ctx:         ctx,
		cancel:      cancel,
		outbound:    make(chan any, queueSize),
		inbound:     make(chan protocol.ClientMessage, queueSize),
		sessionDone: make(chan struct{}),
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})

	c.readLoop(r.RemoteAddr)

	cancel()
	if c.broker != nil {
		c.broker.Stop()
		<-c.runDone
	}
	<-writerDone
	s.metrics.ObserveSessionEvent("ws_disconnected")
}

func (c *wsConn) readLoop(remoteAddr string) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("websocket read ended", zap.Error(err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.extendReadDeadline()

		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			c.rejectFrame(err)
			continue
		}
		c.s.metrics.ObserveWSMessage("inbound", string(protocol.EventOf(msg)))

		if start, ok := msg.(protocol.Start); ok {
			c.handleStart(start, remoteAddr)
			continue
		}
		if c.broker == nil {
			c.queue(protocol.NewError(protocol.CodeSessionNotStarted, "send start before "+string(protocol.EventOf(msg)), nil))
			continue
		}
		_ = c.s.sessions.Touch(c.sessionID)
		select {
		case c.inbound <- msg:
		case <-c.sessionDone:
			// The broker ended; the writer is flushing and will close.
		case <-c.ctx.Done():
			return
		}
	}
}

// extendReadDeadline keeps the close grace period once the session is over.
func (c *wsConn) extendReadDeadline() {
	select {
	case <-c.sessionDone:
	default:
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	}
}

func (c *wsConn) rejectFrame(err error) {
	var pe *protocol.ParseError
	if errors.As(err, &pe) && pe.Code == protocol.CodeUnknownEvent {
		c.s.metrics.ObserveWSMessage("inbound", "unknown")
		c.queue(protocol.NewNotice(protocol.LevelWarning, fmt.Sprintf("ignoring unknown event %q", pe.Event)))
		return
	}
	c.s.metrics.ObserveWSMessage("inbound", "invalid")
	c.queue(protocol.ErrorFromParse(err))
}

func (c *wsConn) handleStart(start protocol.Start, remoteAddr string) {
	if c.broker != nil {
		c.queue(protocol.NewError(protocol.CodeSessionAlreadyStarted, "session "+c.sessionID+" is already running", nil))
		return
	}

	broker, err := c.s.brokers.NewBroker(c.ctx, start)
	if err == nil {
		err = broker.Start(c.ctx)
	}
	if err != nil {
		c.logger.Warn("session start failed", zap.String("session_id", start.SessionID), zap.Error(err))
		c.s.metrics.ObserveSessionEvent("start_failed")
		c.queue(protocol.NewError(protocol.CodeUpstreamUnavailable, "interview backend unavailable, try again", nil))
		return
	}

	sessCtx, sessCancel := context.WithCancel(c.ctx)
	deregister := c.s.sessions.Register(session.Info{
		ID:          start.SessionID,
		InterviewID: start.InterviewID,
		CandidateID: start.CandidateID,
		RemoteAddr:  remoteAddr,
	}, sessCancel)

	c.broker = broker
	c.sessionID = start.SessionID
	logger := c.logger.With(zap.String("session_id", start.SessionID))
	c.queue(protocol.NewSessionReady(start.SessionID, ""))

	c.runDone = make(chan struct{})
	go func() {
		defer close(c.runDone)
		defer close(c.sessionDone)
		defer sessCancel()
		defer deregister()
		if err := broker.Run(sessCtx, c.inbound, c.outbound); err != nil {
			logger.Error("session broker failed", zap.Error(err))
		}
		logger.Info("session finished", zap.String("reason", broker.EndReason()))
	}()
}

// queue never blocks the reader; a saturated queue drops the message.
func (c *wsConn) queue(msg any) {
	event := protocol.EventName(msg)
	select {
	case c.outbound <- msg:
		c.s.metrics.ObserveOutboundMessage(event, "queued")
	default:
		c.s.metrics.ObserveOutboundMessage(event, "drop_full")
	}
}

func (c *wsConn) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.outbound:
			if !c.write(msg) {
				c.cancel()
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.cancel()
				return
			}
		case <-c.sessionDone:
			c.flush()
			c.closeNormal("session ended")
			return
		}
	}
}

// flush writes whatever is still queued once the broker has returned.
func (c *wsConn) flush() {
	for {
		select {
		case msg := <-c.outbound:
			if !c.write(msg) {
				return
			}
		default:
			return
		}
	}
}

func (c *wsConn) write(msg any) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(msg); err != nil {
		c.s.metrics.ObserveSessionEvent("ws_write_error")
		c.logger.Debug("websocket write failed", zap.Error(err))
		return false
	}
	c.s.metrics.ObserveWSMessage("outbound", protocol.EventName(msg))
	return true
}

func (c *wsConn) closeNormal(reason string) {
	frame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(writeTimeout))
	// Unblock the reader if the client never answers the close.
	_ = c.conn.SetReadDeadline(time.Now().Add(closeGrace))
}
