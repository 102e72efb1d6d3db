package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ent0n29/interviewrt/internal/logging"
	"github.com/ent0n29/interviewrt/internal/observability"
	"github.com/ent0n29/interviewrt/internal/reliability"
)

var (
	ErrNotConnected = errors.New("realtime: not connected")
	ErrClosed       = errors.New("realtime: client closed")
)

// HandshakeError is returned when the upstream rejects the WebSocket upgrade.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("realtime handshake failed with status %d: %v", e.StatusCode, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

const (
	minSilenceMS           = 200
	writeTimeout           = 10 * time.Second
	defaultReplayPause     = 50 * time.Millisecond
	defaultUpdateThrottle  = 5 * time.Second
	defaultMinSilenceDelta = 400
	eventQueueSize         = 512
)

// Config describes one upstream conversation.
type Config struct {
	URL                string
	APIKey             string
	Model              string
	Voice              string
	Instructions       string
	TranscriptionModel string
	Temperature        float64

	// ManualTurns disables server VAD; the caller commits and requests responses.
	ManualTurns     bool
	VADThreshold    float64
	PrefixPaddingMS int
	SilenceMS       int
	MaxSilenceMS    int
	SilenceStepMS   int

	MaxReconnectAttempts int
	MaxBackoff           time.Duration
	HistoryLimit         int

	ReplayPause           time.Duration
	TurnDetectionThrottle time.Duration
	MinSilenceDeltaMS     int
}

func (c *Config) applyDefaults() {
	if c.Voice == "" {
		c.Voice = "alloy"
	}
	if c.TranscriptionModel == "" {
		c.TranscriptionModel = "whisper-1"
	}
	if c.Temperature == 0 {
		c.Temperature = 0.8
	}
	if c.VADThreshold == 0 {
		c.VADThreshold = 0.5
	}
	if c.PrefixPaddingMS == 0 {
		c.PrefixPaddingMS = 300
	}
	if c.SilenceMS == 0 {
		c.SilenceMS = 800
	}
	if c.MaxSilenceMS < c.SilenceMS {
		c.MaxSilenceMS = c.SilenceMS
	}
	if c.SilenceStepMS <= 0 {
		c.SilenceStepMS = 200
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.ReplayPause <= 0 {
		c.ReplayPause = defaultReplayPause
	}
	if c.TurnDetectionThrottle <= 0 {
		c.TurnDetectionThrottle = defaultUpdateThrottle
	}
	if c.MinSilenceDeltaMS <= 0 {
		c.MinSilenceDeltaMS = defaultMinSilenceDelta
	}
}

type Option func(*Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = logging.OrNop(l) }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithSleep replaces the context-aware sleep used for backoff and replay pauses.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(c *Client) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// Client keeps one duplex connection to an OpenAI Realtime compatible
// endpoint and reconnects with context replay when it drops.
type Client struct {
	cfg     Config
	logger  *zap.Logger
	metrics *observability.Metrics
	dialer  *websocket.Dialer
	sleep   func(context.Context, time.Duration) error
	now     func() time.Time

	writeMu sync.Mutex

	mu               sync.Mutex
	conn             *websocket.Conn
	state            State
	closed           bool
	reconnecting     bool
	attempts         int
	silenceMS        int
	appliedSilenceMS int
	lastTDUpdate     time.Time
	history          *History

	events    chan ServerEvent
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewClient(cfg Config, opts ...Option) *Client {
	cfg.applyDefaults()
	c := &Client{
		cfg:       cfg,
		logger:    zap.NewNop(),
		dialer:    websocket.DefaultDialer,
		sleep:     sleepContext,
		now:       time.Now,
		state:     StateDisconnected,
		silenceMS: cfg.SilenceMS,
		history:   NewHistory(cfg.HistoryLimit),
		events:    make(chan ServerEvent, eventQueueSize),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Events is the single ordered stream of upstream events. It is closed after Close.
func (c *Client) Events() <-chan ServerEvent { return c.events }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// History returns the messages that would be replayed on reconnect.
func (c *Client) History() []HistoryEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.Entries()
}

// Connect dials the upstream, configures the session and starts receiving.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, _, err := c.establish(ctx)
	if err != nil {
		c.mu.Lock()
		if !c.closed {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		return err
	}
	c.startReceive(conn)
	return nil
}

// establish dials, sends session.update and replays history on a fresh
// connection, then installs it as the current one.
func (c *Client) establish(ctx context.Context) (*websocket.Conn, bool, error) {
	ctx, span := observability.StartSpan(ctx, "realtime.establish", attribute.String("model", c.cfg.Model))
	conn, err := c.dial(ctx)
	if err != nil {
		observability.EndSpan(span, err)
		return nil, false, err
	}

	c.mu.Lock()
	silence := c.silenceMS
	replay := c.history.Entries()
	c.mu.Unlock()

	restored, err := c.configure(ctx, conn, silence, replay)
	if err != nil {
		_ = conn.Close()
		observability.EndSpan(span, err)
		return nil, false, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		observability.EndSpan(span, ErrClosed)
		return nil, false, ErrClosed
	}
	c.conn = conn
	c.state = StateConnected
	c.attempts = 0
	c.appliedSilenceMS = silence
	c.mu.Unlock()

	span.SetAttributes(attribute.Bool("context_restored", restored), attribute.Int("replayed_items", len(replay)))
	observability.EndSpan(span, nil)
	c.logger.Info("realtime connected", zap.String("model", c.cfg.Model), zap.Int("replayed_items", len(replay)))
	return conn, restored, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(strings.TrimSpace(c.cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	if c.cfg.Model != "" {
		q := u.Query()
		q.Set("model", c.cfg.Model)
		u.RawQuery = q.Encode()
	}

	headers := http.Header{}
	if c.cfg.APIKey != "" {
		headers.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	headers.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			return nil, &HandshakeError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, fmt.Errorf("dial realtime websocket: %w", err)
	}
	return conn, nil
}

func (c *Client) configure(ctx context.Context, conn *websocket.Conn, silenceMS int, replay []HistoryEntry) (bool, error) {
	if err := c.writeTo(conn, clientEvent{Type: "session.update", Session: c.sessionConfig(silenceMS)}); err != nil {
		return false, fmt.Errorf("send session.update: %w", err)
	}
	if len(replay) == 0 {
		return false, nil
	}
	for _, entry := range replay {
		if err := c.writeTo(conn, clientEvent{Type: "conversation.item.create", Item: historyItem(entry)}); err != nil {
			return false, fmt.Errorf("replay history: %w", err)
		}
		if err := c.sleep(ctx, c.cfg.ReplayPause); err != nil {
			return false, err
		}
	}
	// Only answer immediately when the candidate spoke last.
	if replay[len(replay)-1].Role == RoleUser {
		if err := c.writeTo(conn, clientEvent{Type: "response.create"}); err != nil {
			return false, fmt.Errorf("resume response: %w", err)
		}
	}
	return true, nil
}

func (c *Client) sessionConfig(silenceMS int) SessionConfig {
	return SessionConfig{
		Modalities:              []string{"text", "audio"},
		Instructions:            c.cfg.Instructions,
		Voice:                   c.cfg.Voice,
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		InputAudioTranscription: &Transcription{Model: c.cfg.TranscriptionModel},
		TurnDetection:           c.turnDetection(silenceMS),
		Tools:                   []Tool{endInterviewTool()},
		ToolChoice:              "auto",
		Temperature:             c.cfg.Temperature,
	}
}

func (c *Client) turnDetection(silenceMS int) *TurnDetection {
	if c.cfg.ManualTurns {
		return nil
	}
	return &TurnDetection{
		Type:              "server_vad",
		Threshold:         c.cfg.VADThreshold,
		PrefixPaddingMS:   c.cfg.PrefixPaddingMS,
		SilenceDurationMS: silenceMS,
		CreateResponse:    true,
		InterruptResponse: true,
	}
}

func historyItem(e HistoryEntry) *Item {
	contentType := "input_text"
	if e.Role == RoleAssistant {
		contentType = "text"
	}
	return &Item{
		Type:    "message",
		Role:    e.Role,
		Content: []ItemContent{{Type: contentType, Text: e.Content}},
	}
}

func (c *Client) AppendAudio(ctx context.Context, audioB64 string) error {
	return c.send(ctx, clientEvent{Type: "input_audio_buffer.append", Audio: audioB64})
}

func (c *Client) CommitAudio(ctx context.Context) error {
	return c.send(ctx, clientEvent{Type: "input_audio_buffer.commit"})
}

// CreateResponse asks for the next turn; instructions override the session
// instructions for this response only.
func (c *Client) CreateResponse(ctx context.Context, instructions string) error {
	evt := clientEvent{Type: "response.create"}
	if strings.TrimSpace(instructions) != "" {
		evt.Response = &responseParam{Instructions: instructions}
	}
	return c.send(ctx, evt)
}

func (c *Client) CancelResponse(ctx context.Context) error {
	return c.send(ctx, clientEvent{Type: "response.cancel"})
}

// UpdateTurnDetection pushes a new server VAD silence window. The target is
// clamped to [200ms, MaxSilenceMS]; the update is skipped (false, nil) when
// one was applied within the throttle window or the change from the last
// applied value does not exceed MinSilenceDeltaMS. Reaching MaxSilenceMS is
// never skipped for being too small a change.
func (c *Client) UpdateTurnDetection(ctx context.Context, silenceMS int) (bool, error) {
	if c.cfg.ManualTurns {
		return false, nil
	}
	target := min(max(silenceMS, minSilenceMS), c.cfg.MaxSilenceMS)

	c.mu.Lock()
	now := c.now()
	if !c.lastTDUpdate.IsZero() && now.Sub(c.lastTDUpdate) < c.cfg.TurnDetectionThrottle {
		c.mu.Unlock()
		return false, nil
	}
	delta := target - c.appliedSilenceMS
	if delta < 0 {
		delta = -delta
	}
	if delta == 0 || (delta <= c.cfg.MinSilenceDeltaMS && target != c.cfg.MaxSilenceMS) {
		c.mu.Unlock()
		return false, nil
	}
	c.silenceMS = target
	c.mu.Unlock()

	update := clientEvent{Type: "session.update", Session: turnDetectionUpdate{TurnDetection: c.turnDetection(target)}}
	if err := c.send(ctx, update); err != nil {
		return false, err
	}

	c.mu.Lock()
	c.appliedSilenceMS = target
	c.lastTDUpdate = now
	c.mu.Unlock()
	c.logger.Info("server vad silence window updated", zap.Int("silence_ms", target))
	return true, nil
}

// ExtendSilenceWindow widens the configured silence window by one step. It
// returns the new window, or false when already at the maximum.
func (c *Client) ExtendSilenceWindow() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.silenceMS >= c.cfg.MaxSilenceMS {
		return c.silenceMS, false
	}
	c.silenceMS = min(c.silenceMS+c.cfg.SilenceStepMS, c.cfg.MaxSilenceMS)
	return c.silenceMS, true
}

// SilenceWindow is the currently configured server VAD silence duration.
func (c *Client) SilenceWindow() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.silenceMS
}

func (c *Client) send(ctx context.Context, evt clientEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}
	return c.writeTo(conn, evt)
}

func (c *Client) writeTo(conn *websocket.Conn, evt clientEvent) error {
	evt.EventID = "evt_" + uuid.NewString()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(evt)
}

func (c *Client) startReceive(conn *websocket.Conn) {
	c.wg.Add(1)
	go c.receive(conn)
}

func (c *Client) receive(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.isClosing() {
				return
			}
			c.logger.Warn("realtime connection lost", zap.Error(err))
			c.startReconnect(conn)
			return
		}
		evt, err := DecodeServerEvent(data)
		if err != nil {
			c.logger.Warn("dropping malformed realtime event", zap.Error(err))
			continue
		}
		c.trackConversationItem(evt)
		c.emit(evt)
	}
}

// trackConversationItem records completed messages for replay. User turns
// come from input transcription, assistant turns from finished output items;
// replayed items echo back as conversation.item.created and are ignored.
func (c *Client) trackConversationItem(evt ServerEvent) {
	var entry HistoryEntry
	switch evt.Type {
	case EventTranscriptionCompleted:
		entry = HistoryEntry{Role: RoleUser, Content: strings.TrimSpace(evt.Transcript)}
	case EventOutputItemDone:
		if evt.Item == nil || evt.Item.Type != "message" || evt.Item.Role != RoleAssistant {
			return
		}
		entry = HistoryEntry{Role: RoleAssistant, Content: evt.Item.Text()}
	default:
		return
	}
	if entry.Content == "" {
		return
	}
	c.mu.Lock()
	c.history.Append(entry)
	c.mu.Unlock()
}

func (c *Client) emit(evt ServerEvent) {
	select {
	case c.events <- evt:
	case <-c.done:
	}
}

func (c *Client) isClosing() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// startReconnect launches the reconnect loop unless one is already running.
func (c *Client) startReconnect(lost *websocket.Conn) {
	c.mu.Lock()
	if c.closed || c.reconnecting {
		c.mu.Unlock()
		return
	}
	if c.conn == lost {
		c.conn = nil
	}
	c.reconnecting = true
	c.state = StateReconnecting
	c.wg.Add(1)
	c.mu.Unlock()

	_ = lost.Close()
	go c.reconnectLoop()
}

func (c *Client) reconnectLoop() {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	maxAttempts := c.cfg.MaxReconnectAttempts
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		c.mu.Lock()
		c.attempts = attempt
		c.mu.Unlock()

		c.emit(reconnectingEvent(attempt, maxAttempts))
		c.metrics.ObserveReconnect("attempt")
		delay := reliability.ReconnectDelay(attempt, c.cfg.MaxBackoff)
		c.logger.Info("realtime reconnecting", zap.Int("attempt", attempt), zap.Int("max_attempts", maxAttempts), zap.Duration("delay", delay))
		if err := c.sleep(ctx, delay); err != nil {
			return
		}

		conn, restored, err := c.establish(ctx)
		if err == nil {
			c.metrics.ObserveReconnect("success")
			c.emit(reconnectedEvent(restored))
			c.startReceive(conn)
			return
		}
		if errors.Is(err, ErrClosed) || c.isClosing() {
			return
		}
		c.logger.Warn("realtime reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		var hs *HandshakeError
		if errors.As(err, &hs) && !reliability.IsRetryableHTTPStatus(hs.StatusCode) {
			break
		}
	}

	c.mu.Lock()
	c.state = StateFailed
	attempts := c.attempts
	c.mu.Unlock()
	c.metrics.ObserveReconnect("exhausted")
	c.logger.Error("realtime connection lost", zap.Int("attempts", attempts))
	c.emit(connectionLostEvent(attempts))
}

// Close stops every goroutine, closes the connection and then the events channel.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.state = StateClosed
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()

		close(c.done)
		if conn != nil {
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			c.writeMu.Unlock()
			err = conn.Close()
		}
		c.wg.Wait()
		close(c.events)
	})
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
