// Package transport owns the single WebSocket between a voice client and
// the voice-processing peer.
//
// The session phase is modelled as a pure state machine ([Reduce]) over a
// closed set of events. [Client] feeds socket traffic and local signals into
// it and carries out the effects it returns: sending the auth frame,
// answering pings, stopping playback, closing the socket and scheduling
// bounded reconnects.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicecoach/internal/observe"
	"github.com/MrWong99/voicecoach/pkg/audio"
	"github.com/MrWong99/voicecoach/pkg/protocol"
)

// Defaults for [Config].
const (
	DefaultDialTimeout  = 10 * time.Second
	DefaultWriteTimeout = 5 * time.Second
	DefaultSendQueue    = 64
	DefaultReadLimit    = 1 << 20
)

// closeWait bounds how long Stop waits for the connection goroutines.
const closeWait = 5 * time.Second

// errStale is returned by connect when the client was stopped or restarted
// while dialing.
var errStale = errors.New("transport: stale connection attempt")

// Config configures a [Client].
type Config struct {
	// URL is the peer's WebSocket endpoint (ws://, wss://, http:// or https://).
	URL string

	// UserID and InstanceID identify the session in the auth frame.
	UserID     string
	InstanceID string

	// WorkspaceContext is sent with the auth frame. Optional.
	WorkspaceContext json.RawMessage

	// AudioEncoding is offered to the peer. Binary frames are used only when
	// the peer confirms them; otherwise audio is hex in JSON. Default: hex.
	AudioEncoding protocol.Encoding

	// Retry bounds reconnects after a normal close. Zero fields take the
	// [DefaultRetryPolicy] values.
	Retry RetryPolicy

	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// SendQueue is the capacity of the outbound frame queue.
	SendQueue int

	// ReadLimit caps the size of one inbound message in bytes.
	ReadLimit int64

	// Header is added to the WebSocket upgrade request.
	Header http.Header
}

func (c Config) withDefaults() Config {
	if c.AudioEncoding == "" {
		c.AudioEncoding = protocol.EncodingHex
	}
	c.Retry = c.Retry.withDefaults().Reset()
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.SendQueue <= 0 {
		c.SendQueue = DefaultSendQueue
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = DefaultReadLimit
	}
	return c
}

// Handlers receive session events. Any field may be nil. Handlers are
// called from the client's goroutines and must not block; they may run
// concurrently with each other.
type Handlers struct {
	// OnState is called after every state change.
	OnState func(VoiceState)

	OnPartial             func(text string)
	OnFinal               func(text string)
	OnAssistantTranscript func(text string)

	// OnAudio receives assistant speech, 16 kHz mono PCM16.
	OnAudio func(frame audio.AudioFrame, streamID string)

	// OnBargeIn is called when the peer reports that the user interrupted.
	// Playback has already been asked to stop through OnPlaybackStop.
	OnBargeIn func()

	// OnPlaybackStop must discard all scheduled audio immediately.
	OnPlaybackStop func()

	// OnError receives [*TransportError] and [*UpstreamError] values.
	OnError func(error)

	// OnPeerState receives the advisory peer state from state_change frames.
	OnPeerState func(state string)
}

// Option configures a [Client].
type Option func(*Client)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithHTTPClient sets the HTTP client used for the upgrade request.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

type outbound struct {
	typ  websocket.MessageType
	data []byte
}

// connection is one socket and its goroutines.
type connection struct {
	ws       *websocket.Conn
	out      chan outbound
	done     chan struct{}
	finished chan struct{}

	closeOnce sync.Once
	closeErr  error

	// Guarded by Client.mu.
	enc protocol.Encoding
}

func (cn *connection) close(code websocket.StatusCode, reason string) error {
	cn.closeOnce.Do(func() {
		close(cn.done)
		cn.closeErr = cn.ws.Close(code, reason)
	})
	return cn.closeErr
}

func (cn *connection) abort() {
	cn.closeOnce.Do(func() {
		close(cn.done)
		cn.closeErr = cn.ws.CloseNow()
	})
}

// Client is the client side of a voice session. All methods are safe for
// concurrent use.
type Client struct {
	cfg        Config
	h          Handlers
	logger     *slog.Logger
	metrics    *observe.Metrics
	httpClient *http.Client

	mu        sync.Mutex
	state     VoiceState
	enabled   bool
	retry     RetryPolicy
	conn      *connection
	epoch     uint64
	lifetime  context.Context
	cancel    context.CancelFunc
	sessionID string
	workspace json.RawMessage
	finalAt   time.Time

	// stream and streamBytes track the reply being received. After a
	// barge_in, chunks of silencedStream are dropped until a new reply
	// starts or the user finishes another utterance.
	stream         string
	streamBytes    int
	silenced       bool
	silencedStream string
}

// New creates an idle client. Call [Client.Start] to connect.
func New(cfg Config, h Handlers, opts ...Option) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:       cfg,
		h:         h,
		logger:    slog.Default(),
		metrics:   observe.DefaultMetrics(),
		retry:     cfg.Retry,
		workspace: cfg.WorkspaceContext,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// State returns the current phase.
func (c *Client) State() VoiceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the id assigned by the peer, or "" before the first
// handshake.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Start connects to the peer and sends the auth frame. It is a no-op unless
// the client is idle or in error, so it doubles as the explicit retry.
//
// ctx bounds the whole session, including reconnects; cancel it or call
// [Client.Stop] to end the session. A failed dial moves the client to
// [StateError] and is returned.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateError {
		c.mu.Unlock()
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.lifetime, c.cancel = context.WithCancel(ctx)
	c.enabled = true
	c.epoch++
	c.retry = c.cfg.Retry
	epoch, lctx := c.epoch, c.lifetime
	prev, next, effs := c.reduceLocked(EvStart{})
	c.mu.Unlock()
	context.AfterFunc(lctx, func() {
		c.mu.Lock()
		current := c.epoch == epoch
		c.mu.Unlock()
		if current {
			_ = c.Stop()
		}
	})
	c.settle(prev, next, effs, nil, epoch)

	if err := c.connect(lctx, epoch); err != nil {
		if errors.Is(err, errStale) {
			return nil
		}
		c.fail(epoch, err)
		return err
	}
	return nil
}

// Stop closes the socket and returns to [StateIdle]. No reconnect follows.
// It waits briefly for the connection goroutines to exit and must not be
// called from a handler.
func (c *Client) Stop() error {
	c.mu.Lock()
	c.enabled = false
	c.epoch++
	cancel := c.cancel
	c.cancel = nil
	cn := c.conn
	// Detached here so the close below is the only one.
	c.conn = nil
	c.mu.Unlock()

	c.dispatchIf(nil, EvStop{})
	if cancel != nil {
		cancel()
	}
	if cn == nil {
		return nil
	}

	err := cn.close(websocket.StatusNormalClosure, "client stopped")
	select {
	case <-cn.finished:
	case <-time.After(closeWait):
		c.logger.Warn("transport: connection goroutines did not exit", "timeout", closeWait)
	}
	if err != nil && !errors.Is(err, net.ErrClosed) && websocket.CloseStatus(err) == -1 {
		return &TransportError{Op: "close", Code: -1, Err: err}
	}
	return nil
}

// PlaybackEnded reports that local playback ran out of audio.
func (c *Client) PlaybackEnded() {
	c.dispatchIf(nil, EvPlaybackEnded{})
}

// SendAudio queues one captured frame. It never blocks on the network: when
// the queue is full the frame is dropped and [ErrQueueFull] returned.
// Outside a connected state it returns [ErrNotConnected].
func (c *Client) SendAudio(ctx context.Context, frame audio.AudioFrame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	cn, st := c.conn, c.state
	var enc protocol.Encoding
	if cn != nil {
		enc = cn.enc
	}
	c.mu.Unlock()
	if cn == nil || !st.Connected() {
		return ErrNotConnected
	}

	msg, err := encodeAudio(frame.Data, enc)
	if err != nil {
		return err
	}
	select {
	case cn.out <- msg:
		return nil
	default:
		c.metrics.RecordDroppedAudio(ctx)
		return ErrQueueFull
	}
}

// UpdateContext sends an out-of-band workspace context update. It does not
// affect the state. The context is also remembered for the auth frame of
// later reconnects.
func (c *Client) UpdateContext(ctx context.Context, workspace json.RawMessage) error {
	c.mu.Lock()
	c.workspace = slices.Clone(workspace)
	cn, st := c.conn, c.state
	c.mu.Unlock()
	if cn == nil || !st.Connected() {
		return ErrNotConnected
	}

	data, err := protocol.Marshal(protocol.UpdateContext(workspace))
	if err != nil {
		return err
	}
	select {
	case cn.out <- outbound{typ: websocket.MessageText, data: data}:
		return nil
	case <-cn.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func encodeAudio(pcm []byte, enc protocol.Encoding) (outbound, error) {
	if enc == protocol.EncodingBinary {
		data, err := protocol.EncodeBinaryAudio("", pcm)
		return outbound{typ: websocket.MessageBinary, data: data}, err
	}
	data, err := protocol.Marshal(protocol.Audio(pcm))
	return outbound{typ: websocket.MessageText, data: data}, err
}

// connect dials the peer and starts the connection goroutines.
func (c *Client) connect(ctx context.Context, epoch uint64) error {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	ws, _, err := websocket.Dial(dctx, c.cfg.URL, &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: c.cfg.Header,
	})
	if err != nil {
		if ctx.Err() != nil {
			return errStale
		}
		return &TransportError{Op: "dial", Code: -1, Err: err}
	}
	ws.SetReadLimit(c.cfg.ReadLimit)

	cn := &connection{
		ws:       ws,
		out:      make(chan outbound, c.cfg.SendQueue),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		enc:      protocol.EncodingHex,
	}

	c.mu.Lock()
	if c.epoch != epoch || !c.enabled {
		c.mu.Unlock()
		_ = ws.Close(websocket.StatusNormalClosure, "client stopped")
		return errStale
	}
	c.conn = cn
	c.stream, c.streamBytes, c.silenced, c.silencedStream = "", 0, false, ""
	c.mu.Unlock()

	c.logger.Info("transport: connected", "url", c.cfg.URL)
	go c.serve(cn)
	c.dispatchIf(cn, EvOpened{})
	return nil
}

// serve runs the read and write loops of cn until either fails, then feeds
// the close into the state machine.
func (c *Client) serve(cn *connection) {
	defer close(cn.finished)

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error { return c.writeLoop(ctx, cn) })
	g.Go(func() error { return c.readLoop(ctx, cn) })
	err := g.Wait()
	cn.abort()

	code := int(websocket.CloseStatus(err))
	if code == -1 {
		code = int(websocket.StatusAbnormalClosure)
	}

	c.mu.Lock()
	enabled := c.enabled
	c.mu.Unlock()

	if !c.dispatchIf(cn, EvClosed{Code: code, Enabled: enabled}) {
		return
	}
	c.logger.Info("transport: socket closed", "code", code, "err", err)
	if code != int(websocket.StatusNormalClosure) {
		c.notifyError(&TransportError{Op: "read", Code: code, Err: err})
	}
}

func (c *Client) writeLoop(ctx context.Context, cn *connection) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cn.done:
			return nil
		case m := <-cn.out:
			wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
			err := cn.ws.Write(wctx, m.typ, m.data)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, cn *connection) error {
	for {
		typ, data, err := cn.ws.Read(ctx)
		if err != nil {
			return err
		}
		if typ == websocket.MessageBinary {
			id, pcm, err := protocol.DecodeBinaryAudio(data)
			if err != nil {
				c.dropMalformed(ctx, err)
				continue
			}
			c.handleAudio(ctx, cn, pcm, id)
			continue
		}
		f, err := protocol.Unmarshal(data)
		if err != nil {
			c.dropMalformed(ctx, err)
			continue
		}
		c.handleFrame(ctx, cn, f)
	}
}

func (c *Client) dropMalformed(ctx context.Context, err error) {
	c.logger.Warn("transport: dropping malformed frame", "err", err)
	c.metrics.RecordMalformedFrame(ctx, observe.SideClient)
}

func (c *Client) handleFrame(ctx context.Context, cn *connection, f protocol.Frame) {
	switch f.Type {
	case protocol.TypeConnected:
		c.mu.Lock()
		if c.conn == cn {
			c.sessionID = f.SessionID
			if f.AudioEncoding == protocol.EncodingBinary && c.cfg.AudioEncoding == protocol.EncodingBinary {
				cn.enc = protocol.EncodingBinary
			}
		}
		enc := cn.enc
		c.mu.Unlock()
		c.logger.Info("transport: session established", "session_id", f.SessionID, "audio_encoding", enc)
		c.dispatchIf(cn, EvAck{})

	case protocol.TypePartialTranscript:
		call1(c.h.OnPartial, f.Transcript)

	case protocol.TypeFinalTranscript:
		c.mu.Lock()
		c.finalAt = time.Now()
		c.silenced = false
		c.mu.Unlock()
		c.dispatchIf(cn, EvFinalTranscript{})
		call1(c.h.OnFinal, f.Transcript)

	case protocol.TypeAssistantTranscript:
		call1(c.h.OnAssistantTranscript, f.Transcript)

	case protocol.TypeAudioChunk:
		pcm, err := f.PCM()
		if err != nil {
			c.dropMalformed(ctx, err)
			return
		}
		c.handleAudio(ctx, cn, pcm, f.StreamID)

	case protocol.TypeBargeIn:
		c.mu.Lock()
		if c.conn == cn {
			c.silenced, c.silencedStream = true, c.stream
		}
		c.mu.Unlock()
		if c.dispatchIf(cn, EvBargeIn{}) && c.h.OnBargeIn != nil {
			c.h.OnBargeIn()
		}

	case protocol.TypeStateChange:
		call1(c.h.OnPeerState, f.State)

	case protocol.TypeError:
		err := &UpstreamError{Kind: f.Type, Message: f.Error}
		c.logger.Error("transport: peer reported error", "err", err)
		if c.dispatchIf(cn, EvErrorFrame{}) {
			c.notifyError(err)
		}

	case protocol.TypeSTTError, protocol.TypeTTSError:
		err := &UpstreamError{Kind: f.Type, Message: f.Error}
		c.logger.Warn("transport: upstream failure ended the turn", "err", err)
		if c.dispatchIf(cn, EvUpstreamError{}) {
			c.notifyError(err)
		}

	case protocol.TypePing:
		c.dispatchIf(cn, EvPing{})

	case protocol.TypePong:

	default:
		c.logger.Warn("transport: dropping unexpected frame", "type", f.Type)
		c.metrics.RecordMalformedFrame(ctx, observe.SideClient)
	}
}

func (c *Client) handleAudio(ctx context.Context, cn *connection, pcm []byte, streamID string) {
	c.mu.Lock()
	if c.conn != cn {
		c.mu.Unlock()
		return
	}
	if c.silenced {
		// Chunks of the interrupted reply still in flight after barge_in.
		if streamID == "" || streamID == c.silencedStream {
			c.mu.Unlock()
			c.logger.Debug("transport: dropping audio of interrupted reply", "stream_id", streamID)
			return
		}
		c.silenced = false
	}
	if streamID != c.stream {
		c.stream, c.streamBytes = streamID, 0
	}
	offset := audio.Duration(c.streamBytes, audio.SessionSampleRate, audio.SessionChannels)
	c.streamBytes += len(pcm)
	c.mu.Unlock()

	if !c.dispatchIf(cn, EvAudioChunk{}) {
		return
	}
	c.mu.Lock()
	finalAt := c.finalAt
	c.finalAt = time.Time{}
	c.mu.Unlock()
	if !finalAt.IsZero() {
		c.metrics.ObserveStage(ctx, observe.StageTurn, observe.SideClient, time.Since(finalAt))
	}
	if c.h.OnAudio != nil {
		c.h.OnAudio(audio.AudioFrame{
			Data:       pcm,
			SampleRate: audio.SessionSampleRate,
			Channels:   audio.SessionChannels,
			Timestamp:  offset,
		}, streamID)
	}
}

// reconnectLoop makes the attempts allowed by the retry policy. It exits as
// soon as the client is stopped or restarted.
func (c *Client) reconnectLoop(epoch uint64) {
	for {
		c.mu.Lock()
		if c.epoch != epoch || !c.enabled {
			c.mu.Unlock()
			return
		}
		next, delay, ok := c.retry.Next()
		c.retry = next
		ctx := c.lifetime
		c.mu.Unlock()

		if !ok {
			c.logger.Error("transport: reconnection failed after max attempts", "max_attempts", next.MaxAttempts)
			c.metrics.RecordReconnect(ctx, "exhausted")
			c.fail(epoch, &TransportError{Op: "reconnect", Code: -1, Err: ErrRetriesExhausted})
			return
		}

		c.logger.Info("transport: attempting reconnection",
			"attempt", next.Attempt,
			"max_attempts", next.MaxAttempts,
			"backoff", delay,
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		err := c.connect(ctx, epoch)
		if err == nil {
			c.metrics.RecordReconnect(ctx, "ok")
			return
		}
		if errors.Is(err, errStale) {
			return
		}
		c.metrics.RecordReconnect(ctx, "failed")
		c.logger.Warn("transport: reconnection attempt failed", "attempt", next.Attempt, "err", err)
	}
}

// fail moves the client of the given epoch to error and reports err.
func (c *Client) fail(epoch uint64, err error) {
	guard := func() bool { return c.epoch == epoch && c.enabled }
	if c.dispatchGuarded(guard, EvSocketError{}) {
		c.notifyError(err)
	}
}

func (c *Client) notifyError(err error) {
	if c.h.OnError != nil {
		c.h.OnError(err)
	}
}

// dispatchIf feeds ev into the state machine. Events from a connection
// (cn != nil) are ignored once that connection is no longer current. It
// reports whether the event was applied.
func (c *Client) dispatchIf(cn *connection, ev Event) bool {
	if cn == nil {
		return c.dispatchGuarded(nil, ev)
	}
	return c.dispatchGuarded(func() bool { return c.conn == cn }, ev)
}

// dispatchGuarded applies ev if guard, evaluated under c.mu, holds.
func (c *Client) dispatchGuarded(guard func() bool, ev Event) bool {
	c.mu.Lock()
	if guard != nil && !guard() {
		c.mu.Unlock()
		return false
	}
	conn := c.conn
	epoch := c.epoch
	prev, next, effs := c.reduceLocked(ev)
	if _, closed := ev.(EvClosed); closed || slices.Contains(effs, EffCloseSocket) {
		c.conn = nil
	}
	c.mu.Unlock()

	c.settle(prev, next, effs, conn, epoch)
	return true
}

// reduceLocked must be called with c.mu held.
func (c *Client) reduceLocked(ev Event) (prev, next VoiceState, effs []Effect) {
	prev = c.state
	next, effs = Reduce(prev, ev)
	c.state = next
	if _, ack := ev.(EvAck); ack && next == StateListening {
		c.retry = c.retry.Reset()
	}
	return prev, next, effs
}

// settle carries out effs and reports a state change. It runs without c.mu.
func (c *Client) settle(prev, next VoiceState, effs []Effect, cn *connection, epoch uint64) {
	for _, e := range effs {
		c.apply(e, cn, epoch)
	}
	if next != prev {
		c.logger.Debug("transport: state changed", "from", prev, "to", next)
		if c.h.OnState != nil {
			c.h.OnState(next)
		}
	}
}

func (c *Client) apply(e Effect, cn *connection, epoch uint64) {
	switch e {
	case EffSendAuth:
		c.mu.Lock()
		ws := c.workspace
		c.mu.Unlock()
		c.enqueueControl(cn, protocol.Auth(c.cfg.UserID, c.cfg.InstanceID, ws, c.cfg.AudioEncoding))

	case EffSendPong:
		c.enqueueControl(cn, protocol.Frame{Type: protocol.TypePong})

	case EffStopPlayback:
		if c.h.OnPlaybackStop != nil {
			c.h.OnPlaybackStop()
		}

	case EffCloseSocket:
		if cn != nil {
			// Closing waits for the peer's close frame, which the read loop
			// of cn has to receive; never block the caller on it.
			go func() { _ = cn.close(websocket.StatusNormalClosure, "") }()
		}

	case EffScheduleReconnect:
		go c.reconnectLoop(epoch)
	}
}

// enqueueControl queues a control frame without blocking. A fresh
// connection always has room for the auth frame.
func (c *Client) enqueueControl(cn *connection, f protocol.Frame) {
	if cn == nil {
		return
	}
	data, err := protocol.Marshal(f)
	if err != nil {
		c.logger.Error("transport: encode control frame", "type", f.Type, "err", err)
		return
	}
	select {
	case cn.out <- outbound{typ: websocket.MessageText, data: data}:
	case <-cn.done:
	default:
		c.logger.Warn("transport: send queue full, dropping control frame", "type", f.Type)
	}
}

func call1(fn func(string), s string) {
	if fn != nil {
		fn(s)
	}
}
