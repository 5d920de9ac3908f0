package sview

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

//go:embed static/index.html
var staticFS embed.FS

var indexTemplate = template.Must(template.ParseFS(staticFS, "static/index.html"))

// SourceFactory opens a fresh Source for every viewer.
type SourceFactory func() (Source, error)

type broadcasterOptions struct {
	path        string
	connOptions []connOption
	peerOptions []PeerOption
	logger      *zap.Logger
}

type broadcasterOption func(*broadcasterOptions)

func WithPath(path string) broadcasterOption {
	return func(o *broadcasterOptions) {
		o.path = path
	}
}

func WithConnOptions(opts ...connOption) broadcasterOption {
	return func(o *broadcasterOptions) {
		o.connOptions = append(o.connOptions, opts...)
	}
}

func WithPeerOptions(opts ...PeerOption) broadcasterOption {
	return func(o *broadcasterOptions) {
		o.peerOptions = append(o.peerOptions, opts...)
	}
}

func WithBroadcasterLogger(logger *zap.Logger) broadcasterOption {
	return func(o *broadcasterOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Broadcaster offers one VP8 track to every websocket client and serves the
// browser viewer page.
type Broadcaster struct {
	opts      broadcasterOptions
	newSource SourceFactory

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	id     string
	conn   *Conn
	peer   *Peer
	cancel context.CancelFunc
}

func NewBroadcaster(newSource SourceFactory, opts ...broadcasterOption) *Broadcaster {
	b := &Broadcaster{
		opts: broadcasterOptions{
			path:   DefaultPath,
			logger: zap.NewNop(),
		},
		newSource: newSource,
		sessions:  make(map[string]*session),
	}
	for _, o := range opts {
		o(&b.opts)
	}
	return b
}

func (b *Broadcaster) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", b.serveIndex)
	if b.opts.path != "/" {
		mux.HandleFunc(b.opts.path, b.ServeWS)
	}
	return mux
}

func (b *Broadcaster) serveIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	// the page and the socket share "/"
	if b.opts.path == "/" && websocket.IsWebSocketUpgrade(r) {
		b.ServeWS(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, struct{ Path string }{b.opts.path}); err != nil {
		b.opts.logger.Warn("failed to render index", zap.Error(err))
	}
}

// Sessions returns the number of connected viewers.
func (b *Broadcaster) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Close ends every session.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	sessions := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		s.cancel()
		errs = append(errs, s.conn.Close())
	}
	return errors.Join(errs...)
}

func (b *Broadcaster) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := Upgrade(w, r, b.opts.connOptions...)
	if err != nil {
		b.opts.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	id := uuid.NewString()
	logger := b.opts.logger.With(zap.String("session", id), zap.String("remote", r.RemoteAddr))
	logger.Info("viewer connected")

	if err := b.serve(r.Context(), id, conn, logger); err != nil {
		logger.Warn("session ended", zap.Error(err))
		return
	}
	logger.Info("viewer disconnected")
}

func (b *Broadcaster) serve(ctx context.Context, id string, conn *Conn, logger *zap.Logger) error {
	src, err := b.newSource()
	if err != nil {
		return err
	}
	defer src.Close()

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video",
		"sview",
	)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	h := &broadcastHandler{
		conn:   conn,
		source: src,
		logger: logger,
		opened: make(chan struct{}),
		cancel: cancel,
	}

	opts := append([]PeerOption{
		WithTracks(track),
		WithLogger(logger),
		WithHandlers(h),
	}, b.opts.peerOptions...)
	// the offer is sent inline, so these win over caller options
	opts = append(opts, WithInitiator(true), WithTrickle(true))
	peer, err := NewPeer(opts...)
	if err != nil {
		return err
	}
	defer peer.Close()

	b.mu.Lock()
	b.sessions[id] = &session{id: id, conn: conn, peer: peer, cancel: cancel}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.sessions, id)
		b.mu.Unlock()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			return
		case <-h.opened:
		}
		if err := pump(ctx, track, src); err != nil {
			logger.Warn("video pump stopped", zap.Error(err))
			cancel()
		}
	}()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	var sendErr error
	err = peer.CreateOffer(func(offer webrtc.SessionDescription) {
		sendErr = conn.Send(NewSDPMessage(offer))
	})
	if err = errors.Join(err, sendErr); err != nil {
		return err
	}
	logger.Debug("offer sent")

	for {
		msg, err := conn.Receive()
		switch {
		case errors.Is(err, ErrClosed):
			return nil
		case errors.Is(err, ErrInvalidMessage):
			logger.Warn("ignoring message", zap.Error(err))
			continue
		case err != nil:
			return err
		}

		switch {
		case msg.SDP != nil:
			if msg.SDP.Type != webrtc.SDPTypeAnswer {
				logger.Warn("ignoring session description", zap.String("type", msg.SDP.Type.String()))
				continue
			}
			if err := peer.ReceiveAnswer(*msg.SDP); err != nil {
				return err
			}
			logger.Debug("answer applied")
		case msg.ICE != nil:
			if err := peer.AddICECandidate(*msg.ICE); err != nil {
				logger.Warn("remote candidate rejected", zap.Error(err))
			}
		}
	}
}

type broadcastHandler struct {
	NOOPHandler

	conn   *Conn
	source Source
	logger *zap.Logger
	opened chan struct{}
	cancel context.CancelFunc
}

func (h *broadcastHandler) OnTrickleICECandidate(candidate webrtc.ICECandidate) {
	if err := h.conn.Send(NewICEMessage(candidate.ToJSON())); err != nil {
		h.logger.Debug("failed to send candidate", zap.Error(err))
	}
}

func (h *broadcastHandler) ConnectionOpened() {
	h.logger.Info("peer connected")
	close(h.opened)
}

func (h *broadcastHandler) ConnectionClosed() {
	h.logger.Info("peer closed")
	h.cancel()
}

func (h *broadcastHandler) KeyframeRequested(webrtc.TrackLocal) {
	if kr, ok := h.source.(KeyframeRequester); ok {
		kr.RequestKeyframe()
	}
}
