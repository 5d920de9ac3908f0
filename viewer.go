package sview

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type viewerOptions struct {
	connOptions []connOption
	peerOptions []PeerOption
	logger      *zap.Logger
}

type viewerOption func(*viewerOptions)

func WithViewerConnOptions(opts ...connOption) viewerOption {
	return func(o *viewerOptions) {
		o.connOptions = append(o.connOptions, opts...)
	}
}

func WithViewerPeerOptions(opts ...PeerOption) viewerOption {
	return func(o *viewerOptions) {
		o.peerOptions = append(o.peerOptions, opts...)
	}
}

func WithViewerLogger(logger *zap.Logger) viewerOption {
	return func(o *viewerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Viewer answers the offer of a remote broadcaster and renders the first
// video track it receives into a Sink. Other tracks are drained unrendered.
type Viewer struct {
	url  string
	sink Sink
	opts viewerOptions

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewViewer(url string, sink Sink, opts ...viewerOption) *Viewer {
	v := &Viewer{
		url:  url,
		sink: sink,
		opts: viewerOptions{
			logger: zap.NewNop(),
		},
	}
	for _, o := range opts {
		o(&v.opts)
	}
	return v
}

// Run connects, negotiates and renders until ctx is done, the signaling
// socket closes or the peer connection ends. It does not reconnect, but Run
// may be called again once it has returned.
func (v *Viewer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	v.mu.Lock()
	v.cancel = cancel
	v.mu.Unlock()

	conn, err := Dial(ctx, v.url, v.opts.connOptions...)
	if err != nil {
		return err
	}
	defer conn.Close()
	v.opts.logger.Info("signaling connected", zap.String("url", v.url))

	h := &viewerHandler{
		v:      v,
		conn:   conn,
		cancel: cancel,
		tracks: make(chan *webrtc.TrackRemote, 1),
	}
	opts := append([]PeerOption{
		WithLogger(v.opts.logger),
		WithHandlers(h),
	}, v.opts.peerOptions...)
	// the answer is sent inline, so these win over caller options
	opts = append(opts, WithInitiator(false), WithTrickle(true))
	peer, err := NewPeer(opts...)
	if err != nil {
		return err
	}
	defer peer.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return v.signal(conn, peer)
	})
	g.Go(func() error {
		defer cancel()
		return v.render(gctx, h.tracks)
	})
	g.Go(func() error {
		<-gctx.Done()
		_ = conn.Close()
		_ = peer.Close()
		return nil
	})

	return g.Wait()
}

// Close stops a running Run.
func (v *Viewer) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cancel != nil {
		v.cancel()
	}
	return nil
}

func (v *Viewer) signal(conn *Conn, peer *Peer) error {
	for {
		msg, err := conn.Receive()
		switch {
		case errors.Is(err, ErrClosed):
			return nil
		case errors.Is(err, ErrInvalidMessage):
			v.opts.logger.Warn("ignoring message", zap.Error(err))
			continue
		case err != nil:
			return err
		}

		if err := v.handle(msg, conn, peer); err != nil {
			return err
		}
	}
}

func (v *Viewer) handle(msg Message, conn *Conn, peer *Peer) error {
	switch {
	case msg.SDP != nil:
		if msg.SDP.Type != webrtc.SDPTypeOffer {
			v.opts.logger.Warn("ignoring session description", zap.String("type", msg.SDP.Type.String()))
			return nil
		}
		v.opts.logger.Debug("offer received")

		var sendErr error
		err := peer.ReceiveOffer(*msg.SDP, func(answer webrtc.SessionDescription) {
			sendErr = conn.Send(NewSDPMessage(answer))
		})
		if err = errors.Join(err, sendErr); err != nil {
			return err
		}
		v.opts.logger.Debug("answer sent")
	case msg.ICE != nil:
		if err := peer.AddICECandidate(*msg.ICE); err != nil {
			v.opts.logger.Warn("remote candidate rejected", zap.Error(err))
		}
	}
	return nil
}

func (v *Viewer) render(ctx context.Context, tracks <-chan *webrtc.TrackRemote) error {
	var track *webrtc.TrackRemote
	select {
	case <-ctx.Done():
		return nil
	case track = <-tracks:
	}

	v.opts.logger.Info("rendering track",
		zap.String("codec", track.Codec().MimeType),
		zap.String("stream", track.StreamID()),
	)
	for {
		packet, _, err := track.ReadRTP()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("sview: failed to read track: %w", err)
		}

		if err := v.sink.WriteRTP(packet); err != nil {
			return fmt.Errorf("sview: failed to render packet: %w", err)
		}
	}
}

type viewerHandler struct {
	NOOPHandler

	v      *Viewer
	conn   *Conn
	cancel context.CancelFunc

	tracks    chan *webrtc.TrackRemote
	rendering atomic.Bool
}

func (h *viewerHandler) OnTrickleICECandidate(candidate webrtc.ICECandidate) {
	if err := h.conn.Send(NewICEMessage(candidate.ToJSON())); err != nil {
		h.v.opts.logger.Debug("failed to send candidate", zap.Error(err))
	}
}

func (h *viewerHandler) ConnectionOpened() {
	h.v.opts.logger.Info("peer connected")
}

func (h *viewerHandler) ConnectionClosed() {
	h.v.opts.logger.Info("peer closed")
	h.cancel()
}

func (h *viewerHandler) TrackReceived(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	if track.Kind() == webrtc.RTPCodecTypeVideo && h.rendering.CompareAndSwap(false, true) {
		h.tracks <- track
		return
	}

	go drain(track)
}

// drain reads a track nobody renders so its buffers do not fill up.
func drain(track *webrtc.TrackRemote) {
	var sink DiscardSink
	for {
		packet, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		_ = sink.WriteRTP(packet)
	}
}
