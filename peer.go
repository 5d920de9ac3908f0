package sview

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/datachannel"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

var (
	ErrNotInitiator     = errors.New("sview: peer is not an initiator")
	ErrInitiator        = errors.New("sview: peer is an initiator")
	ErrNotConnected     = errors.New("sview: peer is not connected")
	ErrNoControlChannel = errors.New("sview: peer has no control channel")
)

type Handler interface {
	// OnTrickleICECandidate is called when a new ICE candidate is gathered.
	OnTrickleICECandidate(webrtc.ICECandidate)

	// ConnectionOpened is called once when the connection is established.
	ConnectionOpened()

	// ConnectionClosed is called once when the connection is closed or failed.
	ConnectionClosed()

	// SDPTransform will be called before set local description
	SDPTransform(webrtc.SessionDescription) webrtc.SessionDescription

	// TrackReceived is called for every remote track.
	TrackReceived(*webrtc.TrackRemote, *webrtc.RTPReceiver)

	// KeyframeRequested is called when the remote asks for a keyframe on a local track.
	KeyframeRequested(webrtc.TrackLocal)
}

var _ Handler = (*NOOPHandler)(nil)

type NOOPHandler struct{}

func (NOOPHandler) OnTrickleICECandidate(webrtc.ICECandidate) {}

func (NOOPHandler) ConnectionOpened() {}

func (NOOPHandler) ConnectionClosed() {}

func (NOOPHandler) SDPTransform(sdp webrtc.SessionDescription) webrtc.SessionDescription { return sdp }

func (NOOPHandler) TrackReceived(*webrtc.TrackRemote, *webrtc.RTPReceiver) {}

func (NOOPHandler) KeyframeRequested(webrtc.TrackLocal) {}

type options struct {
	initiator      bool
	api            *webrtc.API
	config         webrtc.Configuration
	controlChannel bool
	channelConfig  webrtc.DataChannelInit
	offerOptions   webrtc.OfferOptions
	answerOptions  webrtc.AnswerOptions
	trickle        bool
	tracks         []webrtc.TrackLocal
	logger         *zap.Logger
	handlers       []Handler
}

// PeerOption configures NewPeer.
type PeerOption func(*options)

func WithInitiator(initiator bool) PeerOption {
	return func(o *options) {
		o.initiator = initiator
	}
}

// WithAPI replaces the package level webrtc.API built by NewAPI.
func WithAPI(api *webrtc.API) PeerOption {
	return func(o *options) {
		if api != nil {
			o.api = api
		}
	}
}

func WithConfig(config webrtc.Configuration) PeerOption {
	return func(o *options) {
		o.config = config
	}
}

// WithControlChannel adds a data channel next to the media. The peer is then
// readable and writable once the channel opens.
func WithControlChannel(enabled bool) PeerOption {
	return func(o *options) {
		o.controlChannel = enabled
	}
}

func WithChannelConfig(config webrtc.DataChannelInit) PeerOption {
	return func(o *options) {
		o.controlChannel = true
		o.channelConfig = config
	}
}

func WithOfferOptions(opts webrtc.OfferOptions) PeerOption {
	return func(o *options) {
		o.offerOptions = opts
	}
}

func WithAnswerOptions(opts webrtc.AnswerOptions) PeerOption {
	return func(o *options) {
		o.answerOptions = opts
	}
}

func WithTrickle(t bool) PeerOption {
	return func(o *options) {
		o.trickle = t
	}
}

// WithTracks adds local tracks before any negotiation happens.
func WithTracks(tracks ...webrtc.TrackLocal) PeerOption {
	return func(o *options) {
		o.tracks = append(o.tracks, tracks...)
	}
}

func WithLogger(logger *zap.Logger) PeerOption {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithHandlers(h ...Handler) PeerOption {
	return func(o *options) {
		for _, handler := range h {
			if handler != nil {
				o.handlers = append(o.handlers, handler)
			}
		}
	}
}

var (
	_ io.Writer = (*Peer)(nil)
	_ io.Reader = (*Peer)(nil)
	_ io.Closer = (*Peer)(nil)
)

type Peer struct {
	opts           options
	peerConnection *webrtc.PeerConnection

	mu         sync.Mutex
	channel    *webrtc.DataChannel
	channelRWC datachannel.ReadWriteCloser
	remoteSet  bool
	pending    []webrtc.ICECandidateInit

	openOnce  sync.Once
	closeOnce sync.Once
	closing   sync.Once

	AfterCloseErrors error
}

func NewPeer(opts ...PeerOption) (*Peer, error) {
	p := &Peer{
		opts: options{
			api: api,
			config: webrtc.Configuration{
				ICEServers: []webrtc.ICEServer{
					{URLs: DefaultICEServers},
				},
				SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
			},
			logger: zap.NewNop(),
		},
	}

	for _, o := range opts {
		o(&p.opts)
	}

	inner, err := p.opts.api.NewPeerConnection(p.opts.config)
	if err != nil {
		return nil, fmt.Errorf("sview: failed to create peer connection: %w", err)
	}
	p.peerConnection = inner
	p.peerConnection.OnICECandidate(func(c *webrtc.ICECandidate) { p.onICECandidate(c) })
	p.peerConnection.OnConnectionStateChange(func(pcs webrtc.PeerConnectionState) { p.onConnectionStateChange(pcs) })
	p.peerConnection.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		p.opts.logger.Debug("remote track",
			zap.String("kind", track.Kind().String()),
			zap.String("codec", track.Codec().MimeType),
			zap.String("stream", track.StreamID()),
		)
		for _, handler := range p.opts.handlers {
			handler.TrackReceived(track, receiver)
		}
	})

	for _, track := range p.opts.tracks {
		sender, err := p.peerConnection.AddTrack(track)
		if err != nil {
			_ = p.peerConnection.Close()
			return nil, fmt.Errorf("sview: failed to add track %s: %w", track.ID(), err)
		}
		go p.readRTCP(sender, track)
	}

	negotiated := p.opts.channelConfig.Negotiated != nil && *p.opts.channelConfig.Negotiated
	switch {
	case p.opts.controlChannel && (p.opts.initiator || negotiated):
		channel, err := p.peerConnection.CreateDataChannel(uuid.NewString(), &p.opts.channelConfig)
		if err != nil {
			_ = p.peerConnection.Close()
			return nil, fmt.Errorf("sview: failed to create data channel: %w", err)
		}

		p.setupData(channel)
	case p.opts.controlChannel:
		p.peerConnection.OnDataChannel(func(c *webrtc.DataChannel) { p.setupData(c) })
	}

	return p, nil
}

func (p *Peer) Close() error {
	p.close()
	return p.AfterCloseErrors
}

func (p *Peer) close(errs ...error) {
	p.closing.Do(func() {
		p.mu.Lock()
		channelRWC, channel := p.channelRWC, p.channel
		p.mu.Unlock()

		if channelRWC != nil {
			errs = append(errs, channelRWC.Close())
		}

		if channel != nil {
			errs = append(errs, channel.Close())
		}

		errs = append(errs, p.peerConnection.Close())
		p.AfterCloseErrors = errors.Join(errs...)
	})
}

func (p *Peer) CreateOffer(cb func(webrtc.SessionDescription)) error {
	if !p.opts.initiator {
		return ErrNotInitiator
	}

	offer, err := p.peerConnection.CreateOffer(&p.opts.offerOptions)
	if err != nil {
		return fmt.Errorf("sview: failed to create offer: %w", err)
	}

	return p.setLocal(offer, cb)
}

func (p *Peer) ReceiveOffer(sdp webrtc.SessionDescription, cb func(webrtc.SessionDescription)) error {
	if p.opts.initiator {
		return ErrInitiator
	}

	if err := p.setRemote(sdp); err != nil {
		return err
	}

	answer, err := p.peerConnection.CreateAnswer(&p.opts.answerOptions)
	if err != nil {
		return fmt.Errorf("sview: failed to create answer: %w", err)
	}

	return p.setLocal(answer, cb)
}

func (p *Peer) ReceiveAnswer(sdp webrtc.SessionDescription) error {
	if !p.opts.initiator {
		return ErrNotInitiator
	}
	return p.setRemote(sdp)
}

// AddICECandidate applies a remote candidate. Candidates that arrive before
// the remote description are held until it is set.
func (p *Peer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	p.mu.Lock()
	if !p.remoteSet {
		p.pending = append(p.pending, candidate)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.peerConnection.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("sview: failed to add ice candidate: %w", err)
	}
	return nil
}

func (p *Peer) setLocal(desc webrtc.SessionDescription, cb func(webrtc.SessionDescription)) error {
	for _, transform := range p.opts.handlers {
		desc = transform.SDPTransform(desc)
	}

	gatherComplete := webrtc.GatheringCompletePromise(p.peerConnection)
	if err := p.peerConnection.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("sview: failed to set local description: %w", err)
	}

	if p.opts.trickle {
		cb(*p.peerConnection.LocalDescription())
		return nil
	}

	go func() {
		<-gatherComplete
		if local := p.peerConnection.LocalDescription(); local != nil {
			cb(*local)
		}
	}()
	return nil
}

func (p *Peer) setRemote(sdp webrtc.SessionDescription) error {
	if err := p.peerConnection.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("sview: failed to set remote description: %w", err)
	}

	p.mu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	// a bad held candidate must not stop the answer, same as a late one
	for _, candidate := range pending {
		if err := p.peerConnection.AddICECandidate(candidate); err != nil {
			p.opts.logger.Warn("queued ice candidate rejected",
				zap.String("candidate", candidate.Candidate),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (p *Peer) onICECandidate(candidate *webrtc.ICECandidate) {
	if candidate == nil {
		return
	}

	if p.opts.trickle {
		for _, handler := range p.opts.handlers {
			handler.OnTrickleICECandidate(*candidate)
		}
	}
}

func (p *Peer) onConnectionStateChange(state webrtc.PeerConnectionState) {
	p.opts.logger.Debug("peer connection state", zap.String("state", state.String()))

	switch state {
	case webrtc.PeerConnectionStateConnected:
		// with a control channel the peer is usable only once it opens
		if !p.opts.controlChannel {
			p.opened()
		}
	case webrtc.PeerConnectionStateFailed:
		p.closed()
		go p.close()
	case webrtc.PeerConnectionStateClosed:
		p.closed()
	}
}

func (p *Peer) opened() {
	p.openOnce.Do(func() {
		for _, handler := range p.opts.handlers {
			handler.ConnectionOpened()
		}
	})
}

func (p *Peer) closed() {
	p.closeOnce.Do(func() {
		for _, handler := range p.opts.handlers {
			handler.ConnectionClosed()
		}
	})
}

// readRTCP drains RTCP for a sender so interceptors keep running, and turns
// keyframe requests into handler calls.
func (p *Peer) readRTCP(sender *webrtc.RTPSender, track webrtc.TrackLocal) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}

		for _, packet := range packets {
			switch packet.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				for _, handler := range p.opts.handlers {
					handler.KeyframeRequested(track)
				}
			}
		}
	}
}

func (p *Peer) IsConnected() bool {
	if p.IsClosed() {
		return false
	}

	if !p.opts.controlChannel {
		return p.peerConnection.ConnectionState() == webrtc.PeerConnectionStateConnected
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel != nil &&
		p.channelRWC != nil &&
		p.channel.ReadyState() == webrtc.DataChannelStateOpen
}

func (p *Peer) IsClosed() bool {
	return p.peerConnection.ConnectionState() == webrtc.PeerConnectionStateClosed
}

func (p *Peer) setupData(channel *webrtc.DataChannel) {
	p.mu.Lock()
	p.channel = channel
	p.mu.Unlock()

	channel.SetBufferedAmountLowThreshold(64 * 1024)
	channel.OnError(func(err error) { p.close(err) })
	channel.OnOpen(func() {
		rwc, err := channel.Detach()
		if err != nil {
			p.close(err)
			return
		}

		p.mu.Lock()
		p.channelRWC = rwc
		p.mu.Unlock()

		p.opened()
	})
	channel.OnClose(func() { p.close() })
}

func (p *Peer) readWriter() (datachannel.ReadWriteCloser, error) {
	if !p.opts.controlChannel {
		return nil, ErrNoControlChannel
	}
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channelRWC, nil
}

func (p *Peer) Write(b []byte) (int, error) {
	rwc, err := p.readWriter()
	if err != nil {
		return 0, err
	}
	return rwc.Write(b)
}

func (p *Peer) Read(b []byte) (int, error) {
	rwc, err := p.readWriter()
	if err != nil {
		return 0, err
	}
	return rwc.Read(b)
}
