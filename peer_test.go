package sview_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/TcMits/sview"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const testTimeout = 20 * time.Second

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func mustWithoutError(err error) {
	if err != nil {
		panic(err)
	}
}

func receive[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting")
	}
	var zero T
	return zero
}

// host candidates only, so tests never wait on STUN
var localConfig = sview.WithConfig(webrtc.Configuration{})

type TestHandler struct {
	sview.NOOPHandler
	CandidateCalled         chan webrtc.ICECandidate
	ConnectionOpenedCalled  chan struct{}
	ConnectionClosedCalled  chan struct{}
	TrackReceivedCalled     chan *webrtc.TrackRemote
	KeyframeRequestedCalled chan webrtc.TrackLocal
}

func NewTestHandler() *TestHandler {
	return &TestHandler{
		CandidateCalled:         make(chan webrtc.ICECandidate, 10),
		ConnectionOpenedCalled:  make(chan struct{}, 1),
		ConnectionClosedCalled:  make(chan struct{}, 1),
		TrackReceivedCalled:     make(chan *webrtc.TrackRemote, 1),
		KeyframeRequestedCalled: make(chan webrtc.TrackLocal, 1),
	}
}

func (h *TestHandler) OnTrickleICECandidate(candidate webrtc.ICECandidate) {
	h.CandidateCalled <- candidate
}

func (h *TestHandler) ConnectionOpened() {
	h.ConnectionOpenedCalled <- struct{}{}
}

func (h *TestHandler) ConnectionClosed() {
	h.ConnectionClosedCalled <- struct{}{}
}

func (h *TestHandler) TrackReceived(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	h.TrackReceivedCalled <- track
}

func (h *TestHandler) KeyframeRequested(track webrtc.TrackLocal) {
	select {
	case h.KeyframeRequestedCalled <- track:
	default:
	}
}

// forward trickles candidates gathered by one side into the other until done
// is closed.
func forward(from *TestHandler, to *sview.Peer, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-from.ConnectionClosedCalled:
			return
		case candidate := <-from.CandidateCalled:
			_ = to.AddICECandidate(candidate.ToJSON())
		}
	}
}

func exchange(t *testing.T, peer1, peer2 *sview.Peer) {
	t.Helper()

	fromP1 := "Hello, peer2"
	n := must(peer1.Write([]byte(fromP1)))
	if n != len(fromP1) {
		t.Errorf("n is %d, want %d", n, len(fromP1))
	}

	bufP2 := make([]byte, len(fromP1))
	n = must(peer2.Read(bufP2))
	if n != len(fromP1) {
		t.Errorf("n is %d, want %d", n, len(fromP1))
	}

	if string(bufP2) != fromP1 {
		t.Errorf("bufP2 is %s, want %s", bufP2, fromP1)
	}

	fromP2 := "Hello, peer1"
	n = must(peer2.Write([]byte(fromP2)))
	if n != len(fromP2) {
		t.Errorf("n is %d, want %d", n, len(fromP2))
	}

	bufP1 := make([]byte, len(fromP2))
	n = must(peer1.Read(bufP1))
	if n != len(fromP2) {
		t.Errorf("n is %d, want %d", n, len(fromP2))
	}

	if string(bufP1) != fromP2 {
		t.Errorf("bufP1 is %s, want %s", bufP1, fromP2)
	}
}

func TestPeerWithoutTrickle(t *testing.T) {
	peer1Handler := NewTestHandler()
	peer1 := must(sview.NewPeer(
		sview.WithInitiator(true),
		sview.WithControlChannel(true),
		sview.WithHandlers(peer1Handler),
		localConfig,
	))
	defer peer1.Close()
	peer2Handler := NewTestHandler()
	peer2 := must(sview.NewPeer(
		sview.WithControlChannel(true),
		sview.WithHandlers(peer2Handler),
		localConfig,
	))
	defer peer2.Close()

	mustWithoutError(peer1.CreateOffer(func(offer webrtc.SessionDescription) {
		mustWithoutError(peer2.ReceiveOffer(offer, func(answer webrtc.SessionDescription) {
			mustWithoutError(peer1.ReceiveAnswer(answer))
		}))
	}))
	receive(t, peer1Handler.ConnectionOpenedCalled)
	if !peer1.IsConnected() {
		t.Error("peer1 is not connected")
	}

	receive(t, peer2Handler.ConnectionOpenedCalled)
	if !peer2.IsConnected() {
		t.Error("peer2 is not connected")
	}

	exchange(t, peer1, peer2)
}

func TestPeerWithTrickle(t *testing.T) {
	done := make(chan struct{})
	defer close(done)

	peer1Handler := NewTestHandler()
	peer1 := must(sview.NewPeer(
		sview.WithInitiator(true),
		sview.WithTrickle(true),
		sview.WithControlChannel(true),
		sview.WithHandlers(peer1Handler),
		localConfig,
	))
	defer peer1.Close()
	peer2Handler := NewTestHandler()
	peer2 := must(sview.NewPeer(
		sview.WithTrickle(true),
		sview.WithControlChannel(true),
		sview.WithHandlers(peer2Handler),
		localConfig,
	))
	defer peer2.Close()

	// candidates may reach peer2 before its offer, they are held until then
	go forward(peer1Handler, peer2, done)
	go forward(peer2Handler, peer1, done)

	mustWithoutError(peer1.CreateOffer(func(offer webrtc.SessionDescription) {
		mustWithoutError(peer2.ReceiveOffer(offer, func(answer webrtc.SessionDescription) {
			mustWithoutError(peer1.ReceiveAnswer(answer))
		}))
	}))

	receive(t, peer1Handler.ConnectionOpenedCalled)
	if !peer1.IsConnected() {
		t.Error("peer1 is not connected")
	}

	receive(t, peer2Handler.ConnectionOpenedCalled)
	if !peer2.IsConnected() {
		t.Error("peer2 is not connected")
	}

	exchange(t, peer1, peer2)
}

func TestPeerManualNegotiated(t *testing.T) {
	trueValue := true
	channelID := uint16(200)
	peer1Handler := NewTestHandler()
	peer1 := must(sview.NewPeer(
		sview.WithInitiator(true),
		sview.WithHandlers(peer1Handler),
		sview.WithChannelConfig(webrtc.DataChannelInit{Negotiated: &trueValue, ID: &channelID}),
		localConfig,
	))
	defer peer1.Close()
	peer2Handler := NewTestHandler()
	peer2 := must(sview.NewPeer(
		sview.WithHandlers(peer2Handler),
		sview.WithChannelConfig(webrtc.DataChannelInit{Negotiated: &trueValue, ID: &channelID}),
		localConfig,
	))
	defer peer2.Close()

	mustWithoutError(peer1.CreateOffer(func(offer webrtc.SessionDescription) {
		mustWithoutError(peer2.ReceiveOffer(offer, func(answer webrtc.SessionDescription) {
			mustWithoutError(peer1.ReceiveAnswer(answer))
		}))
	}))

	receive(t, peer1Handler.ConnectionOpenedCalled)
	receive(t, peer2Handler.ConnectionOpenedCalled)

	exchange(t, peer1, peer2)
}

func TestPeerMedia(t *testing.T) {
	api := must(sview.NewAPI(100 * time.Millisecond))
	track := must(webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video",
		"test",
	))

	peer1Handler := NewTestHandler()
	peer1 := must(sview.NewPeer(
		sview.WithInitiator(true),
		sview.WithAPI(api),
		sview.WithTracks(track),
		sview.WithHandlers(peer1Handler),
		localConfig,
	))
	defer peer1.Close()
	peer2Handler := NewTestHandler()
	peer2 := must(sview.NewPeer(
		sview.WithAPI(api),
		sview.WithHandlers(peer2Handler),
		localConfig,
	))
	defer peer2.Close()

	mustWithoutError(peer1.CreateOffer(func(offer webrtc.SessionDescription) {
		mustWithoutError(peer2.ReceiveOffer(offer, func(answer webrtc.SessionDescription) {
			mustWithoutError(peer1.ReceiveAnswer(answer))
		}))
	}))
	receive(t, peer1Handler.ConnectionOpenedCalled)
	if !peer1.IsConnected() {
		t.Error("peer1 is not connected")
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	defer wg.Wait()
	defer close(done)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = track.WriteSample(media.Sample{Data: []byte{0x10, 0x02, 0x00, 0x9d}, Duration: 20 * time.Millisecond})
			}
		}
	}()

	remote := receive(t, peer2Handler.TrackReceivedCalled)
	if remote.Kind() != webrtc.RTPCodecTypeVideo {
		t.Errorf("kind is %s, want video", remote.Kind())
	}
	if remote.Codec().MimeType != webrtc.MimeTypeVP8 {
		t.Errorf("codec is %s, want %s", remote.Codec().MimeType, webrtc.MimeTypeVP8)
	}

	packet, _, err := remote.ReadRTP()
	mustWithoutError(err)
	if len(packet.Payload) == 0 {
		t.Error("empty payload")
	}

	if got := receive(t, peer1Handler.KeyframeRequestedCalled); got != track {
		t.Errorf("keyframe requested for %v, want %v", got.ID(), track.ID())
	}
}

func TestPeerRoles(t *testing.T) {
	initiator := must(sview.NewPeer(sview.WithInitiator(true), localConfig))
	defer initiator.Close()
	answerer := must(sview.NewPeer(localConfig))
	defer answerer.Close()

	noop := func(webrtc.SessionDescription) {}
	if err := answerer.CreateOffer(noop); !errors.Is(err, sview.ErrNotInitiator) {
		t.Errorf("CreateOffer err is %v, want %v", err, sview.ErrNotInitiator)
	}
	if err := answerer.ReceiveAnswer(webrtc.SessionDescription{}); !errors.Is(err, sview.ErrNotInitiator) {
		t.Errorf("ReceiveAnswer err is %v, want %v", err, sview.ErrNotInitiator)
	}
	if err := initiator.ReceiveOffer(webrtc.SessionDescription{}, noop); !errors.Is(err, sview.ErrInitiator) {
		t.Errorf("ReceiveOffer err is %v, want %v", err, sview.ErrInitiator)
	}
}

func TestPeerWithoutControlChannel(t *testing.T) {
	peer := must(sview.NewPeer(localConfig))

	if _, err := peer.Write([]byte("x")); !errors.Is(err, sview.ErrNoControlChannel) {
		t.Errorf("Write err is %v, want %v", err, sview.ErrNoControlChannel)
	}
	if _, err := peer.Read(make([]byte, 1)); !errors.Is(err, sview.ErrNoControlChannel) {
		t.Errorf("Read err is %v, want %v", err, sview.ErrNoControlChannel)
	}

	// candidates before any remote description are held, not rejected
	mustWithoutError(peer.AddICECandidate(webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 50000 typ host",
	}))

	mustWithoutError(peer.Close())
	if !peer.IsClosed() {
		t.Error("peer is not closed")
	}
	if peer.IsConnected() {
		t.Error("closed peer is connected")
	}
}

func TestPeerQueuedCandidates(t *testing.T) {
	done := make(chan struct{})
	defer close(done)

	peer1Handler := NewTestHandler()
	peer1 := must(sview.NewPeer(
		sview.WithInitiator(true),
		sview.WithTrickle(true),
		sview.WithControlChannel(true),
		sview.WithHandlers(peer1Handler),
		localConfig,
	))
	defer peer1.Close()

	core, logs := observer.New(zap.WarnLevel)
	peer2Handler := NewTestHandler()
	peer2 := must(sview.NewPeer(
		sview.WithTrickle(true),
		sview.WithControlChannel(true),
		sview.WithHandlers(peer2Handler),
		sview.WithLogger(zap.New(core)),
		localConfig,
	))
	defer peer2.Close()

	offers := make(chan webrtc.SessionDescription, 1)
	mustWithoutError(peer1.CreateOffer(func(offer webrtc.SessionDescription) {
		offers <- offer
	}))
	offer := receive(t, offers)

	// both are held until the offer arrives, only the bad one is dropped
	candidate := receive(t, peer1Handler.CandidateCalled)
	mustWithoutError(peer2.AddICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:bogus"}))
	mustWithoutError(peer2.AddICECandidate(candidate.ToJSON()))

	answers := make(chan webrtc.SessionDescription, 1)
	if err := peer2.ReceiveOffer(offer, func(answer webrtc.SessionDescription) {
		answers <- answer
	}); err != nil {
		t.Fatalf("ReceiveOffer err is %v, want nil", err)
	}
	mustWithoutError(peer1.ReceiveAnswer(receive(t, answers)))

	if n := logs.FilterMessage("queued ice candidate rejected").Len(); n != 1 {
		t.Errorf("%d queued candidates rejected, want 1", n)
	}

	go forward(peer1Handler, peer2, done)
	go forward(peer2Handler, peer1, done)

	receive(t, peer1Handler.ConnectionOpenedCalled)
	receive(t, peer2Handler.ConnectionOpenedCalled)
	if !peer2.IsConnected() {
		t.Error("peer2 is not connected")
	}
}
