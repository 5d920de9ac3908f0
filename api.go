package sview

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
)

// DefaultPLIInterval is how often a receiving peer asks the sender for a
// fresh keyframe.
const DefaultPLIInterval = 3 * time.Second

var api *webrtc.API

func init() {
	api = must(NewAPI(DefaultPLIInterval))
}

// NewAPI builds a webrtc.API with detached data channels, the default codecs
// and interceptors, and a periodic picture loss indication generator for
// incoming video.
func NewAPI(pliInterval time.Duration) (*webrtc.API, error) {
	s := webrtc.SettingEngine{}
	s.DetachDataChannels()

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("sview: failed to register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("sview: failed to register interceptors: %w", err)
	}

	pli, err := intervalpli.NewReceiverInterceptor(intervalpli.GeneratorInterval(pliInterval))
	if err != nil {
		return nil, fmt.Errorf("sview: failed to create pli interceptor: %w", err)
	}
	i.Add(pli)

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(s),
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
	), nil
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
