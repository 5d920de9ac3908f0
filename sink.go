package sview

import (
	"fmt"
	"io"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
)

// Sink renders the RTP packets of one remote track.
type Sink interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

var (
	_ Sink = (*IVFSink)(nil)
	_ Sink = SinkFunc(nil)
	_ Sink = DiscardSink{}
)

// IVFSink depacketizes VP8 and stores the frames in an IVF container.
type IVFSink struct {
	writer *ivfwriter.IVFWriter
}

// CreateIVFSink creates (or truncates) path.
func CreateIVFSink(path string) (*IVFSink, error) {
	w, err := ivfwriter.New(path)
	if err != nil {
		return nil, fmt.Errorf("sview: failed to create ivf file: %w", err)
	}
	return &IVFSink{writer: w}, nil
}

// NewIVFSink writes to out. Close closes out when it is an io.Closer.
func NewIVFSink(out io.Writer) (*IVFSink, error) {
	w, err := ivfwriter.NewWith(out)
	if err != nil {
		return nil, fmt.Errorf("sview: failed to create ivf writer: %w", err)
	}
	return &IVFSink{writer: w}, nil
}

func (s *IVFSink) WriteRTP(packet *rtp.Packet) error {
	return s.writer.WriteRTP(packet)
}

func (s *IVFSink) Close() error {
	return s.writer.Close()
}

type SinkFunc func(*rtp.Packet) error

func (f SinkFunc) WriteRTP(packet *rtp.Packet) error { return f(packet) }

func (SinkFunc) Close() error { return nil }

type DiscardSink struct{}

func (DiscardSink) WriteRTP(*rtp.Packet) error { return nil }

func (DiscardSink) Close() error { return nil }
