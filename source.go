package sview

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
)

// Source produces encoded VP8 frames and how long each one is shown.
type Source interface {
	NextFrame() ([]byte, time.Duration, error)
	Close() error
}

// KeyframeRequester is implemented by sources that can produce a keyframe on
// demand.
type KeyframeRequester interface {
	RequestKeyframe()
}

var (
	_ Source            = (*IVFSource)(nil)
	_ Source            = (*PatternSource)(nil)
	_ KeyframeRequester = (*PatternSource)(nil)
)

// IVFSource loops over the frames of a VP8 IVF file.
type IVFSource struct {
	file     *os.File
	reader   *ivfreader.IVFReader
	duration time.Duration
}

func OpenIVFSource(path string) (*IVFSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sview: failed to open video: %w", err)
	}

	s := &IVFSource{file: f}
	if err := s.rewind(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

func (s *IVFSource) rewind() error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("sview: failed to rewind video: %w", err)
	}

	reader, header, err := ivfreader.NewWith(s.file)
	if err != nil {
		return fmt.Errorf("sview: failed to read ivf header: %w", err)
	}
	if header.FourCC != "VP80" {
		return fmt.Errorf("sview: unsupported ivf codec %q", header.FourCC)
	}

	s.reader = reader
	s.duration = time.Second / DefaultFrameRate
	if header.TimebaseDenominator != 0 && header.TimebaseNumerator != 0 {
		s.duration = time.Duration(float64(time.Second) * float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator))
	}
	return nil
}

func (s *IVFSource) NextFrame() ([]byte, time.Duration, error) {
	frame, _, err := s.reader.ParseNextFrame()
	if errors.Is(err, io.EOF) {
		if err := s.rewind(); err != nil {
			return nil, 0, err
		}
		frame, _, err = s.reader.ParseNextFrame()
	}
	if err != nil {
		return nil, 0, fmt.Errorf("sview: failed to read frame: %w", err)
	}
	return frame, s.duration, nil
}

func (s *IVFSource) Close() error {
	return s.file.Close()
}

// PatternSource repeats one payload at a fixed interval. The payload is not
// decoded anywhere on the sending side, so any bytes will do.
type PatternSource struct {
	frame     []byte
	interval  time.Duration
	keyframes atomic.Int64
}

func NewPatternSource(frame []byte, interval time.Duration) *PatternSource {
	return &PatternSource{frame: append([]byte(nil), frame...), interval: interval}
}

func (s *PatternSource) NextFrame() ([]byte, time.Duration, error) {
	return append([]byte(nil), s.frame...), s.interval, nil
}

func (s *PatternSource) RequestKeyframe() { s.keyframes.Add(1) }

// KeyframeRequests reports how many keyframes have been asked for.
func (s *PatternSource) KeyframeRequests() int64 { return s.keyframes.Load() }

func (s *PatternSource) Close() error { return nil }

// pump writes frames from src to track, paced by their durations, until ctx
// is done or either side fails.
func pump(ctx context.Context, track *webrtc.TrackLocalStaticSample, src Source) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		frame, duration, err := src.NextFrame()
		if err != nil {
			return err
		}

		if err := track.WriteSample(media.Sample{Data: frame, Duration: duration}); err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return fmt.Errorf("sview: failed to write sample: %w", err)
		}

		if duration <= 0 {
			duration = time.Second / DefaultFrameRate
		}
		timer.Reset(duration)
	}
}
