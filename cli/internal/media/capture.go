package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/sirupsen/logrus"
)

var (
	// ErrCaptureDenied means no audio source could be acquired.
	ErrCaptureDenied = errors.New("audio capture denied")

	// ErrVideoUnsupported is returned when constraints ask for video.
	ErrVideoUnsupported = errors.New("video capture is not supported")
)

const (
	opusSampleRate = 48000
	frameInterval  = 20 * time.Millisecond
)

// silenceFrame is a single 20 ms Opus frame (TOC 0xf8) that decodes to silence.
var silenceFrame = []byte{0xf8, 0xff, 0xfe}

// Constraints describe the requested capture. Echo cancellation, noise suppression and
// auto gain are passed through as hints; no software processing is applied.
type Constraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
	Video            bool
}

// AudioOnly is the constraint set used for calls.
func AudioOnly() Constraints {
	return Constraints{EchoCancellation: true, NoiseSuppression: true, AutoGainControl: true}
}

// Capturer acquires a local audio stream.
type Capturer interface {
	Capture(ctx context.Context, c Constraints) (*LocalStream, error)
}

// source yields encoded Opus frames and how long each one plays.
type source interface {
	next() ([]byte, time.Duration, error)
	close() error
}

// SilenceCapturer produces a stream of Opus silence. It stands in for a microphone when
// no input file is given.
type SilenceCapturer struct {
	Logger *logrus.Entry
}

func (s *SilenceCapturer) Capture(ctx context.Context, c Constraints) (*LocalStream, error) {
	if err := checkConstraints(ctx, c); err != nil {
		return nil, err
	}
	return newLocalStream(silenceSource{}, c, s.Logger)
}

type silenceSource struct{}

func (silenceSource) next() ([]byte, time.Duration, error) { return silenceFrame, frameInterval, nil }
func (silenceSource) close() error                         { return nil }

// FileCapturer plays an Ogg/Opus file as the capture device.
type FileCapturer struct {
	Path   string
	Loop   bool
	Logger *logrus.Entry
}

func (f *FileCapturer) Capture(ctx context.Context, c Constraints) (*LocalStream, error) {
	if err := checkConstraints(ctx, c); err != nil {
		return nil, err
	}

	src, err := openOggSource(f.Path, f.Loop)
	if err != nil {
		return nil, err
	}
	return newLocalStream(src, c, f.Logger)
}

func checkConstraints(ctx context.Context, c Constraints) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.Video {
		return ErrVideoUnsupported
	}
	return nil
}

// oggSource paces Ogg pages by granule position, as a live encoder would emit them.
type oggSource struct {
	path        string
	loop        bool
	file        *os.File
	reader      *oggreader.OggReader
	lastGranule uint64
	played      bool
}

func openOggSource(path string, loop bool) (*oggSource, error) {
	s := &oggSource{path: path, loop: loop}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *oggSource) open() error {
	file, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCaptureDenied, err)
	}

	reader, _, err := oggreader.NewWith(file)
	if err != nil {
		file.Close()
		return fmt.Errorf("%w: %s is not an Ogg/Opus file: %v", ErrCaptureDenied, s.path, err)
	}

	s.file = file
	s.reader = reader
	s.lastGranule = 0
	return nil
}

func (s *oggSource) next() ([]byte, time.Duration, error) {
	for {
		page, header, err := s.reader.ParseNextPage()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			if !s.loop || !s.played {
				return nil, 0, io.EOF
			}
			s.file.Close()
			if err := s.open(); err != nil {
				return nil, 0, err
			}
			continue
		}
		if err != nil {
			return nil, 0, err
		}

		// Header pages carry no audio and do not advance the granule.
		if header.GranulePosition <= s.lastGranule {
			continue
		}
		samples := header.GranulePosition - s.lastGranule
		s.lastGranule = header.GranulePosition
		s.played = true

		return page, time.Duration(samples) * time.Second / opusSampleRate, nil
	}
}

func (s *oggSource) close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}
