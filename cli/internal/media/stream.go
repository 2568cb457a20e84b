package media

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/sirupsen/logrus"
)

// LocalStream is a captured audio stream. Its tracks are shared by every peer connection.
type LocalStream struct {
	id          string
	constraints Constraints
	track       *webrtc.TrackLocalStaticSample
	log         *logrus.Entry

	muted    atomic.Bool
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newLocalStream(src source, c Constraints, log *logrus.Entry) (*LocalStream, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	id := "meshtalk-" + uuid.NewString()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusSampleRate, Channels: 2},
		"audio", id,
	)
	if err != nil {
		src.close()
		return nil, err
	}

	s := &LocalStream{
		id:          id,
		constraints: c,
		track:       track,
		log:         log.WithField("stream", id),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go s.pump(src)
	return s, nil
}

// ID returns the stream id remote peers see.
func (s *LocalStream) ID() string { return s.id }

// Constraints returns the constraints the stream was captured with.
func (s *LocalStream) Constraints() Constraints { return s.constraints }

// Tracks returns every local track of the stream.
func (s *LocalStream) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.track}
}

// SetMuted replaces outgoing audio with silence while muted.
func (s *LocalStream) SetMuted(muted bool) { s.muted.Store(muted) }

// Muted reports the current mute state.
func (s *LocalStream) Muted() bool { return s.muted.Load() }

// Stop ends capture and releases the source. Safe to call more than once.
func (s *LocalStream) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	<-s.done
}

// Done is closed once the capture source has been released.
func (s *LocalStream) Done() <-chan struct{} { return s.done }

func (s *LocalStream) pump(src source) {
	defer close(s.done)
	defer src.close()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-timer.C:
		}

		frame, duration, err := src.next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.log.Info("capture source ended")
			} else {
				s.log.WithError(err).Error("capture source failed")
			}
			// Keep the track alive so peers do not renegotiate.
			src = silenceSource{}
			frame, duration = silenceFrame, frameInterval
		}

		if s.muted.Load() {
			frame = silenceFrame
		}
		if err := s.track.WriteSample(pionmedia.Sample{Data: frame, Duration: duration}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			s.log.WithError(err).Debug("failed to write sample")
		}
		timer.Reset(duration)
	}
}
