package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

// RTPReader is the read side of a remote track.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Record writes received Opus RTP to w as Ogg until the reader ends or ctx is done.
func Record(ctx context.Context, r RTPReader, w io.Writer) error {
	ogg, err := oggwriter.NewWith(w, opusSampleRate, 2)
	if err != nil {
		return fmt.Errorf("create ogg writer: %w", err)
	}
	return copyRTP(ctx, r, ogg)
}

// RecordFile records r into dir/<name>.ogg.
func RecordFile(ctx context.Context, r RTPReader, dir, name string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create recording dir: %w", err)
	}
	path := filepath.Join(dir, filepath.Base(name)+".ogg")

	ogg, err := oggwriter.New(path, opusSampleRate, 2)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	return path, copyRTP(ctx, r, ogg)
}

func copyRTP(ctx context.Context, r RTPReader, ogg *oggwriter.OggWriter) error {
	defer ogg.Close()

	for {
		if ctx.Err() != nil {
			return nil
		}

		packet, _, err := r.ReadRTP()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if len(packet.Payload) == 0 {
			continue
		}
		if err := ogg.WriteRTP(packet); err != nil {
			return fmt.Errorf("write ogg page: %w", err)
		}
	}
}
