package cmd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/meshtalk/meshtalk/cli/internal/config"
	"github.com/meshtalk/meshtalk/cli/internal/media"
	"github.com/meshtalk/meshtalk/cli/internal/mesh"
	"github.com/meshtalk/meshtalk/cli/internal/signaling"
	"github.com/meshtalk/meshtalk/cli/internal/ui"
)

const (
	connectTimeout = 15 * time.Second
	joinTimeout    = 20 * time.Second
)

var (
	flagUserName string
	flagMic      string
	flagRecord   string
)

// addCallFlags registers the flags shared by commands that place the user in a call.
func addCallFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&flagUserName, "user-name", "u", "", "Name shown to other participants")
	cmd.Flags().StringVar(&flagMic, "mic", "", "Ogg/Opus file used as the microphone (default: silence)")
	cmd.Flags().StringVar(&flagRecord, "record", "", "Directory to record each participant's audio into")
}

func LoadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.Options{
		Domain:      flagServer,
		Insecure:    flagInsecure,
		Wire:        flagWire,
		STUNServers: flagSTUN,
	})
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// roomOpener adapts the relay opener to the mesh channel contract.
func roomOpener(o *signaling.Opener) mesh.ChannelOpener {
	return mesh.OpenerFunc(func(ctx context.Context, roomID, userID string) (mesh.Channel, error) {
		rc, err := o.Open(ctx, roomID, userID)
		if err != nil {
			return nil, err
		}
		return rc, nil
	})
}

func capturerFor(path string, log *logrus.Entry) media.Capturer {
	if path == "" {
		return &media.SilenceCapturer{Logger: log}
	}
	return &media.FileCapturer{Path: path, Loop: true, Logger: log}
}

// recorders writes each remote stream to disk until the call ends.
type recorders struct {
	ctx context.Context
	dir string
	log *logrus.Entry
	wg  sync.WaitGroup

	mu     sync.Mutex
	failed []string
}

func (r *recorders) start(peerID string, rs mesh.RemoteStream) {
	if r.dir == "" || rs.Track == nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		path, err := media.RecordFile(r.ctx, rs.Track, r.dir, peerID)
		if err != nil {
			r.log.WithError(err).WithField("peer", peerID).Warn("recording stopped")
			r.mu.Lock()
			r.failed = append(r.failed, peerID)
			r.mu.Unlock()
			return
		}
		r.log.WithFields(logrus.Fields{"peer": peerID, "file": path}).Info("recording saved")
	}()
}

// wait blocks until every recording is written and returns the peers whose recording failed.
func (r *recorders) wait() []string {
	r.wg.Wait()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}

// RunCall joins roomID and runs the call until the user leaves or ctx ends.
func RunCall(ctx context.Context, cfg *config.Config, roomID string) error {
	userID := uuid.NewString()
	log := logrus.WithFields(logrus.Fields{"room": roomID, "user": userID})

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var coord *mesh.Coordinator
	callUI := ui.NewCallUI(ui.CallOptions{
		RoomID:    roomID,
		UserName:  flagUserName,
		Recording: flagRecord,
		Roster: func() []ui.PeerRow {
			var rows []ui.PeerRow
			for _, p := range coord.Peers() {
				rows = append(rows, ui.PeerRow{ID: p.ID, Name: p.Name, State: p.State.String()})
			}
			return rows
		},
		OnMute: func(muted bool) bool {
			coord.SetMuted(muted)
			return coord.Muted()
		},
	})
	rec := &recorders{ctx: callCtx, dir: flagRecord, log: log}

	opener := &signaling.Opener{
		ServerURL: cfg.WebSocketURL,
		Codec:     cfg.Codec,
		UserName:  flagUserName,
		Logger:    log,
	}

	coord, err := mesh.New(mesh.Config{
		RoomID:      roomID,
		UserID:      userID,
		STUNServers: cfg.STUNServers,
		Constraints: media.AudioOnly(),
	}, capturerFor(flagMic, log), roomOpener(opener),
		mesh.WithLogger(log),
		mesh.WithRemoteStreamHandler(func(peerID string, rs mesh.RemoteStream) {
			callUI.Notify("receiving audio from %s", shortPeer(peerID))
			rec.start(peerID, rs)
		}),
		mesh.WithPeerStateHandler(func(peerID string, state mesh.State) {
			switch state {
			case mesh.StateConnected:
				callUI.Notify("%s connected", shortPeer(peerID))
			case mesh.StateClosed:
				callUI.Notify("%s disconnected", shortPeer(peerID))
			}
		}),
	)
	if err != nil {
		return err
	}

	sp := ui.NewWaitingSpinner("Joining room " + roomID + "...")
	sp.Start()
	initCtx, initCancel := context.WithTimeout(callCtx, joinTimeout)
	_, err = coord.Initialize(initCtx)
	initCancel()
	if err != nil {
		sp.Fail("Could not join room " + roomID)
		return explainJoinError(roomID, err)
	}
	sp.Stop()

	callUI.Start()
	select {
	case <-callUI.Left():
	case <-ctx.Done():
	case <-coord.Done():
	}
	callUI.Stop()

	sp = ui.NewWaitingSpinner("Leaving room " + roomID + "...")
	sp.Start()
	coord.Disconnect()
	cancel()
	if flagRecord != "" {
		sp.SetMessage("Saving recordings...")
	}
	failed := rec.wait()
	sp.Success(fmt.Sprintf("Left room %s", roomID))

	for _, peerID := range failed {
		ui.PrintWarningf("Recording of %s is incomplete", shortPeer(peerID))
	}
	if flagRecord != "" {
		ui.PrintInfof("Recordings saved in %s", flagRecord)
	}
	return nil
}

func explainJoinError(roomID string, err error) error {
	switch {
	case errors.Is(err, signaling.ErrRoomNotFound):
		return fmt.Errorf("room %s does not exist or has expired", roomID)
	case errors.Is(err, media.ErrCaptureDenied):
		return fmt.Errorf("cannot open microphone source: %w", err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("timed out joining room %s", roomID)
	default:
		return err
	}
}

func shortPeer(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
