package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meshtalk/meshtalk/cli/internal/signaling"
	"github.com/meshtalk/meshtalk/cli/internal/ui"
)

var whoCmd = &cobra.Command{
	Use:   "who <room-code|url>",
	Short: "List who is in a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := parseRoomInput(args[0])
		if err != nil {
			return err
		}
		return listRoom(cmd.Context(), code)
	},
}

func listRoom(ctx context.Context, code string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}

	stopSpinner := ui.RunConnectionSpinner("Looking up room...")
	reqCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	info, err := signaling.FetchRoom(reqCtx, nil, cfg.HTTPURL, code)
	cancel()
	stopSpinner()
	if errors.Is(err, signaling.ErrRoomNotFound) {
		return fmt.Errorf("room %s does not exist or has expired", code)
	}
	if err != nil {
		return err
	}

	rows := make([]ui.ParticipantRow, 0, len(info.Participants))
	for _, p := range info.Participants {
		rows = append(rows, ui.ParticipantRow{Name: p.UserName, UserID: p.UserID, JoinedAt: p.JoinedAt})
	}
	ui.RenderParticipants(info.RoomID, info.Name, rows)
	return nil
}

func init() {
	rootCmd.AddCommand(whoCmd)
}
