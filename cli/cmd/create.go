package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meshtalk/meshtalk/cli/internal/signaling"
	"github.com/meshtalk/meshtalk/cli/internal/ui"
)

var flagRoomName string

var createCmd = &cobra.Command{
	Use:     "create",
	Aliases: []string{"c"},
	Short:   "Create a room and join it",
	Long: `Create a new room on the relay server, print its code and join the call.

Examples:
  meshtalk create
  meshtalk create --name standup --user-name alice
  meshtalk create --server localhost:8080 --insecure --mic voice.ogg`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return createRoom(cmd.Context())
	},
}

func createRoom(ctx context.Context) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}

	fmt.Println()
	stopSpinner := ui.RunConnectionSpinner("Creating room...")
	reqCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	code, err := signaling.CreateRoom(reqCtx, cfg.WebSocketURL, cfg.Codec, flagRoomName)
	cancel()
	stopSpinner()
	if err != nil {
		return fmt.Errorf("create room: %w", err)
	}

	ui.PrintSuccessf("Room %s created", code)
	ui.RenderRoomInfo(code, flagRoomName)
	fmt.Println()

	return RunCall(ctx, cfg, code)
}

func init() {
	rootCmd.AddCommand(createCmd)

	createCmd.Flags().StringVarP(&flagRoomName, "name", "n", "", "Room name shown in listings")
	addCallFlags(createCmd)
}
