package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/meshtalk/meshtalk/cli/internal/ui"
	"github.com/meshtalk/meshtalk/cli/internal/version"
)

var (
	flagServer   string
	flagInsecure bool
	flagSTUN     []string
	flagWire     string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "meshtalk",
	Short: "Group voice calls over a WebRTC peer mesh",
	Long: `MeshTalk puts everyone in a room on a direct WebRTC audio connection with everyone else.
A small relay server only introduces peers; audio never passes through it.`,
	Version: version.Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		ui.PrintError(err.Error())
		stop()
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flagServer, "server", "s", "", "Relay server host[:port] (env DOMAIN)")
	pf.BoolVar(&flagInsecure, "insecure", false, "Use ws/http instead of wss/https (env INSECURE)")
	pf.StringArrayVar(&flagSTUN, "stun", nil, "STUN server URL, repeatable (env STUN_SERVERS)")
	pf.StringVar(&flagWire, "wire", "", "Relay wire format: json or msgpack (env WIRE_FORMAT)")
}
