package cmd

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
)

var joinCmd = &cobra.Command{
	Use:     "join <room-code|url>",
	Aliases: []string{"j"},
	Short:   "Join an existing room",
	Long: `Join a room by its code and talk to everyone in it.

Examples:
  meshtalk join QX7K2M
  meshtalk join https://meshtalk.dev/r/QX7K2M
  meshtalk join qx7k2m --record ./calls`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := parseRoomInput(args[0])
		if err != nil {
			return err
		}
		cfg, err := LoadConfig()
		if err != nil {
			return err
		}
		fmt.Println()
		return RunCall(cmd.Context(), cfg, code)
	},
}

// parseRoomInput accepts a bare room code or a room link and returns the upper-cased code.
func parseRoomInput(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("room code cannot be empty")
	}

	if strings.Contains(input, "://") || strings.Contains(input, "/") {
		code, err := extractRoomCodeFromURL(input)
		if err != nil {
			return "", err
		}
		input = code
	}

	return strings.ToUpper(input), nil
}

func extractRoomCodeFromURL(urlStr string) (string, error) {
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return "", fmt.Errorf("parse room link: %w", err)
	}

	path := strings.TrimSuffix(parsedURL.Path, "/")
	parts := strings.Split(path, "/")

	for i, part := range parts {
		if part == "r" && i+1 < len(parts) && parts[i+1] != "" {
			return parts[i+1], nil
		}
	}

	return "", fmt.Errorf("could not find a room code in %s", urlStr)
}

func init() {
	rootCmd.AddCommand(joinCmd)
	addCallFlags(joinCmd)
}
