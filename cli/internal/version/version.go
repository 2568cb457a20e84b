package version

// Version is the current version of the MeshTalk CLI.
// This value can be overridden at build time using:
//
//	go build -ldflags="-X 'github.com/meshtalk/meshtalk/cli/internal/version.Version=v1.0.0'"
var Version = "dev"
