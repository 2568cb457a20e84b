package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/meshtalk/meshtalk/cli/internal/signaling"
)

// Default configuration values (production)
const (
	DefaultDomain = "meshtalk.dev"
	DefaultWire   = signaling.WireJSON
)

// DefaultSTUNServers are two independent public STUN servers.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// minSTUNServers is how many STUN servers every peer connection is configured with.
const minSTUNServers = 2

// Config holds application configuration
type Config struct {
	// Domain is the relay server host (optionally with port)
	Domain string

	// Insecure selects ws/http instead of wss/https
	Insecure bool

	// WebSocketURL and HTTPURL are constructed from domain
	WebSocketURL string
	HTTPURL      string

	// Wire is the relay encoding, json or msgpack
	Wire  string
	Codec signaling.Codec

	// ICE servers for WebRTC
	STUNServers []string
}

// Options for loading config with CLI flag overrides
type Options struct {
	Domain      string
	Insecure    bool
	Wire        string
	STUNServers []string
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	// Load domain: CLI flag > env > default
	domain := opts.Domain
	if domain == "" {
		domain = os.Getenv("DOMAIN")
	}
	if domain == "" {
		domain = DefaultDomain
	}
	domain = strings.TrimSuffix(domain, "/")

	// Insecure: flag > env
	insecure := opts.Insecure
	if !insecure {
		if v := os.Getenv("INSECURE"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("invalid INSECURE value %q: %w", v, err)
			}
			insecure = b
		}
	}

	// Wire format: flag > env > default
	wire := opts.Wire
	if wire == "" {
		wire = os.Getenv("WIRE_FORMAT")
	}
	if wire == "" {
		wire = DefaultWire
	}
	codec, err := signaling.CodecFor(wire)
	if err != nil {
		return nil, err
	}

	// STUN servers: flag > env > default, always at least two
	stun := cleanList(opts.STUNServers)
	if len(stun) == 0 {
		stun = cleanList(strings.Split(os.Getenv("STUN_SERVERS"), ","))
	}
	stun = withDefaultSTUN(stun)

	wsScheme, httpScheme := "wss", "https"
	if insecure {
		wsScheme, httpScheme = "ws", "http"
	}

	return &Config{
		Domain:       domain,
		Insecure:     insecure,
		WebSocketURL: fmt.Sprintf("%s://%s/ws", wsScheme, domain),
		HTTPURL:      fmt.Sprintf("%s://%s", httpScheme, domain),
		Wire:         wire,
		Codec:        codec,
		STUNServers:  stun,
	}, nil
}

func cleanList(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// withDefaultSTUN tops up servers with defaults until there are enough, skipping duplicates.
func withDefaultSTUN(servers []string) []string {
	for _, d := range DefaultSTUNServers {
		if len(servers) >= minSTUNServers {
			break
		}
		dup := false
		for _, s := range servers {
			if s == d {
				dup = true
				break
			}
		}
		if !dup {
			servers = append(servers, d)
		}
	}
	return servers
}
