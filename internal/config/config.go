package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/stayline/callwire/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	P2P      P2P      `json:"p2p"`
	Signal   Signal   `json:"signal"`
	Call     Call     `json:"call"`
	History  History  `json:"history"`
}

type Identity struct {
	// ID is the call identity other peers dial. Empty means derive it
	// from the libp2p peer id.
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	KeyFile     string `json:"key_file"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`

	// Bootstrap multiaddrs dialed on startup, in addition to mDNS.
	BootstrapPeers []string `json:"bootstrap_peers"`
}

type Signal struct {
	// Backend selects the signaling transport: "pubsub" (libp2p based,
	// default) or "ws" (a websocket relay).
	Backend string `json:"backend"`

	// ServerURL is the relay endpoint, required when backend is "ws".
	ServerURL string `json:"server_url"`
}

type Call struct {
	RingTimeoutSec int      `json:"ring_timeout_seconds"`
	ICEServers     []string `json:"ice_servers"`

	// ICE liveness tuning (seconds). 0 = library default.
	DisconnectedTimeoutSec int `json:"disconnected_timeout_sec"`
	FailedTimeoutSec       int `json:"failed_timeout_sec"`
	KeepAliveIntervalSec   int `json:"keepalive_interval_sec"`
}

type History struct {
	DBPath string `json:"db_path"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			DisplayName: "",
			KeyFile:     "data/identity.key",
		},
		P2P: P2P{
			ListenPort: 0,
			MdnsTag:    "callwire-mdns",
		},
		Signal: Signal{
			Backend: "pubsub",
		},
		Call: Call{
			RingTimeoutSec: 45,
			ICEServers:     []string{"stun:stun.l.google.com:19302"},
		},
		History: History{
			DBPath: "data/history.db",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}
	if id := strings.TrimSpace(c.Identity.ID); id != "" {
		if _, err := util.ValidateIdentity(id); err != nil {
			return fmt.Errorf("identity.id: %w", err)
		}
	}

	// P2P
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}

	// Signal
	switch c.Signal.Backend {
	case "pubsub":
	case "ws":
		if err := validateRelayURL(c.Signal.ServerURL); err != nil {
			return fmt.Errorf("signal.server_url: %w", err)
		}
	default:
		return fmt.Errorf("signal.backend must be \"pubsub\" or \"ws\", got %q", c.Signal.Backend)
	}

	// Call
	if c.Call.RingTimeoutSec <= 0 {
		return errors.New("call.ring_timeout_seconds must be > 0")
	}
	if c.Call.DisconnectedTimeoutSec < 0 || c.Call.FailedTimeoutSec < 0 || c.Call.KeepAliveIntervalSec < 0 {
		return errors.New("call ice timeouts must be >= 0")
	}
	if c.Call.FailedTimeoutSec > 0 && c.Call.DisconnectedTimeoutSec > 0 &&
		c.Call.FailedTimeoutSec <= c.Call.DisconnectedTimeoutSec {
		return errors.New("call.failed_timeout_sec must be > call.disconnected_timeout_sec")
	}
	for _, srv := range c.Call.ICEServers {
		s := strings.TrimSpace(srv)
		if s == "" {
			return errors.New("call.ice_servers must not contain empty entries")
		}
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("call.ice_servers: %q must start with stun:, turn: or turns:", s)
		}
	}

	// History
	if strings.TrimSpace(c.History.DBPath) == "" {
		return errors.New("history.db_path is required")
	}

	return nil
}

func validateRelayURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("required when backend is \"ws\"")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
