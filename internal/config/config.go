package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/hearthapp/hearth/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Relay    Relay    `json:"relay"`
	ICE      ICE      `json:"ice"`
	Recovery Recovery `json:"recovery"`
	Log      Log      `json:"log"`
}

type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	GroupID     string `json:"group_id"`
}

type Relay struct {
	// URL of the signaling relay, ws:// or wss://.
	URL string `json:"url"`

	ConnectTimeoutSec int `json:"connect_timeout_sec"`

	// Reconnect backoff bounds in milliseconds.
	ReconnectMinMs int `json:"reconnect_min_ms"`
	ReconnectMaxMs int `json:"reconnect_max_ms"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type ICE struct {
	Servers []ICEServer `json:"servers"`
}

type Recovery struct {
	// DataDir holds the snapshot database. Relative paths resolve against
	// the directory of the config file.
	DataDir string `json:"data_dir"`

	// SnapshotTTLMin bounds how old a snapshot may be and still be restored.
	SnapshotTTLMin int `json:"snapshot_ttl_min"`
}

type Log struct {
	Level string `json:"level"` // debug | info | warn | error
}

func Default() Config {
	return Config{
		Identity: Identity{
			DisplayName: "hearth user",
		},
		Relay: Relay{
			URL:               "ws://127.0.0.1:8790/ws",
			ConnectTimeoutSec: 10,
			ReconnectMinMs:    500,
			ReconnectMaxMs:    15000,
		},
		ICE: ICE{
			Servers: []ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
		},
		Recovery: Recovery{
			DataDir:        "data",
			SnapshotTTLMin: 120,
		},
		Log: Log{Level: "info"},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.UserID) == "" {
		return errors.New("identity.user_id is required")
	}
	if strings.TrimSpace(c.Identity.DisplayName) == "" {
		return errors.New("identity.display_name is required")
	}
	if strings.TrimSpace(c.Identity.GroupID) == "" {
		return errors.New("identity.group_id is required")
	}

	// Relay
	u, err := url.Parse(c.Relay.URL)
	if err != nil {
		return fmt.Errorf("relay.url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("relay.url scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("relay.url missing host")
	}
	if c.Relay.ConnectTimeoutSec <= 0 {
		return errors.New("relay.connect_timeout_sec must be > 0")
	}
	if c.Relay.ReconnectMinMs <= 0 {
		return errors.New("relay.reconnect_min_ms must be > 0")
	}
	if c.Relay.ReconnectMaxMs < c.Relay.ReconnectMinMs {
		return errors.New("relay.reconnect_max_ms must be >= relay.reconnect_min_ms")
	}

	// ICE
	for i, s := range c.ICE.Servers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("ice.servers[%d] has no urls", i)
		}
	}

	// Recovery
	if strings.TrimSpace(c.Recovery.DataDir) == "" {
		return errors.New("recovery.data_dir is required")
	}
	if c.Recovery.SnapshotTTLMin <= 0 {
		return errors.New("recovery.snapshot_ttl_min must be > 0")
	}

	// Log
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q must be one of debug|info|warn|error", c.Log.Level)
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

// Ensure loads config if it exists; otherwise creates a default config file
// seeded with userID. Returns (cfg, createdNew, err).
func Ensure(path, userID string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	cfg.Identity.UserID = userID
	cfg.Identity.GroupID = "family"
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
