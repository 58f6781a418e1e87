package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Default()
	cfg.Identity.UserID = "alice"
	cfg.Identity.GroupID = "family"
	return cfg
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(*Config) {}, true},
		{"missing user id", func(c *Config) { c.Identity.UserID = " " }, false},
		{"missing group", func(c *Config) { c.Identity.GroupID = "" }, false},
		{"http relay url", func(c *Config) { c.Relay.URL = "http://relay.example" }, false},
		{"wss relay url", func(c *Config) { c.Relay.URL = "wss://relay.example/ws" }, true},
		{"relay url without host", func(c *Config) { c.Relay.URL = "ws://" }, false},
		{"backoff max below min", func(c *Config) { c.Relay.ReconnectMaxMs = 1 }, false},
		{"ice server without urls", func(c *Config) { c.ICE.Servers = []ICEServer{{}} }, false},
		{"zero snapshot ttl", func(c *Config) { c.Recovery.SnapshotTTLMin = 0 }, false},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := validConfig()
	cfg.Relay.URL = "wss://relay.example/ws"

	require.NoError(t, Save(path, cfg))

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.Relay.URL, got.Relay.URL)
	require.Equal(t, "alice", got.Identity.UserID)
}

func TestSaveRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := validConfig()
	cfg.Identity.UserID = ""

	require.Error(t, Save(path, cfg))
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err), "invalid config must not be written")
}

func TestLoadStripsBOMAndFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := "\xEF\xBB\xBF" + `{"identity":{"user_id":"alice","display_name":"Alice","group_id":"family"}}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	// Unspecified sections come from defaults, not zero values.
	require.NotEmpty(t, cfg.Relay.URL)
	require.Equal(t, 120, cfg.Recovery.SnapshotTTLMin)
}

func TestEnsureCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, created, err := Ensure(path, "alice")
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "alice", cfg.Identity.UserID)

	_, created, err = Ensure(path, "ignored")
	require.NoError(t, err)
	require.False(t, created, "second ensure must load, not create")
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, Save(path, validConfig()))

	var mu sync.Mutex
	var got []Config
	w, err := Watch(path, func(cfg Config) {
		mu.Lock()
		got = append(got, cfg)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer w.Close()

	updated := validConfig()
	updated.Identity.DisplayName = "Alice Prime"
	require.NoError(t, Save(path, updated))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0 && got[len(got)-1].Identity.DisplayName == "Alice Prime"
	}, 3*time.Second, 20*time.Millisecond, "reload callback never fired with new value")

	// An invalid rewrite must never reach the callback.
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	for _, cfg := range got {
		require.NotEmpty(t, cfg.Identity.UserID, "invalid config delivered to callback")
	}
}
