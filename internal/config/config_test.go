package config

import (
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadAppConfig_DefaultsWhenEmpty(t *testing.T) {
	t.Parallel()

	cfg, err := LoadAppConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadAppConfig: %v", err)
	}
	want := DefaultAppConfig()
	if cfg.Server.Port != want.Server.Port {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, want.Server.Port)
	}
	if cfg.Coordinator.StaleAfter != 15000 {
		t.Errorf("Coordinator.StaleAfter = %d, want 15000", cfg.Coordinator.StaleAfter)
	}
	if len(cfg.WebRTC.Codecs) != 2 {
		t.Errorf("len(Codecs) = %d, want 2", len(cfg.WebRTC.Codecs))
	}
}

func TestLoadAppConfig_YAMLOverridesDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "coordinator.yaml", "disconnectGrace: 250\nmaxReopenAttempts: 2\n")
	writeFile(t, dir, "signal.yaml", "transport: MQTT\nroom: table-7\nmqttBroker: tcp://broker:1883\n")
	writeFile(t, dir, "security.yaml", "adminCredential: secret\nadminsNetworks: [\"10.0.0.0/8\"]\n")

	cfg, err := LoadAppConfig(dir)
	if err != nil {
		t.Fatalf("LoadAppConfig: %v", err)
	}
	if cfg.Coordinator.DisconnectGrace != 250 {
		t.Errorf("DisconnectGrace = %d, want 250", cfg.Coordinator.DisconnectGrace)
	}
	if cfg.Coordinator.MaxReopenAttempts != 2 {
		t.Errorf("MaxReopenAttempts = %d, want 2", cfg.Coordinator.MaxReopenAttempts)
	}
	// untouched fields keep their defaults
	if cfg.Coordinator.ReopenMax != 30000 {
		t.Errorf("ReopenMax = %d, want default 30000", cfg.Coordinator.ReopenMax)
	}
	if cfg.Signal.Transport != "mqtt" || cfg.Signal.Room != "table-7" {
		t.Errorf("Signal = %+v", cfg.Signal)
	}
	if cfg.Signal.MQTTTopicPrefix != "spellcoven" {
		t.Errorf("MQTTTopicPrefix = %q, want default", cfg.Signal.MQTTTopicPrefix)
	}
	if cfg.Security.AdminCredential == nil || *cfg.Security.AdminCredential != "secret" {
		t.Errorf("AdminCredential = %v", cfg.Security.AdminCredential)
	}
	if len(cfg.Security.AdminsRawNetworks) != 1 || cfg.Security.AdminsRawNetworks[0].String() != "10.0.0.0/8" {
		t.Errorf("AdminsRawNetworks = %v", cfg.Security.AdminsRawNetworks)
	}
}

func TestLoadAppConfig_JSONFallbackAndCodecs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "webrtc.json", `{
		"portMin": 40000, "portMax": 40100,
		"codecs": [{"params": {"mimeType": "video/VP8", "clockRate": 90000, "payloadType": 100}, "type": "video"}]
	}`)

	cfg, err := LoadAppConfig(dir)
	if err != nil {
		t.Fatalf("LoadAppConfig: %v", err)
	}
	if cfg.WebRTC.PortMin != 40000 || cfg.WebRTC.PortMax != 40100 {
		t.Errorf("port range = %d-%d", cfg.WebRTC.PortMin, cfg.WebRTC.PortMax)
	}
	if len(cfg.WebRTC.Codecs) != 1 {
		t.Fatalf("len(Codecs) = %d, want 1", len(cfg.WebRTC.Codecs))
	}
	c := cfg.WebRTC.Codecs[0]
	if c.Type != webrtc.RTPCodecTypeVideo || c.Params.PayloadType != 100 {
		t.Errorf("codec = %+v", c)
	}
	if len(c.Params.RTCPFeedback) == 0 {
		t.Error("video codec has no RTCP feedback")
	}
}

func TestLoadAppConfig_EmptyFileKeepsDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "server.yaml", "")

	cfg, err := LoadAppConfig(dir)
	if err != nil {
		t.Fatalf("LoadAppConfig: %v", err)
	}
	if cfg.Server.Port != DefaultAppConfig().Server.Port {
		t.Errorf("Port = %d", cfg.Server.Port)
	}
}

func TestLoadAppConfig_ZeroValuesOverrideDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "coordinator.yaml", "negotiationRetries: 0\nmaxReopenAttempts: 0\n")
	writeFile(t, dir, "signal.yaml", "mqttTopicPrefix: \"\"\n")
	writeFile(t, dir, "security.yaml", "adminsNetworks: []\n")

	cfg, err := LoadAppConfig(dir)
	if err != nil {
		t.Fatalf("LoadAppConfig: %v", err)
	}
	if cfg.Coordinator.NegotiationRetries != 0 || cfg.Coordinator.MaxReopenAttempts != 0 {
		t.Errorf("Coordinator = %+v, want explicit zeros", cfg.Coordinator)
	}
	if cfg.Coordinator.ReopenMax != 30000 {
		t.Errorf("ReopenMax = %d, want default 30000", cfg.Coordinator.ReopenMax)
	}
	if cfg.Signal.MQTTTopicPrefix != "" {
		t.Errorf("MQTTTopicPrefix = %q, want empty", cfg.Signal.MQTTTopicPrefix)
	}
	if len(cfg.Security.AdminsRawNetworks) != 0 {
		t.Errorf("AdminsRawNetworks = %v, want none", cfg.Security.AdminsRawNetworks)
	}
}

func TestLoadAppConfig_Invalid(t *testing.T) {
	t.Parallel()

	cases := map[string][2]string{
		"negative duration": {"coordinator.yaml", "disconnectGrace: -1\n"},
		"bad multiplier":    {"coordinator.yaml", "reopenMultiplier: 0.5\n"},
		"bad transport":     {"signal.yaml", "transport: carrier-pigeon\n"},
		"bad network":       {"security.yaml", "adminsNetworks: [\"nope\"]\n"},
		"broken yaml":       {"server.yaml", "port: [\n"},
	}
	for name, file := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			writeFile(t, dir, file[0], file[1])
			if _, err := LoadAppConfig(dir); err == nil {
				t.Fatal("LoadAppConfig succeeded, want error")
			}
		})
	}
}

func TestIsSectionFile(t *testing.T) {
	t.Parallel()

	for name, want := range map[string]bool{
		"/etc/mesh/coordinator.yaml": true,
		"signal.json":                true,
		"coordinator.yaml.swp":       false,
		"notes.yaml":                 false,
	} {
		if got := isSectionFile(name); got != want {
			t.Errorf("isSectionFile(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestManager_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "coordinator.yaml", "disconnectGrace: 100\n")

	mgr, err := NewManager(dir)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Close() })

	if got := mgr.Get().Coordinator.DisconnectGrace; got != 100 {
		t.Fatalf("initial DisconnectGrace = %d, want 100", got)
	}

	var seen atomic.Int64
	mgr.SetUpdateCallback(func(c *AppConfig) { seen.Store(int64(c.Coordinator.DisconnectGrace)) })

	writeFile(t, dir, "coordinator.yaml", "disconnectGrace: 700\n")

	deadline := time.Now().Add(5 * time.Second)
	for seen.Load() != 700 {
		if time.Now().After(deadline) {
			t.Fatalf("update callback not called with new value, last = %d", seen.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := mgr.Get().Coordinator.DisconnectGrace; got != 700 {
		t.Errorf("DisconnectGrace after reload = %d, want 700", got)
	}
}

func TestManager_BadReloadKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "server.yaml", "port: 9000\n")

	mgr, err := NewManager(dir)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Close() })

	writeFile(t, dir, "server.yaml", "port: [\n")
	if err := mgr.Reload(); err == nil {
		t.Fatal("Reload succeeded on broken file")
	}
	if got := mgr.Get().Server.Port; got != 9000 {
		t.Errorf("Port = %d, want previous 9000", got)
	}
}

func TestManager_EmptyFileKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "server.yaml", "port: 9000\n")

	mgr, err := NewManager(dir)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Close() })

	var updates atomic.Int64
	mgr.SetUpdateCallback(func(c *AppConfig) { updates.Add(1) })

	// an editor truncates before it writes
	writeFile(t, dir, "server.yaml", "")
	if err := mgr.Reload(); !errors.Is(err, ErrEmptyFile) {
		t.Fatalf("Reload = %v, want ErrEmptyFile", err)
	}
	time.Sleep(3 * reloadDebounce)
	if got := mgr.Get().Server.Port; got != 9000 {
		t.Errorf("Port = %d, want previous 9000", got)
	}
	if n := updates.Load(); n != 0 {
		t.Errorf("update callback called %d times for an empty file", n)
	}

	writeFile(t, dir, "server.yaml", "port: 9100\n")
	deadline := time.Now().Add(5 * time.Second)
	for mgr.Get().Server.Port != 9100 {
		if time.Now().After(deadline) {
			t.Fatalf("Port = %d after rewrite, want 9100", mgr.Get().Server.Port)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
