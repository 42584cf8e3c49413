package config_test

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/pushmob/relay/internal/config"
)

// writeTemp writes content to a temp file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validYAML = `
daemon_log_file: "/var/log/pushrelayd.log"
log_level: debug
zmq_bind: "127.0.0.1:9320"
admin_addr: "127.0.0.1:9400"
sqlite_db: "/var/lib/pushrelay/queues.db"
cacerts_file: "/etc/pushrelay/ca.pem"
cert_file: "/etc/pushrelay/client.pem"
key_file: "/etc/pushrelay/client.key"
device_token_format: base64
push_gateway: "gateway.push.example.com:2195"
push_concurrency: 4
push_max_notification_lag: 120
push_max_error_wait: 0.2
feedback_gateway: "feedback.push.example.com:2196"
feedback_frequency: 600
`

func TestLoadConfig_Valid(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DaemonLogFile != "/var/log/pushrelayd.log" {
		t.Errorf("DaemonLogFile = %q", cfg.DaemonLogFile)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.Bind != "127.0.0.1:9320" {
		t.Errorf("Bind = %q", cfg.Bind)
	}
	if cfg.AdminAddr != "127.0.0.1:9400" {
		t.Errorf("AdminAddr = %q", cfg.AdminAddr)
	}
	if cfg.SQLiteDB != "/var/lib/pushrelay/queues.db" {
		t.Errorf("SQLiteDB = %q", cfg.SQLiteDB)
	}
	if cfg.DeviceTokenFormat != "base64" {
		t.Errorf("DeviceTokenFormat = %q", cfg.DeviceTokenFormat)
	}
	if cfg.PushGateway != "gateway.push.example.com:2195" {
		t.Errorf("PushGateway = %q", cfg.PushGateway)
	}
	if cfg.PushConcurrency != 4 {
		t.Errorf("PushConcurrency = %d, want 4", cfg.PushConcurrency)
	}
	if got := cfg.MaxNotificationLag(); got != 2*time.Minute {
		t.Errorf("MaxNotificationLag = %v, want 2m", got)
	}
	if got := cfg.MaxErrorWait(); got != 200*time.Millisecond {
		t.Errorf("MaxErrorWait = %v, want 200ms", got)
	}
	if got := cfg.FeedbackInterval(); got != 10*time.Minute {
		t.Errorf("FeedbackInterval = %v, want 10m", got)
	}
}

const minimalYAML = `
zmq_bind: "127.0.0.1:9320"
sqlite_db: "relay.db"
cacerts_file: "ca.pem"
cert_file: "client.pem"
key_file: "client.key"
device_token_format: hex
push_gateway: "gateway:2195"
feedback_gateway: "feedback:2196"
feedback_frequency: 600
`

func TestLoadConfig_AppliesDefaults(t *testing.T) {
	path := writeTemp(t, minimalYAML)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel default = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.AdminAddr != "127.0.0.1:9321" {
		t.Errorf("AdminAddr default = %q, want %q", cfg.AdminAddr, "127.0.0.1:9321")
	}
	if cfg.PushConcurrency != 1 {
		t.Errorf("PushConcurrency default = %d, want 1", cfg.PushConcurrency)
	}
	if cfg.PushMaxNotificationLag != 120 {
		t.Errorf("PushMaxNotificationLag default = %d, want 120", cfg.PushMaxNotificationLag)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	cases := map[string]struct {
		mangle func(string) string
		want   string
	}{
		"missing bind": {
			func(s string) string { return strings.Replace(s, "zmq_bind: \"127.0.0.1:9320\"\n", "", 1) },
			"zmq_bind is required",
		},
		"bad token format": {
			func(s string) string { return strings.Replace(s, "device_token_format: hex", "device_token_format: octal", 1) },
			"device_token_format",
		},
		"gateway without port": {
			func(s string) string { return strings.Replace(s, "push_gateway: \"gateway:2195\"", "push_gateway: \"gateway\"", 1) },
			"push_gateway",
		},
		"zero feedback frequency": {
			func(s string) string { return strings.Replace(s, "feedback_frequency: 600", "feedback_frequency: 0", 1) },
			"feedback_frequency",
		},
	}
	for name, c := range cases {
		path := writeTemp(t, c.mangle(minimalYAML))
		_, err := config.LoadConfig(path)
		if err == nil {
			t.Errorf("%s: LoadConfig succeeded, want error", name)
			continue
		}
		if !strings.Contains(err.Error(), c.want) {
			t.Errorf("%s: error %q does not mention %q", name, err, c.want)
		}
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := config.LoadConfig("/nonexistent/pushrelayd.yaml"); err == nil {
		t.Error("LoadConfig of a nonexistent file succeeded, want error")
	}
}

func TestLoadConfig_MalformedYAML(t *testing.T) {
	path := writeTemp(t, "zmq_bind: [unclosed")
	if _, err := config.LoadConfig(path); err == nil {
		t.Error("LoadConfig of malformed YAML succeeded, want error")
	}
}
