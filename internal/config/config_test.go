package config

import (
	"strings"
	"testing"
	"time"

	"github.com/Netflix/go-env"
)

func TestFromEnvSet_Defaults(t *testing.T) {
	c, err := FromEnvSet(env.EnvSet{})
	if err != nil {
		t.Fatalf("FromEnvSet: %v", err)
	}

	if c.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", c.ListenAddr)
	}
	if c.StoreBackend != BackendBadger {
		t.Errorf("StoreBackend = %q, want badger", c.StoreBackend)
	}
	if c.HeartbeatInterval != 25*time.Second || c.HeartbeatTimeout != 60*time.Second {
		t.Errorf("heartbeat = %v/%v, want 25s/60s", c.HeartbeatInterval, c.HeartbeatTimeout)
	}
	if c.ServerName == "" {
		t.Error("expected ServerName to fall back to a non-empty value")
	}
	if c.RedisAddr != "" || c.NATSURL != "" {
		t.Errorf("optional services should default to disabled, got redis=%q nats=%q", c.RedisAddr, c.NATSURL)
	}
}

func TestFromEnvSet_Overrides(t *testing.T) {
	c, err := FromEnvSet(env.EnvSet{
		"LISTEN_ADDR":        ":9090",
		"WORKER_POOL_SIZE":   "8",
		"HEARTBEAT_INTERVAL": "5s",
		"STORE_BACKEND":      "postgres",
		"DB_DSN":             "postgres://localhost/dm",
		"SERVER_NAME":        "dm-7",
		"SEND_RATE_LIMIT":    "3",
		"SEND_RATE_WINDOW":   "1m",
	})
	if err != nil {
		t.Fatalf("FromEnvSet: %v", err)
	}

	srv := c.Server()
	if srv.ListenAddr != ":9090" || srv.WorkerPoolSize != 8 {
		t.Errorf("unexpected server config: %+v", srv)
	}
	if srv.Heartbeat.Interval != 5*time.Second {
		t.Errorf("heartbeat interval = %v, want 5s", srv.Heartbeat.Interval)
	}

	rule := c.SendRule()
	if rule.Limit != 3 || rule.Window != time.Minute || rule.Key == "" {
		t.Errorf("unexpected send rule: %+v", rule)
	}

	if got := c.NATS().Name; got != "dmserver-dm-7" {
		t.Errorf("NATS name = %q", got)
	}
}

func TestFromEnvSet_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		es      env.EnvSet
		wantErr string
	}{
		{"postgres without dsn", env.EnvSet{"STORE_BACKEND": "postgres"}, "DB_DSN"},
		{"unknown backend", env.EnvSet{"STORE_BACKEND": "mongo"}, "STORE_BACKEND"},
		{"zero workers", env.EnvSet{"WORKER_POOL_SIZE": "0"}, "WORKER_POOL_SIZE"},
		{"bad duration", env.EnvSet{"READ_TIMEOUT": "soon"}, "config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromEnvSet(tt.es)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}
