package app

import (
	"strings"
	"testing"
	"time"
)

func TestValidateSecurityConfig(t *testing.T) {
	cases := []struct {
		name    string
		secret  string
		wantErr bool
	}{
		{name: "missing", secret: "", wantErr: true},
		{name: "too short", secret: "short", wantErr: true},
		{name: "exactly 32 bytes", secret: strings.Repeat("s", 32), wantErr: false},
		{name: "long", secret: strings.Repeat("s", 64), wantErr: false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateSecurityConfig(Config{TokenSecret: tc.secret})
			if (err != nil) != tc.wantErr {
				t.Fatalf("ValidateSecurityConfig(secret len=%d) err=%v wantErr=%v", len(tc.secret), err, tc.wantErr)
			}
		})
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("TETHER_HTTP_ADDR", "")
	t.Setenv("TETHER_HEALTH_INTERVAL", "")
	t.Setenv("TETHER_STATUS_TTL", "")

	cfg := LoadConfig()

	if cfg.HTTPAddr != "0.0.0.0:8080" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	if cfg.HealthInterval != 30*time.Second {
		t.Fatalf("HealthInterval=%v", cfg.HealthInterval)
	}
	if cfg.StatusTTL != 3*cfg.HealthInterval {
		t.Fatalf("StatusTTL=%v want 3x health interval", cfg.StatusTTL)
	}
	if cfg.RoomParticipantCap != 20 {
		t.Fatalf("RoomParticipantCap=%d", cfg.RoomParticipantCap)
	}
}

func TestLoadConfigStatusTTLFollowsHealthInterval(t *testing.T) {
	t.Setenv("TETHER_HEALTH_INTERVAL", "10s")
	t.Setenv("TETHER_STATUS_TTL", "")

	cfg := LoadConfig()
	if cfg.StatusTTL != 30*time.Second {
		t.Fatalf("StatusTTL=%v want 30s", cfg.StatusTTL)
	}
}

func TestNonZeroHelpers(t *testing.T) {
	t.Parallel()

	if got := nonZeroDuration(0, 5*time.Second); got != 5*time.Second {
		t.Fatalf("nonZeroDuration(0)=%v", got)
	}
	if got := nonZeroDuration(time.Second, 5*time.Second); got != time.Second {
		t.Fatalf("nonZeroDuration(1s)=%v", got)
	}
	if got := nonZeroInt(0, 7); got != 7 {
		t.Fatalf("nonZeroInt(0)=%d", got)
	}
	if got := nonZeroInt(3, 7); got != 3 {
		t.Fatalf("nonZeroInt(3)=%d", got)
	}
}
