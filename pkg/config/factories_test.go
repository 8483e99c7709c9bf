package config

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/marmos91/sharefs/pkg/connection"
)

func TestCreateDrivers_DecodeOptions(t *testing.T) {
	if _, err := CreateSFTPDriver(map[string]any{"known_hosts_file": "/tmp/kh", "concurrent_writes": "true"}); err != nil {
		t.Errorf("CreateSFTPDriver failed: %v", err)
	}
	if _, err := CreateS3Driver(map[string]any{"region": "eu-west-1", "max_retries": "3"}); err != nil {
		t.Errorf("CreateS3Driver failed: %v", err)
	}
	if _, err := CreateWebDAVDriver(map[string]any{"headers": map[string]any{"X-Tenant": "a"}}); err != nil {
		t.Errorf("CreateWebDAVDriver failed: %v", err)
	}
	if _, err := CreateFTPDriver(nil); err != nil {
		t.Errorf("CreateFTPDriver with no options failed: %v", err)
	}
	if _, err := CreateSMBDriver(map[string]any{"workstation": "WS01"}); err != nil {
		t.Errorf("CreateSMBDriver failed: %v", err)
	}
}

func TestCreateDrivers_RejectsBadOptions(t *testing.T) {
	tests := []struct {
		name    string
		create  func() error
		wantErr string
	}{
		{
			name: "unknown key",
			create: func() error {
				_, err := CreateFTPDriver(map[string]any{"passive": true})
				return err
			},
			wantErr: "ftp driver",
		},
		{
			name: "passphrase without key",
			create: func() error {
				_, err := CreateSFTPDriver(map[string]any{"private_key_passphrase": "x"})
				return err
			},
			wantErr: "private_key_path",
		},
		{
			name: "negative retries",
			create: func() error {
				_, err := CreateS3Driver(map[string]any{"max_retries": -1})
				return err
			},
			wantErr: "max_retries",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.create()
			if err == nil {
				t.Fatal("Expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestRemoteConfig(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Client.DialRate = 4
	cfg.Client.DialBurst = 2

	rc := cfg.Client.RemoteConfig()
	if rc.Session.Capacity != 30 {
		t.Errorf("Expected capacity 30, got %d", rc.Session.Capacity)
	}
	if rc.Session.DialRate != 4 || rc.Session.DialBurst != 2 {
		t.Errorf("Dial limiter not carried over: %+v", rc.Session)
	}
	if rc.Session.Settings.ResponseTimeout != 30*time.Second {
		t.Errorf("Expected response timeout 30s, got %v", rc.Session.Settings.ResponseTimeout)
	}
	if rc.Session.Settings.MinVersion != "2.0.2" || rc.Session.Settings.MaxVersion != "3.1.1" {
		t.Errorf("Unexpected dialect range: %+v", rc.Session.Settings)
	}
	if rc.PageSize != 1<<20 {
		t.Errorf("Expected 1 MiB pages, got %d", rc.PageSize)
	}
}

func TestCreateManager(t *testing.T) {
	cfg := GetDefaultConfig()
	m := CreateManager(cfg, InitializeMetrics(cfg))
	defer func() { _ = m.Close() }()

	if got := len(m.Protocols()); got != len(connection.Protocols()) {
		t.Errorf("Expected every protocol registered, got %d", got)
	}

	conn, err := cfg.Connection("scratch")
	if err != nil {
		t.Fatalf("Connection lookup failed: %v", err)
	}

	ctx := context.Background()
	if res := m.CheckConnection(ctx, conn); !res.OK() {
		t.Fatalf("CheckConnection failed: %+v", res)
	}

	file := conn.Child("hello.txt", false)
	if _, err := m.CreateFile(ctx, file, "text/plain"); err != nil {
		t.Fatalf("CreateFile failed: %v", err)
	}
	children, err := m.GetChildren(ctx, conn, false)
	if err != nil {
		t.Fatalf("GetChildren failed: %v", err)
	}
	if len(children) != 1 || children[0].Name != "hello.txt" {
		t.Errorf("Unexpected children: %+v", children)
	}
}

func TestCreateManager_BadDriverSection(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Drivers.Memory = map[string]any{"bogus": 1}
	m := CreateManager(cfg, nil)
	defer func() { _ = m.Close() }()

	if _, err := m.Client(connection.ProtocolMemory); err == nil {
		t.Fatal("Expected error for invalid memory driver options")
	}
}
