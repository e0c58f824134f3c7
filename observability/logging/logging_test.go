package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetupWritesStructuredLines(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "mirrord.log")
	logger, closer := SetupWithOptions(Options{Service: "mirrord", Env: "test", File: path, Output: &buf})
	logger.Info("recon run complete", "inserted", 3)
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["message"] != "recon run complete" || line["severity"] != "INFO" {
		t.Fatalf("unexpected keys: %v", line)
	}
	if line["service"] != "mirrord" || line["env"] != "test" {
		t.Fatalf("missing service attrs: %v", line)
	}
	if _, ok := line["timestamp"]; !ok {
		t.Fatalf("missing timestamp: %v", line)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read rotated file: %v", err)
	}
	if !strings.Contains(string(data), "recon run complete") {
		t.Fatalf("file output missing line: %s", data)
	}
}

func TestRedactDSN(t *testing.T) {
	cases := map[string]string{
		"postgres://mirror:s3cret@db:5432/mirror?sslmode=disable": "postgres://mirror:%5BREDACTED%5D@db:5432/mirror?sslmode=disable",
		"host=db user=mirror password=s3cret dbname=mirror":       "host=db user=mirror password=[REDACTED] dbname=mirror",
		"file:/var/lib/mirrord/mirror.db?mode=rwc":                "file:/var/lib/mirrord/mirror.db?mode=rwc",
	}
	for in, want := range cases {
		if got := RedactDSN(in); got != want {
			t.Fatalf("RedactDSN(%q) = %q, want %q", in, got, want)
		}
	}
	if MaskValue("") != "" || MaskValue("x") != RedactedValue {
		t.Fatalf("unexpected MaskValue behaviour")
	}
}
