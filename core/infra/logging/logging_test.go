package logging

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func capture(t *testing.T, fn func()) string {
	t.Helper()
	var buf bytes.Buffer
	origOutput := log.Writer()
	origFlags := log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(origOutput)
		log.SetFlags(origFlags)
	})
	fn()
	return buf.String()
}

func TestInfoFormatsFields(t *testing.T) {
	out := capture(t, func() {
		Info("storage", "artifact written", "id", "smt-20260101-00000001", "bytes", 512)
	})
	if !strings.Contains(out, "[STORAGE] artifact written id=smt-20260101-00000001 bytes=512") {
		t.Fatalf("unexpected log output: %q", out)
	}
}

func TestErrorPrefix(t *testing.T) {
	out := capture(t, func() {
		Error("catalog", "upsert failed", "error", "boom")
	})
	if !strings.Contains(out, "[CATALOG] ERROR upsert failed error=boom") {
		t.Fatalf("unexpected log output: %q", out)
	}
}

func TestOddFieldCount(t *testing.T) {
	out := capture(t, func() {
		Info("backup", "scheduled", "site")
	})
	if !strings.Contains(out, "site=(missing)") {
		t.Fatalf("expected missing marker, got %q", out)
	}
}
