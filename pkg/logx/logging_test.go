package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestLoggerWithFieldsIsJSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))
	log.Info("hello", Int("n", 3), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if m["comp"] != "test" || m["message"] != "hello" {
		t.Fatalf("unexpected fields: %v", m)
	}
	if m["n"] != float64(3) {
		t.Fatalf("n = %v, want 3", m["n"])
	}
}

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info line written at warn level: %q", buf.String())
	}
	if !log.Enabled(LevelError) || log.Enabled(LevelDebug) {
		t.Fatalf("Enabled does not follow configured level")
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Error("nothing happens")
}

func TestFormatChatLineSortsFields(t *testing.T) {
	line := []byte(`{"level":"error","message":"send failed","zeta":1,"alpha":"x","time":"t"}`)
	got := formatChatLine(line)
	if !strings.HasPrefix(got, "[ERROR] send failed") {
		t.Fatalf("unexpected header: %q", got)
	}
	if strings.Index(got, "alpha=") > strings.Index(got, "zeta=") {
		t.Fatalf("fields not sorted: %q", got)
	}
	if strings.Contains(got, "time=") {
		t.Fatalf("time should be omitted: %q", got)
	}
}
