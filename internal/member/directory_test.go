package member

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	logx "abot/pkg/logx"
)

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "members.yaml")
	body := "members:\n  node7:\n    name: Node Seven\n  amforc:\n    details:\n      name: Amforc AG\n  bare: null\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	d, err := Load(context.Background(), Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := d.IDs(); !reflect.DeepEqual(got, []string{"amforc", "bare", "node7"}) {
		t.Fatalf("IDs=%v", got)
	}
	m, ok := d.Lookup("node7")
	if !ok || m.Name != "Node Seven" {
		t.Fatalf("Lookup node7=%+v,%v", m, ok)
	}
	if m, _ := d.Lookup("amforc"); m.Name != "Amforc AG" {
		t.Fatalf("details.name not used: %+v", m)
	}
	if m, _ := d.Lookup("bare"); m.Name != "bare" {
		t.Fatalf("name should default to id: %+v", m)
	}
}

func TestLoadFromURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"members":{"stake_plus":{"name":"Stake Plus"},"node7":{}}}`))
	}))
	defer srv.Close()

	d, err := Load(context.Background(), Config{URL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !d.Contains("stake_plus") || !d.Contains(" node7 ") {
		t.Fatalf("members missing: %v", d.IDs())
	}
	if d.Contains("node8") {
		t.Fatalf("unexpected member")
	}
}

func TestLoadErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.json")
	_ = os.WriteFile(empty, []byte(`{"members":{}}`), 0o600)
	list := filepath.Join(dir, "list.json")
	_ = os.WriteFile(list, []byte(`{"members":["a","b"]}`), 0o600)

	cases := []struct {
		name string
		cfg  Config
	}{
		{"no source", Config{}},
		{"missing file", Config{Path: filepath.Join(dir, "missing.json")}},
		{"empty", Config{Path: empty}},
		{"bad status", Config{URL: srv.URL}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(context.Background(), tc.cfg, logx.Nop()); err == nil {
				t.Fatalf("expected error")
			}
		})
	}

	d, err := Load(context.Background(), Config{Path: list}, logx.Nop())
	if err != nil || d.Len() != 2 {
		t.Fatalf("list form: %v len=%d", err, d.Len())
	}
}

func TestNilDirectoryIsEmpty(t *testing.T) {
	var d *Directory
	if d.Contains("x") || d.Len() != 0 || d.IDs() != nil {
		t.Fatalf("nil directory should be empty")
	}
}
