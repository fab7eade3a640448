package tracing

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestInitDisabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitUnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), Options{Enabled: true, Exporter: "carrier-pigeon"}); err == nil {
		t.Fatal("unknown exporter accepted")
	}
}

func TestStdoutExporterRecordsOperation(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Init(context.Background(), Options{
		Enabled:     true,
		Exporter:    ExporterStdout,
		SampleRatio: 1,
		Writer:      &buf,
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { Init(context.Background(), Options{}) })

	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		SetOperation(r.Context(), "GetObject")
		w.WriteHeader(http.StatusNotFound)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/bucket/key", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"Name":"GetObject"`) {
		t.Errorf("exported span lacks the operation name: %s", out)
	}
	if !strings.Contains(out, "http.response.status_code") {
		t.Errorf("exported span lacks the status attribute: %s", out)
	}
}

func TestStripScheme(t *testing.T) {
	tests := []struct {
		in, want string
		insecure bool
	}{
		{"collector:4317", "collector:4317", false},
		{"http://collector:4318", "collector:4318", true},
		{"HTTPS://collector:4318", "collector:4318", false},
		{"localhost:4317", "localhost:4317", true},
	}
	for _, tt := range tests {
		if got := stripScheme(tt.in); got != tt.want {
			t.Errorf("stripScheme(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if got := isInsecure(tt.in); got != tt.insecure {
			t.Errorf("isInsecure(%q) = %v, want %v", tt.in, got, tt.insecure)
		}
	}
}
