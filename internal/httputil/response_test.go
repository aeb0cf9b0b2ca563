package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusCreated, map[string]int{"rows": 3})

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var got map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["rows"] != 3 {
		t.Errorf("rows = %d, want 3", got["rows"])
	}
}

func TestInternalError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"with error", errors.New("disk full"), "backup failed: disk full"},
		{"nil error", nil, "backup failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			InternalError(rec, "backup failed", tt.err)
			if rec.Code != http.StatusInternalServerError {
				t.Errorf("status = %d", rec.Code)
			}
			var got map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got["error"] != tt.want {
				t.Errorf("error = %q, want %q", got["error"], tt.want)
			}
		})
	}
}
