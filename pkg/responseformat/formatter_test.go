package responseformat

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vmihailenco/msgpack/v5"
)

type payload struct {
	Channel      string  `json:"channel"`
	TemperatureC float64 `json:"temperature_c"`
}

func TestWriteResponse(t *testing.T) {
	want := payload{Channel: "ch1", TemperatureC: 19.5}

	tests := []struct {
		name        string
		target      string
		accept      string
		contentType string
	}{
		{"default json", "/api/current", "", ContentTypeJSON},
		{"query msgpack", "/api/current?format=msgpack", "", ContentTypeMsgPack},
		{"accept msgpack", "/api/current", ContentTypeMsgPack, ContentTypeMsgPack},
		{"unknown format", "/api/current?format=xml", "", ContentTypeJSON},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.accept != "" {
				req.Header.Set("Accept", tt.accept)
			}
			rec := httptest.NewRecorder()
			if err := NewFormatter().WriteResponse(rec, req, http.StatusCreated, want); err != nil {
				t.Fatalf("WriteResponse() error: %v", err)
			}
			if rec.Code != http.StatusCreated {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusCreated)
			}
			if got := rec.Header().Get("Content-Type"); got != tt.contentType {
				t.Fatalf("Content-Type = %q, want %q", got, tt.contentType)
			}

			var got payload
			if tt.contentType == ContentTypeMsgPack {
				dec := msgpack.NewDecoder(rec.Body)
				dec.SetCustomStructTag("json")
				if err := dec.Decode(&got); err != nil {
					t.Fatalf("decoding msgpack: %v", err)
				}
			} else if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
				t.Fatalf("decoding json: %v", err)
			}
			if got != want {
				t.Errorf("decoded %+v, want %+v", got, want)
			}
		})
	}
}
