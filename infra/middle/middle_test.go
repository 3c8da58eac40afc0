package middle

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{
			name:    "X-Forwarded-For single",
			headers: map[string]string{"X-Forwarded-For": "203.0.113.7"},
			remote:  "10.0.0.1:1234",
			want:    "203.0.113.7",
		},
		{
			name:    "X-Forwarded-For chain uses first",
			headers: map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.2"},
			remote:  "10.0.0.1:1234",
			want:    "203.0.113.7",
		},
		{
			name:    "X-Real-IP",
			headers: map[string]string{"X-Real-IP": "203.0.113.8"},
			remote:  "10.0.0.1:1234",
			want:    "203.0.113.8",
		},
		{
			name:   "RemoteAddr fallback",
			remote: "203.0.113.9:5678",
			want:   "203.0.113.9",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, GetClientIP(r))
		})
	}
}

func TestGatewayIPWhitelist(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("Empty whitelist allows all", func(t *testing.T) {
		handler := GatewayIPWhitelist("")(next)
		r := httptest.NewRequest(http.MethodPost, "/callback/freekassa", nil)
		r.RemoteAddr = "203.0.113.7:1234"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("Whitelisted IP allowed", func(t *testing.T) {
		handler := GatewayIPWhitelist("168.119.157.136, 168.119.60.227")(next)
		r := httptest.NewRequest(http.MethodPost, "/callback/freekassa", nil)
		r.RemoteAddr = "168.119.60.227:1234"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("Other IP rejected", func(t *testing.T) {
		handler := GatewayIPWhitelist("168.119.157.136")(next)
		r := httptest.NewRequest(http.MethodPost, "/callback/freekassa", nil)
		r.RemoteAddr = "203.0.113.7:1234"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}
