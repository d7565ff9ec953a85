package httputil

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()

	err := WriteJSON(w, http.StatusOK, map[string]string{"message": "success"})

	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"message":"success"}`, w.Body.String())
}

func TestErrorWriters(t *testing.T) {
	tests := []struct {
		name   string
		write  func(w http.ResponseWriter)
		status int
		body   string
	}{
		{"bad request", func(w http.ResponseWriter) { WriteBadRequest(w, "slug is required") }, http.StatusBadRequest, `{"error":"slug is required"}`},
		{"unauthorized", func(w http.ResponseWriter) { WriteUnauthorized(w, "missing token") }, http.StatusUnauthorized, `{"error":"missing token"}`},
		{"forbidden", func(w http.ResponseWriter) { WriteForbidden(w, "outside plugin") }, http.StatusForbidden, `{"error":"outside plugin"}`},
		{"not found", func(w http.ResponseWriter) { WriteNotFoundError(w, "Plugin not found") }, http.StatusNotFound, `{"error":"Plugin not found"}`},
		{"too many", func(w http.ResponseWriter) { WriteTooManyRequests(w, "slow down") }, http.StatusTooManyRequests, `{"error":"slow down"}`},
		{"internal", WriteInternalError, http.StatusInternalServerError, `{"error":"internal server error"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.write(w)
			assert.Equal(t, tt.status, w.Code)
			assert.JSONEq(t, tt.body, w.Body.String())
		})
	}
}

func TestWriteNoContent(t *testing.T) {
	w := httptest.NewRecorder()
	WriteNoContent(w)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())
}
