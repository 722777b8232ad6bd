package faceclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendgate/internal/attendance"
)

func embedServer(t *testing.T, status int, body any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/embed", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		_, _, err := r.FormFile("image")
		require.NoError(t, err)

		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
}

func TestExtract(t *testing.T) {
	srv := embedServer(t, http.StatusOK, map[string]any{
		"embedding":      []float32{0.5, 0.25, 0.125},
		"faces_detected": 1,
	})
	defer srv.Close()

	c := New(srv.URL, false)
	embedding, err := c.Extract(context.Background(), []byte("jpeg-bytes"))
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.25, 0.125}, embedding)
}

func TestExtractNoFace(t *testing.T) {
	srv := embedServer(t, http.StatusOK, map[string]any{
		"embedding":      []float32{},
		"faces_detected": 0,
	})
	defer srv.Close()

	c := New(srv.URL, false)
	_, err := c.Extract(context.Background(), []byte("jpeg-bytes"))
	assert.Equal(t, attendance.KindNoFaceDetected, attendance.KindOf(err))
}

func TestExtractFaceWithoutEmbedding(t *testing.T) {
	srv := embedServer(t, http.StatusOK, map[string]any{
		"embedding":      []float32{},
		"faces_detected": 1,
	})
	defer srv.Close()

	c := New(srv.URL, false)
	_, err := c.Extract(context.Background(), []byte("jpeg-bytes"))
	assert.Equal(t, attendance.KindExtractionFailed, attendance.KindOf(err))
}

func TestExtractServiceError(t *testing.T) {
	srv := embedServer(t, http.StatusInternalServerError, map[string]any{"error": "boom"})
	defer srv.Close()

	c := New(srv.URL, false)
	_, err := c.Extract(context.Background(), []byte("jpeg-bytes"))
	assert.Equal(t, attendance.KindExtractionFailed, attendance.KindOf(err))
}

func TestExtractEmptyImage(t *testing.T) {
	c := New("http://unused", false)
	_, err := c.Extract(context.Background(), nil)
	assert.Equal(t, attendance.KindNoFaceDetected, attendance.KindOf(err))
}

func TestExtractSkipMode(t *testing.T) {
	c := New("http://unused", true)
	embedding, err := c.Extract(context.Background(), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, embedding)
}
