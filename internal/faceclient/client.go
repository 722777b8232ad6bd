package faceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"attendgate/internal/attendance"
)

// Client calls the face recognition microservice. The service owns detection
// and embedding extraction; matching stays in-process.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client with configurable timeout.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 30 * time.Second, // Face processing can take time
		},
	}
}

// mockEmbedding is returned in Skip mode so the pipeline can run without the
// face service during local dev.
var mockEmbedding = []float32{0.1, 0.2, 0.3}

// Extract sends raw image bytes to the face service and returns the embedding
// for the single detected face. Failures map onto the verification taxonomy:
// no face in the image vs. a face the service could not encode.
func (c *Client) Extract(ctx context.Context, image []byte) ([]float32, error) {
	if c.Skip {
		return append([]float32(nil), mockEmbedding...), nil
	}
	if len(image) == 0 {
		return nil, attendance.Errf(attendance.KindNoFaceDetected, "empty image")
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", "capture.jpg")
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(image); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/embed", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, attendance.Errf(attendance.KindExtractionFailed, "face service request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, attendance.Errf(attendance.KindExtractionFailed, "face service error %s: %s", resp.Status, string(bodyBytes))
	}

	var out struct {
		Embedding     []float32 `json:"embedding"`
		FacesDetected int       `json:"faces_detected"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, attendance.Errf(attendance.KindExtractionFailed, "failed to decode response: %v", err)
	}
	if out.FacesDetected == 0 {
		return nil, attendance.Errf(attendance.KindNoFaceDetected, "no face detected in image")
	}
	if len(out.Embedding) == 0 {
		return nil, attendance.Errf(attendance.KindExtractionFailed, "face detected but no embedding returned")
	}
	return out.Embedding, nil
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}

	return nil
}
