package inference

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docstream/ocrpipe/internal/domain"
)

func testClient(url string) *Client {
	return NewClient(Options{
		BaseURL:        url + "/v1",
		Model:          "deepseek-ai/DeepSeek-OCR",
		Prompt:         "Extract all text from this image and return it in markdown format.",
		RequestTimeout: 5 * time.Second,
	})
}

func completionBody(content string) string {
	resp := Response{
		ID: "cmpl-1",
		Choices: []Choice{{
			Message:      ChoiceMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
	}
	data, _ := json.Marshal(resp)
	return string(data)
}

func TestSubmitSuccess(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		io.WriteString(w, completionBody("# Heading\n\nbody text"))
	}))
	defer srv.Close()

	md, err := testClient(srv.URL).Submit(context.Background(), []byte("fake-jpeg"), domain.ResolutionGundam)
	require.NoError(t, err)
	assert.Equal(t, "# Heading\n\nbody text", md)

	// Request carries the model, prompt, image data URI, and preset.
	assert.Equal(t, "deepseek-ai/DeepSeek-OCR", got.Model)
	require.Len(t, got.Messages, 1)
	require.Len(t, got.Messages[0].Content, 2)
	assert.Equal(t, "text", got.Messages[0].Content[0].Type)
	assert.True(t, strings.HasPrefix(got.Messages[0].Content[1].ImageURL.URL, "data:image/jpeg;base64,"))
	assert.Equal(t, 4096, got.MaxTokens)
	assert.Equal(t, 1024, got.BaseSize)
	assert.Equal(t, 640, got.ImageSize)
	assert.True(t, got.CropMode)
}

func TestSubmitClassifiesFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    domain.ErrorKind
	}{
		{
			name: "rejected on 4xx",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "unsupported image", http.StatusBadRequest)
			},
			want: domain.KindBackendRejected,
		},
		{
			name: "error on 5xx",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "model crashed", http.StatusInternalServerError)
			},
			want: domain.KindBackendError,
		},
		{
			name: "error on malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, "{not json")
			},
			want: domain.KindBackendError,
		},
		{
			name: "error on empty choices",
			handler: func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, `{"id":"cmpl-1","choices":[]}`)
			},
			want: domain.KindBackendError,
		},
		{
			name: "error payload",
			handler: func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, `{"error":{"type":"overloaded","message":"queue full"}}`)
			},
			want: domain.KindBackendError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := testClient(srv.URL).Submit(context.Background(), []byte("img"), domain.ResolutionBase)
			require.Error(t, err)
			assert.Equal(t, tt.want, domain.KindOf(err))
		})
	}
}

func TestSubmitConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening anymore

	_, err := testClient(srv.URL).Submit(context.Background(), []byte("img"), domain.ResolutionBase)
	require.Error(t, err)
	assert.Equal(t, domain.KindBackendUnavailable, domain.KindOf(err))
	assert.True(t, IsTransient(err))
}

func TestSubmitHonorsCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server watches the connection and cancels
		// r.Context() when the client disconnects; otherwise Close deadlocks.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := testClient(srv.URL).Submit(ctx, []byte("img"), domain.ResolutionBase)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	assert.NoError(t, c.HealthCheck(context.Background()))

	srv.Close()
	err := c.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.KindBackendUnavailable, domain.KindOf(err))
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "connection reset",
			err:  domain.BackendUnavailable("backend not reachable", syscall.ECONNRESET),
			want: true,
		},
		{
			name: "connection refused",
			err:  domain.BackendUnavailable("backend not reachable", syscall.ECONNREFUSED),
			want: true,
		},
		{
			name: "stream dropped",
			err:  domain.BackendUnavailable("backend not reachable", io.ErrUnexpectedEOF),
			want: true,
		},
		{
			name: "rejected request",
			err:  domain.BackendRejected("status 400: unsupported image", nil),
			want: false,
		},
		{
			name: "backend 500",
			err:  domain.BackendError("status 500: model crashed", nil),
			want: false,
		},
		{
			name: "plain error",
			err:  errors.New("boom"),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}
