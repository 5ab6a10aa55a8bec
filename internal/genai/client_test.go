package genai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carmelita-app/backend/internal/config"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewClient(config.Config{
		GeminiAPIKey:    "test-key",
		GeminiBaseURL:   srv.URL,
		RequestTimeout:  5 * time.Second,
		PollInterval:    time.Millisecond,
		PollMaxAttempts: 10,
	}, nil)
	return client, srv
}

func TestGenerateText(t *testing.T) {
	var gotBody map[string]any
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1beta/models/gemini-2.5-flash:generateContent", r.URL.Path)
		require.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"hola "},{"text":"amiga"}]}}]}`)
	}))

	text, err := client.GenerateText(context.Background(), TextOptions{
		Model:             "gemini-2.5-flash",
		Prompt:            "saluda",
		SystemInstruction: "eres carmelita",
		JSONResponse:      false,
	})
	require.NoError(t, err)
	assert.Equal(t, "hola amiga", text)
	assert.Contains(t, gotBody, "systemInstruction")
	assert.NotContains(t, gotBody, "generationConfig")
}

func TestGenerateTextJSONModeSetsResponseMimeType(t *testing.T) {
	var gotBody generateContentRequest
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"{}"}]}}]}`)
	}))

	_, err := client.GenerateText(context.Background(), TextOptions{Model: "m", Prompt: "p", JSONResponse: true})
	require.NoError(t, err)
	require.NotNil(t, gotBody.GenerationConfig)
	assert.Equal(t, "application/json", gotBody.GenerationConfig.ResponseMimeType)
}

func TestGenerateImage(t *testing.T) {
	pixels := []byte{0x89, 0x50, 0x4e, 0x47}
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"candidates":[{"content":{"parts":[
			{"text":"here you go"},
			{"inlineData":{"mimeType":"image/png","data":%q}}
		]}}]}`, base64.StdEncoding.EncodeToString(pixels))
	}))

	image, err := client.GenerateImage(context.Background(), "gemini-2.5-flash-image", "un pastel")
	require.NoError(t, err)
	assert.Equal(t, "image/png", image.MimeType)
	assert.Equal(t, pixels, image.Data)
	assert.True(t, strings.HasPrefix(image.DataURI(), "data:image/png;base64,"))
}

func TestGenerateImageNoInlinePartFails(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"sorry, text only"}]}}]}`)
	}))

	_, err := client.GenerateImage(context.Background(), "m", "p")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no inline image")
}

func TestGenerateVideoPollsUntilDone(t *testing.T) {
	const operationName = "models/veo-3.0-generate-001/operations/op123"
	var polls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1beta/models/veo-3.0-generate-001:predictLongRunning", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Contains(t, body, "instances")
		fmt.Fprintf(w, `{"name":%q}`, operationName)
	})
	mux.HandleFunc("GET /v1beta/"+operationName, func(w http.ResponseWriter, r *http.Request) {
		// Pending three times, then done with a result URI.
		if polls.Add(1) <= 3 {
			fmt.Fprintf(w, `{"name":%q,"done":false}`, operationName)
			return
		}
		fmt.Fprintf(w, `{"name":%q,"done":true,"response":{"generateVideoResponse":{"generatedSamples":[{"video":{"uri":"https://files.example.com/video/abc"}}]}}}`, operationName)
	})

	client, _ := newTestClient(t, mux)

	uri, err := client.GenerateVideo(context.Background(), VideoOptions{
		Model:  "veo-3.0-generate-001",
		Prompt: "un anuncio de pasteles",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://files.example.com/video/abc", uri)
	assert.EqualValues(t, 4, polls.Load(), "should poll exactly until completion")
}

func TestGenerateVideoTimesOut(t *testing.T) {
	const operationName = "models/veo/operations/slow"
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1beta/models/veo:predictLongRunning", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"name":%q}`, operationName)
	})
	mux.HandleFunc("GET /v1beta/"+operationName, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"name":%q,"done":false}`, operationName)
	})

	client, _ := newTestClient(t, mux)

	_, err := client.GenerateVideo(context.Background(), VideoOptions{Model: "veo", Prompt: "p"})
	require.ErrorIs(t, err, ErrPollTimeout)
}

func TestGenerateVideoOperationError(t *testing.T) {
	const operationName = "models/veo/operations/bad"
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1beta/models/veo:predictLongRunning", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"name":%q}`, operationName)
	})
	mux.HandleFunc("GET /v1beta/"+operationName, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"name":%q,"done":true,"error":{"code":8,"message":"quota exhausted"}}`, operationName)
	})

	client, _ := newTestClient(t, mux)

	_, err := client.GenerateVideo(context.Background(), VideoOptions{Model: "veo", Prompt: "p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exhausted")
}

func TestGenerateVideoCancelledDuringPoll(t *testing.T) {
	const operationName = "models/veo/operations/hang"
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1beta/models/veo:predictLongRunning", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"name":%q}`, operationName)
	})
	mux.HandleFunc("GET /v1beta/"+operationName, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"name":%q,"done":false}`, operationName)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	client := NewClient(config.Config{
		GeminiAPIKey:    "test-key",
		GeminiBaseURL:   srv.URL,
		PollInterval:    time.Hour, // would hang without cancellation
		PollMaxAttempts: 10,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.GenerateVideo(ctx, VideoOptions{Model: "veo", Prompt: "p"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDownloadUsesAPIKeyHeader(t *testing.T) {
	client, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write([]byte("movie bytes"))
	}))

	data, contentType, err := client.Download(context.Background(), srv.URL+"/files/video1")
	require.NoError(t, err)
	assert.Equal(t, []byte("movie bytes"), data)
	assert.Equal(t, "video/mp4", contentType)
}

func TestKeyedURI(t *testing.T) {
	client := NewClient(config.Config{GeminiAPIKey: "secret123", GeminiBaseURL: "https://example.com"}, nil)

	keyed := client.KeyedURI("https://files.example.com/video/abc?alt=media")
	assert.Contains(t, keyed, "key=secret123")
	assert.Contains(t, keyed, "alt=media")
}

func TestGenerateTextUpstreamErrorSurfacesBody(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"api key not valid"}}`, http.StatusBadRequest)
	}))

	_, err := client.GenerateText(context.Background(), TextOptions{Model: "m", Prompt: "p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api key not valid")
}
