package provider

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingPolicy returns a retry policy that records requested delays
// instead of sleeping.
func recordingPolicy(delays *[]time.Duration) *RetryPolicy {
	p := DefaultRetryPolicy()
	p.Sleep = func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
	return &p
}

func newTestWhisper(t *testing.T, srv *httptest.Server, format string, delays *[]time.Duration) *WhisperProvider {
	t.Helper()
	return NewWhisperProvider(WhisperConfig{
		APIBase:        srv.URL,
		APIKey:         "sk-test",
		Model:          "whisper-1",
		ResponseFormat: format,
		Retry:          recordingPolicy(delays),
		Client:         srv.Client(),
		Logger:         testLogger(),
	})
}

func TestNormalizeAudioFilename(t *testing.T) {
	cases := map[string]string{
		"voice.oga":  "voice.ogg",
		"voice.OPUS": "voice.ogg",
		"song.wma":   "song.mp3",
		"clip.aac":   "clip.m4a",
		"movie.3gp":  "movie.mp4",
		"note.mp3":   "note.mp3",
		"audio":      "audio.ogg",
		"voice_12":   "voice_12.ogg",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeAudioFilename(in), in)
	}
}

func TestAudioMIMEType(t *testing.T) {
	cases := map[string]string{
		"a.flac": "audio/flac",
		"a.m4a":  "audio/mp4",
		"a.mp3":  "audio/mpeg",
		"a.mpga": "audio/mpeg",
		"a.mp4":  "audio/mp4",
		"a.ogg":  "audio/ogg",
		"a.wav":  "audio/wav",
		"a.webm": "audio/webm",
		"a.xyz":  "application/octet-stream",
	}
	for in, want := range cases {
		assert.Equal(t, want, AudioMIMEType(in), in)
	}
}

func TestWhisper_SendsMultipartForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/audio/transcriptions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		assert.Equal(t, "json", r.FormValue("response_format"))

		file, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "voice.ogg", hdr.Filename)
		assert.Equal(t, "audio/ogg", hdr.Header.Get("Content-Type"))
		data, _ := io.ReadAll(file)
		assert.Equal(t, "OggS", string(data))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"  hello there ","language":"en","duration":1.5}`))
	}))
	defer srv.Close()

	var delays []time.Duration
	wp := newTestWhisper(t, srv, FormatJSON, &delays)
	res, err := wp.Transcribe(context.Background(), []byte("OggS"), "voice.oga")
	require.NoError(t, err)
	assert.Equal(t, "hello there", res.Text)
	assert.Equal(t, "en", res.Language)
	assert.InDelta(t, 1.5, res.Duration, 0.001)
	assert.Empty(t, delays)
}

func TestWhisper_TextFormat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("plain transcript\n"))
	}))
	defer srv.Close()

	var delays []time.Duration
	wp := newTestWhisper(t, srv, FormatText, &delays)
	res, err := wp.Transcribe(context.Background(), []byte("data"), "a.mp3")
	require.NoError(t, err)
	assert.Equal(t, "plain transcript", res.Text)
}

func TestWhisper_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"text":"ok"}`))
	}))
	defer srv.Close()

	var delays []time.Duration
	wp := newTestWhisper(t, srv, FormatJSON, &delays)
	res, err := wp.Transcribe(context.Background(), []byte("data"), "a.ogg")
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
}

func TestWhisper_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	var delays []time.Duration
	wp := newTestWhisper(t, srv, FormatJSON, &delays)
	_, err := wp.Transcribe(context.Background(), []byte("data"), "a.ogg")
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusTooManyRequests))
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, delays)
}

func TestWhisper_NonRetryableStatusFailsFast(t *testing.T) {
	for _, code := range []int{http.StatusBadRequest, http.StatusUnauthorized} {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			http.Error(w, "nope", code)
		}))

		var delays []time.Duration
		wp := newTestWhisper(t, srv, FormatJSON, &delays)
		_, err := wp.Transcribe(context.Background(), []byte("data"), "a.ogg")
		srv.Close()

		require.Error(t, err)
		assert.True(t, IsStatus(err, code))
		assert.Contains(t, err.Error(), "nope")
		assert.Equal(t, int32(1), calls.Load())
		assert.Empty(t, delays)
	}
}

func TestWhisper_EmptyAudio(t *testing.T) {
	wp := NewWhisperProvider(WhisperConfig{Logger: testLogger()})
	_, err := wp.Transcribe(context.Background(), nil, "a.ogg")
	assert.ErrorIs(t, err, ErrNoAudio)
}

func TestWhisper_CancelledContextStopsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	policy := DefaultRetryPolicy()
	policy.Sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}
	wp := NewWhisperProvider(WhisperConfig{APIBase: srv.URL, Retry: &policy, Client: srv.Client(), Logger: testLogger()})
	_, err := wp.Transcribe(ctx, []byte("data"), "a.ogg")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, time.Duration(0), p.Delay(0))
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
}
