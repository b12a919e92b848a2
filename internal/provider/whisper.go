package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chatrelay/internal/domain"
)

// ErrNoAudio is returned when Transcribe is called with an empty buffer.
var ErrNoAudio = errors.New("no audio data")

const (
	defaultWhisperBase    = "https://api.openai.com/v1"
	defaultWhisperModel   = "whisper-1"
	defaultWhisperTimeout = 120 * time.Second
)

// Response formats understood by the transcription endpoint.
const (
	FormatJSON        = "json"
	FormatVerboseJSON = "verbose_json"
	FormatText        = "text"
)

// Extensions the API rejects although the codec inside is supported.
var extensionAliases = map[string]string{
	".oga":  ".ogg",
	".opus": ".ogg",
	".wma":  ".mp3",
	".aac":  ".m4a",
	".3gp":  ".mp4",
}

var audioMIMETypes = map[string]string{
	".flac": "audio/flac",
	".m4a":  "audio/mp4",
	".mp3":  "audio/mpeg",
	".mp4":  "audio/mp4",
	".mpeg": "audio/mpeg",
	".mpga": "audio/mpeg",
	".ogg":  "audio/ogg",
	".wav":  "audio/wav",
	".webm": "audio/webm",
}

// WhisperConfig configures the Whisper speech-to-text provider.
type WhisperConfig struct {
	APIBase        string // e.g. "https://api.groq.com/openai/v1" or "https://api.openai.com/v1"
	APIKey         string
	Model          string // e.g. "whisper-large-v3" (Groq) or "whisper-1" (OpenAI)
	Language       string // optional ISO-639-1 hint
	ResponseFormat string // json (default), verbose_json or text
	Timeout        time.Duration
	Retry          *RetryPolicy
	Client         *http.Client
	Logger         *slog.Logger
}

// WhisperProvider transcribes audio through an OpenAI-compatible
// /audio/transcriptions endpoint.
type WhisperProvider struct {
	apiBase  string
	apiKey   string
	model    string
	language string
	format   string
	retry    RetryPolicy
	client   *http.Client
	logger   *slog.Logger
}

var _ domain.Transcriber = (*WhisperProvider)(nil)

func NewWhisperProvider(cfg WhisperConfig) *WhisperProvider {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultWhisperBase
	}
	if cfg.Model == "" {
		cfg.Model = defaultWhisperModel
	}
	if cfg.ResponseFormat == "" {
		cfg.ResponseFormat = FormatJSON
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWhisperTimeout
	}
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(cfg.Timeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	retry := DefaultRetryPolicy()
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}
	return &WhisperProvider{
		apiBase:  strings.TrimRight(cfg.APIBase, "/"),
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		language: cfg.Language,
		format:   cfg.ResponseFormat,
		retry:    retry,
		client:   cfg.Client,
		logger:   cfg.Logger,
	}
}

// NormalizeAudioFilename rewrites extensions the API does not accept to an
// equivalent accepted one. Names without an extension get ".ogg".
func NormalizeAudioFilename(name string) string {
	ext := filepath.Ext(name)
	if ext == "" {
		return name + ".ogg"
	}
	if alias, ok := extensionAliases[strings.ToLower(ext)]; ok {
		return strings.TrimSuffix(name, ext) + alias
	}
	return name
}

// AudioMIMEType returns the MIME type for the file extension, or
// application/octet-stream when unknown.
func AudioMIMEType(name string) string {
	if mt, ok := audioMIMETypes[strings.ToLower(filepath.Ext(name))]; ok {
		return mt
	}
	return "application/octet-stream"
}

// Transcribe converts audio to text. filename should carry the extension of
// the original file (e.g. "voice_12.oga").
func (w *WhisperProvider) Transcribe(ctx context.Context, audio []byte, filename string) (*domain.TranscriptionResult, error) {
	if len(audio) == 0 {
		return nil, ErrNoAudio
	}
	if filename == "" {
		filename = "audio"
	}
	filename = NormalizeAudioFilename(filename)

	body, contentType, err := w.buildForm(audio, filename)
	if err != nil {
		return nil, err
	}

	url := w.apiBase + "/audio/transcriptions"
	start := time.Now()
	resp, err := doWithRetry(ctx, w.client, w.retry, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		if w.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+w.apiKey)
		}
		return req, nil
	}, w.logger)
	if err != nil {
		return nil, fmt.Errorf("whisper transcription: %w", err)
	}
	defer resp.Body.Close()

	result, err := w.parse(resp.Body)
	if err != nil {
		return nil, err
	}

	w.logger.Info("transcription complete",
		"file", filename,
		"text_len", len(result.Text),
		"language", result.Language,
		"duration", result.Duration,
		"latency", time.Since(start),
	)
	return result, nil
}

func (w *WhisperProvider) buildForm(audio []byte, filename string) ([]byte, string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	h.Set("Content-Type", AudioMIMEType(filename))
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return nil, "", fmt.Errorf("write audio data: %w", err)
	}

	fields := [][2]string{{"model", w.model}, {"response_format", w.format}}
	if w.language != "" {
		fields = append(fields, [2]string{"language", w.language})
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", f[0], err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return body.Bytes(), mw.FormDataContentType(), nil
}

func (w *WhisperProvider) parse(r io.Reader) (*domain.TranscriptionResult, error) {
	if w.format == FormatText {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("read whisper response: %w", err)
		}
		return &domain.TranscriptionResult{Text: strings.TrimSpace(string(data))}, nil
	}
	var result domain.TranscriptionResult
	if err := json.NewDecoder(r).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode whisper response: %w", err)
	}
	result.Text = strings.TrimSpace(result.Text)
	return &result, nil
}

// TranscribeFile reads path and transcribes it with t.
func TranscribeFile(ctx context.Context, t domain.Transcriber, path string) (*domain.TranscriptionResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read audio file: %w", err)
	}
	return t.Transcribe(ctx, data, filepath.Base(path))
}
