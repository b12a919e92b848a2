package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"chatrelay/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newTestWebhook(secret string) *Webhook {
	w := NewWebhook("hook", testLogger())
	w.configure(domain.ChannelConfig{Token: secret})
	return w
}

func TestVerifyHMAC_Valid(t *testing.T) {
	body := []byte(`{"content":"hello"}`)
	if !verifyHMAC(body, "test-secret", signHMAC(body, "test-secret")) {
		t.Error("valid HMAC should verify")
	}
}

func TestVerifyHMAC_Invalid(t *testing.T) {
	if verifyHMAC([]byte("body"), "secret", "sha256=invalid") {
		t.Error("invalid HMAC should not verify")
	}
}

func TestVerifyHMAC_Empty(t *testing.T) {
	if verifyHMAC([]byte("body"), "secret", "") {
		t.Error("empty signature should not verify")
	}
}

func TestSplitMessage_Short(t *testing.T) {
	chunks := splitMessage("short message", 100)
	if len(chunks) != 1 {
		t.Errorf("expected 1 chunk, got %d", len(chunks))
	}
}

func TestSplitMessage_Long(t *testing.T) {
	long := ""
	for i := 0; i < 100; i++ {
		long += "word "
	}
	chunks := splitMessage(long, 50)
	if len(chunks) < 2 {
		t.Errorf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 50 {
			t.Errorf("chunk %d too long: %d", i, len(c))
		}
	}
}

func TestSplitMessage_Empty(t *testing.T) {
	chunks := splitMessage("", 100)
	if len(chunks) != 1 {
		t.Errorf("expected 1 chunk for empty, got %d", len(chunks))
	}
}

func TestWebhookHandler_MethodNotAllowed(t *testing.T) {
	w := newTestWebhook("")
	rr := httptest.NewRecorder()
	w.handleWebhook(rr, httptest.NewRequest("GET", "/webhook", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestWebhookHandler_EmptyContent(t *testing.T) {
	w := newTestWebhook("")
	rr := httptest.NewRecorder()
	w.handleWebhook(rr, httptest.NewRequest("POST", "/webhook", bytes.NewBufferString(`{"chat_id":"c1","content":""}`)))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestWebhookHandler_InvalidJSON(t *testing.T) {
	w := newTestWebhook("")
	rr := httptest.NewRecorder()
	w.handleWebhook(rr, httptest.NewRequest("POST", "/webhook", bytes.NewBufferString("not json")))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestWebhookHandler_MissingSignature(t *testing.T) {
	w := newTestWebhook("my-secret")
	rr := httptest.NewRecorder()
	w.handleWebhook(rr, httptest.NewRequest("POST", "/webhook", bytes.NewBufferString(`{"content":"hello"}`)))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestWebhookHandler_InvalidSignature(t *testing.T) {
	w := newTestWebhook("my-secret")
	req := httptest.NewRequest("POST", "/webhook", bytes.NewBufferString(`{"content":"hello"}`))
	req.Header.Set(signatureHeader, "sha256=invalid")
	rr := httptest.NewRecorder()
	w.handleWebhook(rr, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestWebhookHandler_EmitsMessage(t *testing.T) {
	w := newTestWebhook("my-secret")
	var got []*domain.ChannelMessage
	w.On(domain.EventMessage, func(_ context.Context, ev domain.Event) {
		got = append(got, ev.Message)
	})

	body := []byte(`{"id":"m1","chat_id":"room-7","user_id":"u1","content":"listen",` +
		`"attachments":[{"type":"voice","data":"AQID","mime_type":"audio/ogg","file_name":"note.oga"}]}`)
	req := httptest.NewRequest("POST", "/webhook", bytes.NewReader(body))
	req.Header.Set(signatureHeader, signHMAC(body, "my-secret"))
	rr := httptest.NewRecorder()
	w.handleWebhook(rr, req)

	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Len(t, got, 1)
	msg := got[0]
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "hook", msg.ChannelID)
	assert.Equal(t, "hook:room-7", msg.RoutingKey())
	assert.Equal(t, domain.MessageVoice, msg.MessageType)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, []byte{1, 2, 3}, msg.Attachments[0].Data)
	assert.Equal(t, "note.oga", msg.Attachments[0].FileName)
}

func TestWebhookHandler_AllowList(t *testing.T) {
	w := NewWebhook("hook", testLogger())
	w.configure(domain.ChannelConfig{AllowFrom: []string{"alice"}})
	emitted := 0
	w.On(domain.EventMessage, func(context.Context, domain.Event) { emitted++ })

	rr := httptest.NewRecorder()
	w.handleWebhook(rr, httptest.NewRequest("POST", "/webhook", bytes.NewBufferString(`{"user_id":"mallory","content":"hi"}`)))
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Zero(t, emitted)
}

func TestWebhookSendText_PostsSignedReply(t *testing.T) {
	var gotSig string
	var reply WebhookReply
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotSig = r.Header.Get(signatureHeader)
		_ = json.Unmarshal(body, &reply)
		if !verifyHMAC(body, "s3cret", gotSig) {
			rw.WriteHeader(http.StatusForbidden)
			return
		}
		rw.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhook("hook", testLogger())
	w.configure(domain.ChannelConfig{Token: "s3cret", Extra: map[string]string{"callbackUrl": srv.URL}})

	id, err := w.SendText(context.Background(), "room-7", "hello back", domain.SendOptions{ReplyToID: "m1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, reply.ID)
	assert.Equal(t, "room-7", reply.ChatID)
	assert.Equal(t, "hello back", reply.Content)
	assert.Equal(t, "m1", reply.ReplyTo)
}

func TestWebhookSendText_NoCallback(t *testing.T) {
	w := newTestWebhook("")
	_, err := w.SendText(context.Background(), "c", "x", domain.SendOptions{})
	assert.Error(t, err)
}

func TestWebhookDownloadAttachment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "audio/mpeg")
		_, _ = rw.Write([]byte("mp3-bytes"))
	}))
	defer srv.Close()

	w := newTestWebhook("")
	f, err := w.DownloadAttachment(context.Background(), domain.ChannelAttachment{URL: srv.URL + "/a.mp3", FileName: "a.mp3"})
	require.NoError(t, err)
	assert.Equal(t, []byte("mp3-bytes"), f.Data)
	assert.Equal(t, "audio/mpeg", f.MimeType)

	f, err = w.DownloadAttachment(context.Background(), domain.ChannelAttachment{Data: []byte("x"), FileName: "x.ogg"})
	require.NoError(t, err)
	assert.Equal(t, "x.ogg", f.FileName)

	_, err = w.DownloadAttachment(context.Background(), domain.ChannelAttachment{})
	assert.Error(t, err)
}
