package provider

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/domain"
)

type stubProvider struct {
	name  string
	err   error
	reply string
	calls atomic.Int32
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Healthy(context.Context) error { return s.err }

func (s *stubProvider) Chat(ctx context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return &domain.ChatResponse{Content: s.reply}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func chain(ps ...*stubProvider) *FailoverProvider {
	members := make([]domain.Provider, len(ps))
	for i, p := range ps {
		members[i] = p
	}
	return NewFailoverProvider(members, testLogger())
}

func TestFailover_Chat(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name      string
		providers []*stubProvider
		want      string
		wantErr   bool
	}{
		{
			name:      "primary answers",
			providers: []*stubProvider{{name: "a", reply: "from a"}, {name: "b", reply: "from b"}},
			want:      "from a",
		},
		{
			name:      "falls back on error",
			providers: []*stubProvider{{name: "a", err: boom}, {name: "b", reply: "from b"}},
			want:      "from b",
		},
		{
			name:      "all fail",
			providers: []*stubProvider{{name: "a", err: boom}, {name: "b", err: errors.New("down")}},
			wantErr:   true,
		},
		{
			name:    "empty chain",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := chain(tt.providers...).Chat(context.Background(), domain.ChatRequest{})
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.Content)
		})
	}
}

func TestFailover_AllFailJoinsErrors(t *testing.T) {
	first := errors.New("first down")
	second := &StatusError{StatusCode: 503, Body: "busy"}
	fp := chain(&stubProvider{name: "a", err: first}, &stubProvider{name: "b", err: second})

	_, err := fp.Chat(context.Background(), domain.ChatRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, first)
	assert.True(t, IsStatus(err, 503))
	assert.Contains(t, err.Error(), "a: first down")
}

func TestFailover_FailedMemberCoolsDown(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	primary := &stubProvider{name: "primary", err: errors.New("timeout")}
	backup := &stubProvider{name: "backup", reply: "ok"}
	fp := chain(primary, backup)
	fp.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		resp, err := fp.Chat(context.Background(), domain.ChatRequest{})
		require.NoError(t, err)
		assert.Equal(t, "ok", resp.Content)
	}
	assert.Equal(t, int32(1), primary.calls.Load(), "primary is skipped while cooling down")

	// Once the cooldown lapses and the primary recovers it leads again.
	now = now.Add(defaultFailoverCooldown + time.Second)
	primary.err = nil
	primary.reply = "primary back"
	resp, err := fp.Chat(context.Background(), domain.ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "primary back", resp.Content)
	assert.Equal(t, int32(3), backup.calls.Load())
}

func TestFailover_CoolingMemberStillTriedLast(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a := &stubProvider{name: "a", err: errors.New("down")}
	b := &stubProvider{name: "b", err: errors.New("down")}
	fp := chain(a, b)
	fp.now = func() time.Time { return now }

	_, err := fp.Chat(context.Background(), domain.ChatRequest{})
	require.Error(t, err)

	a.err = nil
	a.reply = "a recovered"
	resp, err := fp.Chat(context.Background(), domain.ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "a recovered", resp.Content)
}

func TestFailover_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p1 := &stubProvider{name: "p1", err: context.Canceled}
	p2 := &stubProvider{name: "p2", reply: "late"}

	_, err := chain(p1, p2).Chat(ctx, domain.ChatRequest{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, p2.calls.Load(), "no fallback after cancellation")
}

func TestFailover_Healthy(t *testing.T) {
	sick := &stubProvider{name: "sick", err: errors.New("unhealthy")}
	well := &stubProvider{name: "well"}

	assert.NoError(t, chain(sick, well).Healthy(context.Background()))

	err := chain(sick, &stubProvider{name: "sick2", err: errors.New("refused")}).Healthy(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sick2: refused")
}

func TestFailover_Name(t *testing.T) {
	fp := chain(&stubProvider{name: "ollama"}, &stubProvider{name: "openai"})
	assert.Equal(t, "failover(ollama→openai)", fp.Name())
}
