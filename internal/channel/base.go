package channel

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"chatrelay/internal/domain"
)

// Base carries the state every adapter shares: identity, connection flag,
// the allow list and the event emitter. Adapters embed it.
type Base struct {
	*Emitter

	id        string
	kind      string
	connected atomic.Bool
	allowFrom map[string]struct{}
	logger    *slog.Logger
}

// NewBase returns a Base for a channel with the given id and provider type.
func NewBase(id, kind string, logger *slog.Logger) *Base {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("channel", id)
	return &Base{
		Emitter: NewEmitter(logger),
		id:      id,
		kind:    kind,
		logger:  logger,
	}
}

func (b *Base) ID() string      { return b.id }
func (b *Base) Type() string    { return b.kind }
func (b *Base) Connected() bool { return b.connected.Load() }

// SetConnected flips the connection flag and emits connected/disconnected
// when the state actually changes.
func (b *Base) SetConnected(ctx context.Context, v bool) {
	if b.connected.Swap(v) == v {
		return
	}
	ev := domain.EventDisconnected
	if v {
		ev = domain.EventConnected
	}
	b.Emit(ctx, domain.Event{Type: ev})
}

// SetAllowFrom replaces the allow list. An empty list allows everyone.
func (b *Base) SetAllowFrom(ids []string) {
	allowed := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			allowed[id] = struct{}{}
		}
	}
	b.allowFrom = allowed
}

// IsAllowed reports whether any of the sender identifiers is on the allow list.
func (b *Base) IsAllowed(senderIDs ...string) bool {
	if len(b.allowFrom) == 0 {
		return true
	}
	for _, id := range senderIDs {
		if _, ok := b.allowFrom[strings.TrimPrefix(id, "@")]; ok && id != "" {
			return true
		}
	}
	return false
}

// Logger returns the channel-scoped logger.
func (b *Base) Logger() *slog.Logger { return b.logger }

// readLocalAttachment resolves attachments that carry inline data or a local path.
// ok is false when the attachment must be fetched from the provider.
func readLocalAttachment(att domain.ChannelAttachment) (*domain.DownloadedFile, bool, error) {
	switch {
	case len(att.Data) > 0:
		return &domain.DownloadedFile{Data: att.Data, MimeType: att.MimeType, FileName: att.FileName}, true, nil
	case att.LocalPath != "":
		data, err := os.ReadFile(att.LocalPath)
		if err != nil {
			return nil, true, fmt.Errorf("read attachment %s: %w", att.LocalPath, err)
		}
		name := att.FileName
		if name == "" {
			name = filepath.Base(att.LocalPath)
		}
		return &domain.DownloadedFile{Data: data, MimeType: att.MimeType, FileName: name}, true, nil
	case att.URL == "":
		return nil, true, fmt.Errorf("attachment has no url, path or data")
	}
	return nil, false, nil
}

// splitMessage cuts msg into chunks of at most maxLen bytes, preferring newlines.
func splitMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}

		cut := maxLen
		if idx := strings.LastIndex(msg[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}

		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}
