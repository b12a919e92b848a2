package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/domain"
)

const cliChatID = "direct"

// CLI implements domain.Channel on a terminal: each input line is one message
// and replies are printed to the output.
type CLI struct {
	*Base

	in  io.Reader
	out io.Writer

	mu     sync.Mutex
	seq    int
	cancel context.CancelFunc
}

// NewCLI creates a terminal channel. Nil in and out default to stdin and stdout.
func NewCLI(id string, in io.Reader, out io.Writer, logger *slog.Logger) *CLI {
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	return &CLI{Base: NewBase(id, "cli", logger), in: in, out: out}
}

// Connect starts reading lines from the input.
func (c *CLI) Connect(ctx context.Context, _ domain.ChannelConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return nil
	}
	readCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.read(readCtx)

	_, _ = fmt.Fprintln(c.out, "Type a message and press Enter. /quit disconnects.")
	c.SetConnected(ctx, true)
	return nil
}

// Disconnect stops delivering input lines. A read blocked on the input is
// abandoned rather than interrupted.
func (c *CLI) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	c.SetConnected(ctx, false)
	return nil
}

func (c *CLI) read(ctx context.Context) {
	scanner := bufio.NewScanner(c.in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" || line == "/q" {
			_ = c.Disconnect(context.Background())
			return
		}
		c.mu.Lock()
		c.seq++
		id := strconv.Itoa(c.seq)
		c.mu.Unlock()
		c.EmitMessage(ctx, &domain.ChannelMessage{
			ID:          id,
			ChannelID:   c.ID(),
			ChannelType: c.Type(),
			MessageType: domain.MessageText,
			SenderID:    "user",
			Content:     line,
			Timestamp:   time.Now().UnixMilli(),
			Metadata:    map[string]any{domain.MetaChatID: cliChatID},
		})
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		c.EmitError(ctx, fmt.Errorf("cli read: %w", err))
	}
}

// SendText prints text to the output.
func (c *CLI) SendText(_ context.Context, _ string, text string, _ domain.SendOptions) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	if _, err := fmt.Fprintf(c.out, "\n%s\n\n", text); err != nil {
		return "", err
	}
	return strconv.Itoa(c.seq), nil
}

// SendMedia prints a placeholder line describing the attachment.
func (c *CLI) SendMedia(ctx context.Context, chatID string, att domain.ChannelAttachment, opts domain.SendOptions) (string, error) {
	name := att.FileName
	if name == "" {
		name = att.LocalPath
	}
	text := fmt.Sprintf("[%s: %s]", att.Type, name)
	if opts.Caption != "" {
		text += " " + opts.Caption
	}
	return c.SendText(ctx, chatID, text, opts)
}

// DownloadAttachment resolves local files only.
func (c *CLI) DownloadAttachment(_ context.Context, att domain.ChannelAttachment) (*domain.DownloadedFile, error) {
	if f, ok, err := readLocalAttachment(att); ok {
		return f, err
	}
	return nil, fmt.Errorf("cli: remote attachments are not supported")
}
