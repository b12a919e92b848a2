package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chatrelay/internal/domain"
	"chatrelay/internal/router"
)

// ChatCommand represents a parsed chat command.
type ChatCommand struct {
	Name string   // command name without "/"
	Args []string // arguments after the command
	Raw  string   // original full text
}

// Rest returns the text after the command name.
func (c *ChatCommand) Rest() string {
	return strings.Join(c.Args, " ")
}

// ParseCommand checks if a message starts with "/" and parses it into a ChatCommand.
// Returns nil if the message is not a command. A "@botname" suffix on the
// command (Telegram groups) is dropped.
func ParseCommand(text string) *ChatCommand {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil
	}

	parts := strings.Fields(text)
	if len(parts) == 0 {
		return nil
	}

	name := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	if name == "" {
		return nil
	}

	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	return &ChatCommand{Name: name, Args: args, Raw: text}
}

const helpText = `Commands:
/help - show this help
/new, /clear - start a new conversation
/status - show session info
/bg <prompt> - answer <prompt> in the background
/tasks - list background tasks of this chat
/cancel <id> - cancel a background task`

// command handles a session command. Unknown commands return false so the
// text is answered like a normal message.
func (s *Session) command(ctx context.Context, cmd *ChatCommand, original *domain.ChannelMessage) (string, bool) {
	switch cmd.Name {
	case "help", "start":
		return helpText, true

	case "new", "clear":
		if err := s.history.Clear(ctx, s.key); err != nil {
			s.logger.Warn("clear failed", "err", err)
			return router.ClassifyError(err), true
		}
		return "Conversation cleared. Starting fresh.", true

	case "status":
		return s.statusText(ctx), true

	case "bg":
		return s.submitBackground(cmd.Rest(), original), true

	case "tasks":
		return s.tasksText(), true

	case "cancel":
		if s.runner == nil || len(cmd.Args) == 0 {
			return "Usage: /cancel <task id>", true
		}
		if !s.runner.Cancel(cmd.Args[0]) {
			return fmt.Sprintf("No running task %s.", cmd.Args[0]), true
		}
		return fmt.Sprintf("Cancelling task %s.", cmd.Args[0]), true
	}
	return "", false
}

func (s *Session) submitBackground(prompt string, original *domain.ChannelMessage) string {
	if s.runner == nil {
		return "Background tasks are not available."
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "Usage: /bg <prompt>"
	}
	id, err := s.runner.Submit(truncateText(prompt, 40), s.key, s.runner.PromptTask(prompt), func(t BackgroundTask) {
		s.deliverTask(t, original)
	})
	if err != nil {
		return router.ClassifyError(err)
	}
	return fmt.Sprintf("Started background task %s. I'll post the result here.", id)
}

// deliverTask posts a finished task back to the chat it came from.
func (s *Session) deliverTask(t BackgroundTask, original *domain.ChannelMessage) {
	var text string
	switch t.Status {
	case TaskComplete:
		text = fmt.Sprintf("Task %s finished:\n\n%s", t.ID, t.Result)
	case TaskCancelled:
		text = fmt.Sprintf("Task %s was cancelled.", t.ID)
	default:
		text = fmt.Sprintf("Task %s failed: %s", t.ID, router.ClassifyErrorMessage(t.Error))
	}

	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()
	if err := s.reply(ctx, original, text); err != nil {
		s.logger.Warn("failed to deliver task result", "task", t.ID, "err", err)
	}
}

func (s *Session) statusText(ctx context.Context) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Session: %s\n", s.key)
	fmt.Fprintf(&sb, "Provider: %s\n", s.provider.Name())
	if msgs, err := s.history.Messages(ctx, s.key, s.settings.HistoryLimit); err == nil {
		fmt.Fprintf(&sb, "History: %d messages (limit %d)\n", len(msgs), s.settings.HistoryLimit)
	}
	if s.runner != nil {
		active := 0
		for _, t := range s.runner.List(s.key) {
			if t.active() {
				active++
			}
		}
		fmt.Fprintf(&sb, "Background tasks: %d running\n", active)
	}
	fmt.Fprintf(&sb, "Active for: %s", s.now().Sub(s.created).Round(time.Second))
	return sb.String()
}

func (s *Session) tasksText() string {
	if s.runner == nil {
		return "Background tasks are not available."
	}
	tasks := s.runner.List(s.key)
	if len(tasks) == 0 {
		return "No background tasks."
	}
	var sb strings.Builder
	sb.WriteString("Background tasks:")
	for _, t := range tasks {
		fmt.Fprintf(&sb, "\n%s [%s] %s", t.ID, t.Status, t.Name)
	}
	return sb.String()
}

func truncateText(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
