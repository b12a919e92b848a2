package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// MessageType classifies inbound messages and attachments.
type MessageType string

const (
	MessageText      MessageType = "text"
	MessagePhoto     MessageType = "photo"
	MessageAudio     MessageType = "audio"
	MessageVideo     MessageType = "video"
	MessageVoice     MessageType = "voice"
	MessageVideoNote MessageType = "video_note"
	MessageDocument  MessageType = "document"
	MessageSticker   MessageType = "sticker"
	MessageLocation  MessageType = "location"
	MessageContact   MessageType = "contact"
	MessageAnimation MessageType = "animation"
)

// IsAudio reports whether messages of this type carry speech that can be transcribed.
func (t MessageType) IsAudio() bool {
	switch t {
	case MessageVoice, MessageAudio, MessageVideoNote:
		return true
	}
	return false
}

// ChannelAttachment is a normalized reference to media carried by a message.
// A usable attachment has exactly one of URL, LocalPath or Data populated.
type ChannelAttachment struct {
	Type      MessageType `json:"type"`
	URL       string      `json:"url,omitempty"` // provider handle usable for download (e.g. a Telegram file id)
	LocalPath string      `json:"localPath,omitempty"`
	Data      []byte      `json:"-"`
	MimeType  string      `json:"mimeType,omitempty"`
	FileName  string      `json:"fileName,omitempty"`
	FileSize  int64       `json:"fileSize,omitempty"`
	Duration  int         `json:"duration,omitempty"` // seconds
	Width     int         `json:"width,omitempty"`
	Height    int         `json:"height,omitempty"`
}

// Downloadable reports whether the attachment references any content at all.
func (a ChannelAttachment) Downloadable() bool {
	return a.URL != "" || a.LocalPath != "" || len(a.Data) > 0
}

// ChannelMessage is one inbound unit of communication, normalized across providers.
type ChannelMessage struct {
	ID             string              `json:"id"`
	ChannelID      string              `json:"channelId"`
	ChannelType    string              `json:"channelType"`
	MessageType    MessageType         `json:"messageType"`
	SenderID       string              `json:"senderId"`
	SenderName     string              `json:"senderName,omitempty"`
	SenderUsername string              `json:"senderUsername,omitempty"`
	Content        string              `json:"content"` // text body or caption, may be empty
	Attachments    []ChannelAttachment `json:"attachments,omitempty"`
	ReplyToID      string              `json:"replyToId,omitempty"`
	ThreadID       string              `json:"threadId,omitempty"`
	Timestamp      int64               `json:"timestamp"` // epoch milliseconds
	IsGroup        bool                `json:"isGroup"`
	ChatTitle      string              `json:"chatTitle,omitempty"`
	Metadata       map[string]any      `json:"metadata,omitempty"`
}

// Metadata keys understood by the router.
const (
	MetaChatID         = "chatId"
	MetaTelegramChatID = "telegramChatId" // legacy alias of MetaChatID
)

// ChatID resolves the conversation identifier of the message:
// metadata.chatId, then metadata.telegramChatId, then ChannelID, then SenderID.
func (m *ChannelMessage) ChatID() string {
	for _, key := range []string{MetaChatID, MetaTelegramChatID} {
		if v, ok := m.Metadata[key]; ok {
			if s := stringify(v); s != "" {
				return s
			}
		}
	}
	if m.ChannelID != "" {
		return m.ChannelID
	}
	return m.SenderID
}

// RoutingKey returns "{channelId}:{chatId}", the identity of a conversation thread.
func (m *ChannelMessage) RoutingKey() string {
	return m.ChannelID + ":" + m.ChatID()
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
