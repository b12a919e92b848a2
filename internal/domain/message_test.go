package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChannelMessage_ChatID(t *testing.T) {
	tests := []struct {
		name string
		msg  ChannelMessage
		want string
	}{
		{"chat id", ChannelMessage{ChannelID: "tg", Metadata: map[string]any{MetaChatID: "42"}}, "42"},
		{"numeric chat id", ChannelMessage{ChannelID: "tg", Metadata: map[string]any{MetaChatID: float64(-1001)}}, "-1001"},
		{"legacy alias", ChannelMessage{ChannelID: "tg", Metadata: map[string]any{MetaTelegramChatID: int64(7)}}, "7"},
		{"blank chat id falls through", ChannelMessage{ChannelID: "tg", Metadata: map[string]any{MetaChatID: "  "}}, "tg"},
		{"sender fallback", ChannelMessage{SenderID: "u1"}, "u1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.msg.ChatID())
		})
	}
}

func TestChannelMessage_RoutingKey(t *testing.T) {
	m := ChannelMessage{ChannelID: "dc", Metadata: map[string]any{MetaChatID: 99}}
	assert.Equal(t, "dc:99", m.RoutingKey())
}

func TestMessageType_IsAudio(t *testing.T) {
	for _, mt := range []MessageType{MessageVoice, MessageAudio, MessageVideoNote} {
		assert.True(t, mt.IsAudio(), mt)
	}
	for _, mt := range []MessageType{MessageText, MessageVideo, MessageDocument} {
		assert.False(t, mt.IsAudio(), mt)
	}
}
