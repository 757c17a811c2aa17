package lark

import (
	"context"
	"testing"
	"time"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/channel"
)

func ptr(s string) *string { return &s }

func event(chatType, content string, mentions ...*larkim.MentionEvent) *larkim.P2MessageReceiveV1 {
	return &larkim.P2MessageReceiveV1{
		Event: &larkim.P2MessageReceiveV1Data{
			Sender: &larkim.EventSender{
				SenderId: &larkim.UserId{OpenId: ptr("ou_alice")},
			},
			Message: &larkim.EventMessage{
				MessageId:   ptr("om_1"),
				RootId:      ptr("om_root"),
				ChatId:      ptr("oc_chat"),
				ChatType:    ptr(chatType),
				MessageType: ptr("text"),
				Content:     ptr(content),
				CreateTime:  ptr("1700000000000"),
				Mentions:    mentions,
			},
		},
	}
}

func TestName(t *testing.T) {
	assert.Equal(t, "feishu", NewAdapter(Config{}).Name())
	assert.Equal(t, "lark", NewAdapter(Config{Name: "lark"}).Name())
}

func TestToMessage_P2P(t *testing.T) {
	a := NewAdapter(Config{Name: "lark"})
	msg, ok := a.toMessage(event("p2p", `{"text":" hello "}`))
	require.True(t, ok)
	assert.Equal(t, channel.Message{
		ID:          "om_1",
		SenderID:    "ou_alice",
		ReplyTarget: "oc_chat",
		Content:     "hello",
		Channel:     "lark",
		Timestamp:   time.UnixMilli(1700000000000),
	}, msg)
}

func TestToMessage_GroupRequiresMention(t *testing.T) {
	a := NewAdapter(Config{})

	_, ok := a.toMessage(event("group", `{"text":"chatter"}`))
	assert.False(t, ok)

	msg, ok := a.toMessage(event("group", `{"text":"@_user_1 deploy status"}`, &larkim.MentionEvent{Key: ptr("@_user_1")}))
	require.True(t, ok)
	assert.Equal(t, "deploy status", msg.Content)
	assert.Equal(t, "om_root", msg.ThreadID)
}

func TestToMessage_Filtered(t *testing.T) {
	a := NewAdapter(Config{AllowFrom: []string{"ou_bob"}})

	_, ok := a.toMessage(event("p2p", `{"text":"hi"}`))
	assert.False(t, ok, "sender not in allow list")

	_, ok = a.toMessage(nil)
	assert.False(t, ok)

	img := event("p2p", `{"image_key":"img_1"}`)
	img.Event.Message.MessageType = ptr("image")
	_, ok = NewAdapter(Config{}).toMessage(img)
	assert.False(t, ok, "non-text messages are ignored")
}

func TestSenderID(t *testing.T) {
	assert.Equal(t, "", senderID(nil))
	assert.Equal(t, "u1", senderID(&larkim.EventSender{SenderId: &larkim.UserId{UserId: ptr("u1"), OpenId: ptr("ou_1")}}))
	assert.Equal(t, "on_1", senderID(&larkim.EventSender{SenderId: &larkim.UserId{UnionId: ptr("on_1")}}))
}

func TestTextContent(t *testing.T) {
	assert.Equal(t, "hi", textContent(`{"text":"hi"}`))
	assert.Equal(t, "not json", textContent("not json"))
}

func TestSend_Validation(t *testing.T) {
	a := NewAdapter(Config{})
	assert.Error(t, a.Send(context.Background(), channel.SendMessage{Content: "hi"}))
	assert.NoError(t, a.Send(context.Background(), channel.SendMessage{Recipient: "oc_1", Content: "  "}))
	assert.False(t, a.HealthCheck(context.Background()))
}
