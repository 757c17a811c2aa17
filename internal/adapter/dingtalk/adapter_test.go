package dingtalk

import (
	"context"
	"testing"
	"time"

	"github.com/open-dingtalk/dingtalk-stream-sdk-go/chatbot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/channel"
)

type fakeReplier struct {
	webhook string
	title   string
	content string
}

func (f *fakeReplier) SimpleReplyMarkdown(_ context.Context, sessionWebhook string, title, content []byte) error {
	f.webhook = sessionWebhook
	f.title = string(title)
	f.content = string(content)
	return nil
}

func testAdapter(now time.Time, allow ...string) (*Adapter, *fakeReplier) {
	a := NewAdapter(Config{AllowFrom: allow})
	r := &fakeReplier{}
	a.replier = r
	a.now = func() time.Time { return now }
	return a, r
}

func callback(conversationType string) *chatbot.BotCallbackDataModel {
	data := &chatbot.BotCallbackDataModel{
		MsgId:            "msg1",
		ConversationId:   "cid1",
		ConversationType: conversationType,
		SenderStaffId:    "staff1",
		SenderNick:       "alice",
		SessionWebhook:   "https://oapi.dingtalk.com/robot/sendBySession?session=x",
		CreateAt:         1700000000000,
	}
	data.Text.Content = " hello "
	return data
}

func TestToMessage_Single(t *testing.T) {
	a, _ := testAdapter(time.Now())
	msg, ok := a.toMessage(callback("1"))
	require.True(t, ok)
	assert.Equal(t, channel.Message{
		ID:          "msg1",
		SenderID:    "staff1",
		ReplyTarget: "staff1",
		Content:     "hello",
		Channel:     "dingtalk",
		Timestamp:   time.UnixMilli(1700000000000),
	}, msg)
}

func TestToMessage_Group(t *testing.T) {
	a, _ := testAdapter(time.Now())
	msg, ok := a.toMessage(callback("2"))
	require.True(t, ok)
	assert.Equal(t, "cid1", msg.ReplyTarget)
	assert.Equal(t, "cid1", msg.ThreadID)
}

func TestToMessage_Filtered(t *testing.T) {
	a, _ := testAdapter(time.Now(), "bob")
	_, ok := a.toMessage(callback("1"))
	assert.False(t, ok)

	b, _ := testAdapter(time.Now())
	empty := callback("1")
	empty.Text.Content = "  "
	_, ok = b.toMessage(empty)
	assert.False(t, ok)
	_, ok = b.toMessage(nil)
	assert.False(t, ok)
}

func TestSend_UsesSessionWebhook(t *testing.T) {
	now := time.Now()
	a, r := testAdapter(now)
	_, ok := a.toMessage(callback("1"))
	require.True(t, ok)

	err := a.Send(context.Background(), channel.SendMessage{Recipient: "staff1", Content: "done [IMAGE:https://x/a.png]"})
	require.NoError(t, err)
	assert.Equal(t, "https://oapi.dingtalk.com/robot/sendBySession?session=x", r.webhook)
	assert.Equal(t, "PicoClaw", r.title)
	assert.Equal(t, "done\nhttps://x/a.png", r.content)
}

func TestSend_UnknownOrExpired(t *testing.T) {
	now := time.Now()
	a, _ := testAdapter(now)
	assert.Error(t, a.Send(context.Background(), channel.SendMessage{Recipient: "nobody", Content: "hi"}))

	data := callback("1")
	data.SessionWebhookExpiredTime = now.Add(-time.Minute).UnixMilli()
	_, ok := a.toMessage(data)
	require.True(t, ok)
	assert.Error(t, a.Send(context.Background(), channel.SendMessage{Recipient: "staff1", Content: "hi"}))
}

func TestHealthCheck_NotStarted(t *testing.T) {
	a, _ := testAdapter(time.Now())
	assert.False(t, a.HealthCheck(context.Background()))
}
