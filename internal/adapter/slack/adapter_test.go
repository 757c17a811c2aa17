package slack

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/slack-go/slack/slackevents"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/channel"
)

func testAdapter(allow ...string) *Adapter {
	a := NewAdapter(Config{BotToken: "xoxb-test", AppToken: "xapp-test", AllowFrom: allow})
	a.setBotUserID("UBOT")
	return a
}

func TestToMessage_DirectMessage(t *testing.T) {
	a := testAdapter()
	msg, ok := a.toMessage(&slackevents.MessageEvent{
		ChannelType: "im",
		User:        "U1",
		Text:        " hello ",
		Channel:     "D1",
		TimeStamp:   "1700000000.000100",
	})
	require.True(t, ok)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, "U1", msg.SenderID)
	assert.Equal(t, "D1", msg.ReplyTarget)
	assert.Equal(t, "slack", msg.Channel)
	assert.Empty(t, msg.ThreadID)
	assert.Equal(t, time.Unix(1700000000, 100000), msg.Timestamp)
}

func TestToMessage_Filtered(t *testing.T) {
	a := testAdapter("U1")
	cases := map[string]interface{}{
		"channel message":   &slackevents.MessageEvent{ChannelType: "channel", User: "U1", Text: "hi"},
		"edited message":    &slackevents.MessageEvent{ChannelType: "im", SubType: "message_changed", User: "U1", Text: "hi"},
		"bot message":       &slackevents.MessageEvent{ChannelType: "im", BotID: "B1", User: "U1", Text: "hi"},
		"own message":       &slackevents.MessageEvent{ChannelType: "im", User: "UBOT", Text: "hi"},
		"not allowed":       &slackevents.MessageEvent{ChannelType: "im", User: "U2", Text: "hi"},
		"mention only":      &slackevents.AppMentionEvent{User: "U1", Text: "<@UBOT>"},
		"unsupported event": &slackevents.MemberJoinedChannelEvent{User: "U1"},
	}
	for name, ev := range cases {
		t.Run(name, func(t *testing.T) {
			_, ok := a.toMessage(ev)
			assert.False(t, ok)
		})
	}
}

func TestToMessage_AppMentionRepliesInThread(t *testing.T) {
	a := testAdapter()

	msg, ok := a.toMessage(&slackevents.AppMentionEvent{
		User: "U1", Text: "<@UBOT> summarize", Channel: "C1", TimeStamp: "1700000000.000200",
	})
	require.True(t, ok)
	assert.Equal(t, "summarize", msg.Content)
	assert.Equal(t, "1700000000.000200", msg.ThreadID)

	msg, ok = a.toMessage(&slackevents.AppMentionEvent{
		User: "U1", Text: "<@UBOT> again", Channel: "C1", TimeStamp: "1700000001.000000", ThreadTimeStamp: "1700000000.000200",
	})
	require.True(t, ok)
	assert.Equal(t, "1700000000.000200", msg.ThreadID)
}

type slackAPIStub struct {
	mu    sync.Mutex
	posts []map[string]string
}

func (s *slackAPIStub) server(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/chat.postMessage":
			assert.NoError(t, r.ParseForm())
			s.mu.Lock()
			s.posts = append(s.posts, map[string]string{
				"channel":   r.FormValue("channel"),
				"text":      r.FormValue("text"),
				"thread_ts": r.FormValue("thread_ts"),
			})
			s.mu.Unlock()
			w.Write([]byte(`{"ok":true,"channel":"C1","ts":"1.0"}`))
		case "/auth.test":
			w.Write([]byte(`{"ok":true,"user_id":"UBOT"}`))
		default:
			w.Write([]byte(`{"ok":false,"error":"unknown_method"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSend_PostsToThread(t *testing.T) {
	stub := &slackAPIStub{}
	srv := stub.server(t)
	a := NewAdapter(Config{BotToken: "xoxb-test", APIURL: srv.URL + "/"})

	err := a.Send(context.Background(), channel.SendMessage{
		Recipient: "C1",
		ThreadID:  "1700000000.000200",
		Content:   "report [DOCUMENT:https://example.com/r.pdf]",
	})
	require.NoError(t, err)
	require.Len(t, stub.posts, 1)
	assert.Equal(t, "C1", stub.posts[0]["channel"])
	assert.Equal(t, "report\nhttps://example.com/r.pdf", stub.posts[0]["text"])
	assert.Equal(t, "1700000000.000200", stub.posts[0]["thread_ts"])
}

func TestSend_MissingLocalAttachment(t *testing.T) {
	stub := &slackAPIStub{}
	srv := stub.server(t)
	a := NewAdapter(Config{BotToken: "xoxb-test", APIURL: srv.URL + "/"})

	err := a.Send(context.Background(), channel.SendMessage{
		Recipient: "C1",
		Content:   "[IMAGE:/nonexistent/chart.png]",
	})
	assert.Error(t, err)
	assert.Empty(t, stub.posts, "empty body should not be posted")
}

func TestHealthCheck(t *testing.T) {
	stub := &slackAPIStub{}
	srv := stub.server(t)
	a := NewAdapter(Config{BotToken: "xoxb-test", APIURL: srv.URL + "/"})
	assert.True(t, a.HealthCheck(context.Background()))
}

func TestParseTS(t *testing.T) {
	assert.Equal(t, time.Unix(1700000000, 0), parseTS("1700000000"))
	assert.Equal(t, time.Unix(1700000000, 100000), parseTS("1700000000.000100"))
	assert.WithinDuration(t, time.Now(), parseTS("garbage"), time.Second)
}
