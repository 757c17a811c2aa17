package discord

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/attachment"
	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/channel"
)

func testAdapter(allow ...string) *Adapter {
	a := NewAdapter(Config{Token: "test", AllowFrom: allow})
	a.botID = "BOT"
	return a
}

func TestToMessage_DirectMessage(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	msg, ok := testAdapter().toMessage(&discordgo.Message{
		ID:        "m1",
		ChannelID: "dm1",
		Content:   " hello ",
		Timestamp: ts,
		Author:    &discordgo.User{ID: "U1", Username: "alice"},
	})
	require.True(t, ok)
	assert.Equal(t, channel.Message{
		ID:          "m1",
		SenderID:    "U1",
		ReplyTarget: "dm1",
		Content:     "hello",
		Channel:     "discord",
		Timestamp:   ts,
	}, msg)
}

func TestToMessage_GuildNeedsMention(t *testing.T) {
	a := testAdapter()
	base := discordgo.Message{
		ID:        "m1",
		GuildID:   "G1",
		ChannelID: "C1",
		Content:   "<@!BOT> what's up",
		Author:    &discordgo.User{ID: "U1"},
	}

	_, ok := a.toMessage(&base)
	assert.False(t, ok, "unmentioned guild message should be ignored")

	base.Mentions = []*discordgo.User{{ID: "BOT"}}
	msg, ok := a.toMessage(&base)
	require.True(t, ok)
	assert.Equal(t, "what's up", msg.Content)
	assert.Equal(t, "C1", msg.ThreadID)
	assert.Equal(t, "C1", msg.ReplyTarget)
}

func TestToMessage_Filtered(t *testing.T) {
	a := testAdapter("alice")
	cases := map[string]*discordgo.Message{
		"nil":          nil,
		"no author":    {Content: "hi"},
		"bot author":   {Content: "hi", Author: &discordgo.User{ID: "B2", Username: "alice", Bot: true}},
		"self":         {Content: "hi", Author: &discordgo.User{ID: "BOT", Username: "alice"}},
		"not allowed":  {Content: "hi", Author: &discordgo.User{ID: "U9", Username: "mallory"}},
		"mention only": {Content: "<@BOT>", Author: &discordgo.User{ID: "U1", Username: "alice"}},
	}
	for name, m := range cases {
		t.Run(name, func(t *testing.T) {
			_, ok := a.toMessage(m)
			assert.False(t, ok)
		})
	}

	_, ok := a.toMessage(&discordgo.Message{Content: "hi", Author: &discordgo.User{ID: "U1", Username: "alice"}})
	assert.True(t, ok, "allow list matches usernames too")
}

func TestOpenFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chart.png")
	require.NoError(t, os.WriteFile(path, []byte("png"), 0o644))

	files, closeFiles, err := openFiles([]attachment.Attachment{{Kind: attachment.KindImage, Target: path}})
	require.NoError(t, err)
	defer closeFiles()
	require.Len(t, files, 1)
	assert.Equal(t, "chart.png", files[0].Name)
	assert.Equal(t, "image/png", files[0].ContentType)

	_, _, err = openFiles([]attachment.Attachment{{Kind: attachment.KindImage, Target: filepath.Join(dir, "missing.png")}})
	assert.Error(t, err)
}

func TestSendAndHealth_NotConnected(t *testing.T) {
	a := NewAdapter(Config{Token: "test"})
	assert.Error(t, a.Send(context.Background(), channel.SendMessage{Recipient: "C1", Content: "hi"}))
	assert.False(t, a.HealthCheck(context.Background()))
}
