package bot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNopPipeline(t *testing.T) {
	var p Pipeline = NopPipeline{}
	assert.False(t, p.IsBot("anyone"))
	assert.Nil(t, p.HandleChat(context.Background(), "a", "hello"))
	assert.Nil(t, p.HandleIM(context.Background(), "bot", "a", "hello"))
	assert.Empty(t, p.Roster())
}

func TestStaticPipelineIM(t *testing.T) {
	p := NewStaticPipeline(zerolog.Nop())
	p.AddBot("LobbyHost", map[string]string{
		"hello": "Welcome to the lobby!",
		"":      "Sorry, I didn't catch that.",
	})

	assert.True(t, p.IsBot("lobbyhost"), "bot lookup is case-insensitive")
	assert.False(t, p.IsBot("Steve"))

	replies := p.HandleIM(context.Background(), "LobbyHost", "Steve", "Hello there")
	require.Len(t, replies, 1)
	assert.Equal(t, "Welcome to the lobby!", replies[0].Message)

	replies = p.HandleIM(context.Background(), "LobbyHost", "Steve", "xyzzy")
	require.Len(t, replies, 1)
	assert.Equal(t, "Sorry, I didn't catch that.", replies[0].Message, "fallback reply")

	assert.Nil(t, p.HandleIM(context.Background(), "NoSuchBot", "Steve", "hello"))
}

func TestStaticPipelineChatAddressing(t *testing.T) {
	p := NewStaticPipeline(zerolog.Nop())
	p.AddBot("LobbyHost", map[string]string{"help": "Type /help for commands."})

	// Not addressed by name: silence.
	assert.Nil(t, p.HandleChat(context.Background(), "Steve", "can anyone help me"))

	replies := p.HandleChat(context.Background(), "Steve", "lobbyhost can you help")
	require.Len(t, replies, 1)
	assert.Equal(t, "Type /help for commands.", replies[0].Message)

	// A bot never answers itself.
	assert.Nil(t, p.HandleChat(context.Background(), "LobbyHost", "lobbyhost help"))
}

func TestSchedulerFirstImmediate(t *testing.T) {
	s := NewScheduler(zerolog.Nop())

	var mu sync.Mutex
	var got []string
	deliver := func(r Reply) {
		mu.Lock()
		got = append(got, r.Message)
		mu.Unlock()
	}

	s.Schedule(context.Background(), "sess1", []Reply{
		{Message: "now"},
		{Message: "later", DelayMS: 20},
	}, deliver)

	mu.Lock()
	require.Len(t, got, 1, "first reply delivered synchronously")
	assert.Equal(t, "now", got[0])
	mu.Unlock()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, s.PendingCount("sess1"))
}

func TestSchedulerCancel(t *testing.T) {
	s := NewScheduler(zerolog.Nop())

	var mu sync.Mutex
	delivered := 0
	s.Schedule(context.Background(), "sess1", []Reply{
		{Message: "a", DelayMS: 100},
		{Message: "b", DelayMS: 150},
	}, func(Reply) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	require.Equal(t, 2, s.PendingCount("sess1"))
	s.Cancel("sess1")
	assert.Zero(t, s.PendingCount("sess1"))

	time.Sleep(250 * time.Millisecond)
	mu.Lock()
	assert.Zero(t, delivered, "cancelled replies never fire")
	mu.Unlock()
}
