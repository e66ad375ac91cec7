package bot

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Reply is one message a bot wants delivered, with a delay relative to the
// triggering message. Delay zero means immediate.
type Reply struct {
	Message string
	DelayMS int
}

// Pipeline is the hook point for server-side bot personalities. The chat
// and IM handlers consult it on every user message; implementations decide
// whether a named recipient is a bot and what it says back.
type Pipeline interface {
	// IsBot reports whether the screen name belongs to a bot.
	IsBot(screenName string) bool

	// HandleChat produces the bot replies (if any) for a chat room message.
	HandleChat(ctx context.Context, from, message string) []Reply

	// HandleIM produces the bot replies for an IM sent to the named bot.
	HandleIM(ctx context.Context, botName, from, message string) []Reply

	// Roster lists the bot screen names for presence purposes.
	Roster() []string
}

// NopPipeline is the default: no bots anywhere.
type NopPipeline struct{}

func (NopPipeline) IsBot(string) bool                                  { return false }
func (NopPipeline) HandleChat(context.Context, string, string) []Reply { return nil }
func (NopPipeline) HandleIM(context.Context, string, string, string) []Reply {
	return nil
}
func (NopPipeline) Roster() []string { return nil }

// StaticPipeline answers from a fixed keyword table. Good enough for the
// lobby greeter; anything smarter plugs in behind the same interface.
type StaticPipeline struct {
	logger zerolog.Logger

	mu   sync.RWMutex
	bots map[string]map[string]string // bot name (lower) -> keyword (lower) -> reply
}

func NewStaticPipeline(logger zerolog.Logger) *StaticPipeline {
	return &StaticPipeline{
		logger: logger.With().Str("component", "bot_pipeline").Logger(),
		bots:   make(map[string]map[string]string),
	}
}

// AddBot registers a bot with its keyword table. The empty keyword is the
// fallback reply for unmatched messages.
func (p *StaticPipeline) AddBot(name string, replies map[string]string) {
	table := make(map[string]string, len(replies))
	for k, v := range replies {
		table[strings.ToLower(k)] = v
	}
	p.mu.Lock()
	p.bots[strings.ToLower(name)] = table
	p.mu.Unlock()
}

func (p *StaticPipeline) IsBot(screenName string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.bots[strings.ToLower(screenName)]
	return ok
}

func (p *StaticPipeline) Roster() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.bots))
	for name := range p.bots {
		out = append(out, name)
	}
	return out
}

func (p *StaticPipeline) HandleChat(_ context.Context, from, message string) []Reply {
	p.mu.RLock()
	defer p.mu.RUnlock()

	lower := strings.ToLower(message)
	var replies []Reply
	for name, table := range p.bots {
		if name == strings.ToLower(from) {
			continue
		}
		// Chat bots only speak when addressed by name.
		if !strings.Contains(lower, name) {
			continue
		}
		if r, ok := p.match(table, lower); ok {
			replies = append(replies, Reply{Message: r})
		}
	}
	return replies
}

func (p *StaticPipeline) HandleIM(_ context.Context, botName, from, message string) []Reply {
	p.mu.RLock()
	table, ok := p.bots[strings.ToLower(botName)]
	p.mu.RUnlock()
	if !ok {
		return nil
	}
	if r, matched := p.match(table, strings.ToLower(message)); matched {
		p.logger.Debug().
			Str("bot", botName).
			Str("from", from).
			Msg("Bot IM reply")
		return []Reply{{Message: r}}
	}
	return nil
}

func (p *StaticPipeline) match(table map[string]string, lower string) (string, bool) {
	for keyword, reply := range table {
		if keyword == "" {
			continue
		}
		if strings.Contains(lower, keyword) {
			return reply, true
		}
	}
	if fallback, ok := table[""]; ok {
		return fallback, true
	}
	return "", false
}
