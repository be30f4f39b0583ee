package telegram

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	rtsup "capsuled/internal/runtime/supervisor"
	kit "capsuled/internal/transport"
	logx "capsuled/pkg/logx"
)

const (
	updatesBuffer = 256
	replyTimeout  = 10 * time.Second
)

// StatusFunc renders the operator-facing /status reply.
type StatusFunc func(ctx context.Context) string

// Commands is the inbound side of the channel: it owns the update stream
// and answers the two commands the service exposes in chat. /start shows
// the ids a user needs to register the chat as a capsule recipient;
// /status is an operator-only service snapshot. Capsules themselves are
// created over the HTTP API, not in chat.
type Commands struct {
	log    logx.Logger
	ad     kit.Adapter
	status StatusFunc

	mu     sync.Mutex
	owners map[int64]struct{}

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
}

func NewCommands(ad kit.Adapter, owners []int64, status StatusFunc, log logx.Logger) *Commands {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Commands{ad: ad, status: status, log: log}
	c.SetOwners(owners)
	return c
}

// SetOwners swaps the operator allow-list. Safe during hot reload.
func (c *Commands) SetOwners(ids []int64) {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	c.mu.Lock()
	c.owners = m
	c.mu.Unlock()
}

func (c *Commands) isOwner(id int64) bool {
	c.mu.Lock()
	_, ok := c.owners[id]
	c.mu.Unlock()
	return ok
}

// Start brings up the adapter and the update loop. Later calls are no-ops.
func (c *Commands) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.runMu.Lock()
	if c.running {
		c.runMu.Unlock()
		return nil
	}
	c.running = true
	c.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(c.log.With(logx.String("comp", "telegram.commands"))),
		rtsup.WithCancelOnError(false),
	)
	sup := c.sup
	c.runMu.Unlock()

	updates := make(chan kit.Update, updatesBuffer)
	if err := c.ad.Start(sup.Context(), updates); err != nil {
		c.runMu.Lock()
		c.running = false
		c.sup = nil
		c.runMu.Unlock()
		sup.Cancel()
		return err
	}

	sup.GoRestart0("commands.loop", func(runCtx context.Context) {
		for {
			select {
			case <-runCtx.Done():
				return
			case up := <-updates:
				c.handle(runCtx, up)
			}
		}
	}, rtsup.WithPublishFirstError(true))

	// Advertise the menu once; failures are cosmetic.
	sup.Go0("commands.menu", func(runCtx context.Context) {
		mu, ok := c.ad.(kit.CommandMenuUpdater)
		if !ok {
			return
		}
		mctx, cancel := context.WithTimeout(runCtx, replyTimeout)
		defer cancel()
		if err := mu.UpdateMenuCommands(mctx, menuCommands()); err != nil {
			c.log.Debug("menu update failed", logx.Err(err))
		}
	})

	return nil
}

// Stop halts the adapter first so no new updates arrive, then the loop.
func (c *Commands) Stop(ctx context.Context) error {
	c.runMu.Lock()
	sup := c.sup
	c.sup = nil
	wasRunning := c.running
	c.running = false
	c.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	err := c.ad.Stop(ctx)
	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
	return err
}

func menuCommands() []kit.BotCommand {
	return []kit.BotCommand{
		{Command: "start", Description: "Show this chat's recipient ids"},
		{Command: "status", Description: "Service status (operators only)"},
	}
}

func (c *Commands) handle(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message != nil {
			c.handleMessage(ctx, up.Message)
		}
	case kit.UpdateCallback:
		if up.Callback != nil {
			// No interactive flows; ack so the client stops its spinner.
			_ = c.ad.AnswerCallback(ctx, up.Callback.ID, "")
		}
	}
}

func (c *Commands) handleMessage(ctx context.Context, m *kit.Message) {
	switch parseCommand(m.Text) {
	case "start", "help":
		c.replyStart(ctx, m)
	case "status":
		if !c.isOwner(m.FromID) {
			c.log.Debug("status denied", logx.Int64("from_id", m.FromID))
			return
		}
		c.replyStatus(ctx, m)
	}
}

// parseCommand extracts the leading command word, stripping the / prefix
// and the @botname suffix Telegram appends in groups. Returns "" for plain
// text.
func parseCommand(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	word := text[1:]
	if i := strings.IndexAny(word, " \t\n"); i >= 0 {
		word = word[:i]
	}
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	return strings.ToLower(word)
}

func (c *Commands) replyStart(ctx context.Context, m *kit.Message) {
	var b strings.Builder
	b.WriteString("I deliver time capsules when they unlock.\n")
	fmt.Fprintf(&b, "Recipient chat id: %d", m.ChatID)
	if m.ThreadID != 0 {
		fmt.Fprintf(&b, "\nRecipient thread id: %d", m.ThreadID)
	}
	c.reply(ctx, m, b.String())
}

func (c *Commands) replyStatus(ctx context.Context, m *kit.Message) {
	body := "status unavailable"
	if c.status != nil {
		body = c.status(ctx)
	}
	c.reply(ctx, m, body)
}

func (c *Commands) reply(ctx context.Context, m *kit.Message, text string) {
	sctx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()
	to := kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
	if _, err := c.ad.SendText(sctx, to, text, nil); err != nil {
		c.log.Warn("reply failed", logx.Int64("chat_id", m.ChatID), logx.Err(err))
	}
}
