package telegram

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	kit "capsuled/internal/transport"
	logx "capsuled/pkg/logx"
)

func TestSplitTelegramTextShort(t *testing.T) {
	t.Parallel()
	got := splitTelegramText("hello", 10, "")
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("split = %q, want [hello]", got)
	}
}

func TestSplitTelegramTextPrefersNewline(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("a", 50) + "\n" + strings.Repeat("b", 30)
	got := splitTelegramText(text, 64, "")
	if len(got) != 2 {
		t.Fatalf("chunks = %d, want 2 (%q)", len(got), got)
	}
	if got[0] != strings.Repeat("a", 50) {
		t.Fatalf("first chunk = %q, want the part before the newline", got[0])
	}
	if got[1] != strings.Repeat("b", 30) {
		t.Fatalf("second chunk = %q", got[1])
	}
}

func TestSplitTelegramTextLongNoNewline(t *testing.T) {
	t.Parallel()
	got := splitTelegramText(strings.Repeat("x", 9000), 0, "")
	if len(got) != 3 {
		t.Fatalf("chunks = %d, want 3", len(got))
	}
	if len([]rune(got[0])) != telegramTextLimit || len([]rune(got[1])) != telegramTextLimit {
		t.Fatalf("chunk sizes = %d, %d, want %d", len(got[0]), len(got[1]), telegramTextLimit)
	}
	if len([]rune(got[2])) != 9000-2*telegramTextLimit {
		t.Fatalf("tail chunk size = %d", len(got[2]))
	}
}

func TestSplitTelegramTextHTMLKeepsTagsIntact(t *testing.T) {
	t.Parallel()
	got := splitTelegramText("abcdef<strong>x</strong>", 10, "HTML")
	want := []string{"abcdef", "<strong>x", "</strong>"}
	if len(got) != len(want) {
		t.Fatalf("chunks = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("chunk[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	for _, chunk := range got {
		if strings.LastIndexByte(chunk, '<') > strings.LastIndexByte(chunk, '>') {
			t.Fatalf("chunk %q ends inside a tag", chunk)
		}
	}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
	}{
		{"/start", "start"},
		{"/STATUS@MyCapsuleBot now", "status"},
		{"  /help extra words  ", "help"},
		{"/status@bot", "status"},
		{"hello there", ""},
		{"/", ""},
		{"", ""},
	}
	for _, tt := range tests {
		tt := tt
		if got := parseCommand(tt.in); got != tt.want {
			t.Fatalf("parseCommand(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

type fakeAdapter struct {
	mu      sync.Mutex
	out     chan<- kit.Update
	sent    []string
	targets []kit.ChatTarget
	acks    []string
}

func (f *fakeAdapter) Start(_ context.Context, out chan<- kit.Update) error {
	f.mu.Lock()
	f.out = out
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Stop(context.Context) error { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	f.targets = append(f.targets, to)
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}

func (f *fakeAdapter) AnswerCallback(_ context.Context, callbackID string, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, callbackID)
	return nil
}

func (f *fakeAdapter) push(t *testing.T, up kit.Update) {
	t.Helper()
	f.mu.Lock()
	out := f.out
	f.mu.Unlock()
	if out == nil {
		t.Fatalf("adapter not started")
	}
	select {
	case out <- up:
	case <-time.After(time.Second):
		t.Fatalf("update channel full")
	}
}

func (f *fakeAdapter) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeAdapter) acked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acks...)
}

func msgUpdate(text string, fromID, chatID int64, threadID int) kit.Update {
	return kit.Update{
		Kind: kit.UpdateMessage,
		Message: &kit.Message{
			ID:       1,
			ChatID:   chatID,
			ThreadID: threadID,
			FromID:   fromID,
			Text:     text,
		},
	}
}

func waitUntil(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestCommandsStartReply(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	c := NewCommands(ad, nil, nil, logx.Logger{})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = c.Stop(context.Background()) }()

	ad.push(t, msgUpdate("/start", 5, 42, 7))
	waitUntil(t, 3*time.Second, func() bool { return len(ad.messages()) == 1 })

	got := ad.messages()[0]
	if !strings.Contains(got, "42") || !strings.Contains(got, "7") {
		t.Fatalf("start reply %q lacks recipient ids", got)
	}
	ad.mu.Lock()
	target := ad.targets[0]
	ad.mu.Unlock()
	if target.ChatID != 42 || target.ThreadID != 7 {
		t.Fatalf("reply target = %+v, want chat 42 thread 7", target)
	}
}

func TestCommandsStatusOwnerOnly(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	status := func(context.Context) string { return "queue=0 timers=3" }
	c := NewCommands(ad, []int64{100}, status, logx.Logger{})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = c.Stop(context.Background()) }()

	// Denied request first, then an allowed one. The loop is serial, so one
	// reply means the denial produced nothing.
	ad.push(t, msgUpdate("/status", 999, 1, 0))
	ad.push(t, msgUpdate("/status", 100, 1, 0))
	waitUntil(t, 3*time.Second, func() bool { return len(ad.messages()) == 1 })

	if got := ad.messages()[0]; got != "queue=0 timers=3" {
		t.Fatalf("status reply = %q", got)
	}
}

func TestCommandsIgnorePlainText(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	c := NewCommands(ad, nil, nil, logx.Logger{})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = c.Stop(context.Background()) }()

	ad.push(t, msgUpdate("just chatting", 5, 42, 0))
	ad.push(t, msgUpdate("/start", 5, 42, 0))
	waitUntil(t, 3*time.Second, func() bool { return len(ad.messages()) == 1 })

	if got := ad.messages()[0]; !strings.Contains(got, "42") {
		t.Fatalf("expected the /start reply, got %q", got)
	}
}

func TestCommandsAckCallbacks(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	c := NewCommands(ad, nil, nil, logx.Logger{})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = c.Stop(context.Background()) }()

	ad.push(t, kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "cb-1", FromID: 5}})
	waitUntil(t, 3*time.Second, func() bool { return len(ad.acked()) == 1 })

	if got := ad.acked()[0]; got != "cb-1" {
		t.Fatalf("acked %q, want cb-1", got)
	}
}

func TestSetOwnersSwapsAllowList(t *testing.T) {
	t.Parallel()
	c := NewCommands(&fakeAdapter{}, []int64{1}, nil, logx.Logger{})
	if !c.isOwner(1) || c.isOwner(2) {
		t.Fatalf("initial owner set wrong")
	}
	c.SetOwners([]int64{2, 3})
	if c.isOwner(1) || !c.isOwner(2) || !c.isOwner(3) {
		t.Fatalf("SetOwners did not replace the allow-list")
	}
}
