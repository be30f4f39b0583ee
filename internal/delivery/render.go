package delivery

import (
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"capsuled/internal/capsule"
)

// renderText builds the outbound message for an unlocked capsule.
//
// Plain text, no parse mode: recipient chats may have HTML parsing disabled
// and capsule bodies are user-authored.
func renderText(c capsule.Capsule, now time.Time) string {
	var b strings.Builder

	b.WriteString("\U0001F4EC ")
	if t := strings.TrimSpace(c.Title); t != "" {
		b.WriteString(t)
	} else {
		b.WriteString("Time capsule")
	}
	b.WriteString("\n")

	if !c.CreatedAt.IsZero() && c.CreatedAt.Before(now) {
		b.WriteString("sealed ")
		b.WriteString(humanize.RelTime(c.CreatedAt, now, "ago", "from now"))
		b.WriteString("\n")
	}

	if msg := strings.TrimSpace(c.Message); msg != "" {
		b.WriteString("\n")
		b.WriteString(msg)
	}
	if strings.TrimSpace(c.BlobKey) != "" {
		b.WriteString("\n\n\U0001F4CE attachment: ")
		b.WriteString(strings.TrimSpace(c.BlobKey))
	}
	return b.String()
}
