package app

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	humanize "github.com/dustin/go-humanize"
)

// renderStatus builds the /status reply. Plain text (no Markdown) to avoid
// Telegram parse failures.
func (a *App) renderStatus(ctx context.Context) string {
	var b strings.Builder
	b.Grow(1024)

	b.WriteString("📦 capsuled\n")
	b.WriteString("━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Fprintf(&b, "uptime: %s\n", humanize.RelTime(a.startedAt, time.Now(), "", ""))
	fmt.Fprintf(&b, "goroutines: %d\n", runtime.NumGoroutine())
	b.WriteString("\n")

	if a.store != nil {
		b.WriteString("⏳ capsules\n")
		cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		due, err := a.store.DueCapsules(cctx, time.Now(), 0)
		cancel()
		if err != nil {
			fmt.Fprintf(&b, "  due: unavailable (%s)\n", err)
		} else {
			fmt.Fprintf(&b, "  due now: %d\n", len(due))
		}
	}

	if a.sched != nil {
		snap := a.sched.Snapshot()
		state := "stopped"
		if snap.Running {
			state = "running"
		}
		b.WriteString("⏰ schedule\n")
		fmt.Fprintf(&b, "  state:   %s\n", state)
		if snap.Timezone != "" {
			fmt.Fprintf(&b, "  tz:      %s\n", snap.Timezone)
		}
		fmt.Fprintf(&b, "  armed:   %d\n", snap.ArmedTimers)
		if !snap.NextUnlock.IsZero() {
			fmt.Fprintf(&b, "  next:    %s\n", humanize.RelTime(time.Now(), snap.NextUnlock, "ago", "from now"))
		}
		fmt.Fprintf(&b, "  sweeps:  %d (every %s)\n", snap.Sweeps, snap.SweepEvery)
		b.WriteString("\n")
	}

	if a.pipe != nil {
		hist := a.pipe.Snapshot()
		delivered, failed := 0, 0
		for _, h := range hist {
			switch h.Outcome {
			case "delivered":
				delivered++
			case "failed":
				failed++
			}
		}
		b.WriteString("🚚 delivery\n")
		fmt.Fprintf(&b, "  queue:     %d\n", a.pipe.QueueDepth())
		fmt.Fprintf(&b, "  recent:    %d delivered, %d failed (last %d)\n", delivered, failed, len(hist))
		if n := len(hist); n > 0 {
			last := hist[n-1]
			line := fmt.Sprintf("  last:      %s %s", last.Outcome, humanize.RelTime(last.At, time.Now(), "ago", "from now"))
			if last.Error != "" {
				line += " | " + shorten(last.Error, 80)
			}
			b.WriteString(line + "\n")
		}
		b.WriteString("\n")
	}

	if a.profiles != nil {
		fmt.Fprintf(&b, "👤 profiles cached: %d\n", a.profiles.Len())
	}

	if a.sup != nil {
		snap := a.sup.Snapshot()
		fmt.Fprintf(&b, "🧵 supervisor: active=%d started=%d\n", snap.Counters.Active, snap.Counters.Started)
		for _, g := range snap.Goroutines {
			if g.Panics == 0 && g.Restarts == 0 {
				continue
			}
			fmt.Fprintf(&b, "  %s: restarts=%d panics=%d", g.Name, g.Restarts, g.Panics)
			if g.LastErr != "" {
				fmt.Fprintf(&b, " | %s", shorten(g.LastErr, 60))
			}
			b.WriteString("\n")
		}
		if snap.FirstError != "" {
			fmt.Fprintf(&b, "  first error: %s\n", shorten(snap.FirstError, 80))
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

func shorten(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 1 || len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
