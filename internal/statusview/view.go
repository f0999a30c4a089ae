// Package statusview renders a periodic console summary of all monitors:
// state, latest reading, advertisement freshness, and recent journal events.
package statusview

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/Waldmensch1/BatteryGuard/internal/journal"
	"github.com/Waldmensch1/BatteryGuard/internal/monitor"
	"github.com/Waldmensch1/BatteryGuard/internal/transport"
)

// eventsShown caps the journal tail per refresh.
const eventsShown = 8

var (
	stateGood  = color.New(color.FgGreen)
	stateWarn  = color.New(color.FgYellow)
	stateBad   = color.New(color.FgRed)
	stateDim   = color.New(color.Faint)
	headerBold = color.New(color.Bold)
)

// View periodically renders the monitor table to a writer.
type View struct {
	out       io.Writer
	refresh   time.Duration
	snapshots func() []monitor.Snapshot
	seen      *transport.SeenCache
	journal   *journal.Journal

	// clearScreen is set when out is an interactive terminal.
	clearScreen bool
	events      []journal.Event

	now func() time.Time
}

// New builds a view over the given snapshot source. Output goes to stdout;
// screen clearing is only used when stdout is a terminal.
func New(refresh time.Duration, snapshots func() []monitor.Snapshot, seen *transport.SeenCache, jr *journal.Journal) *View {
	return &View{
		out:         os.Stdout,
		refresh:     refresh,
		snapshots:   snapshots,
		seen:        seen,
		journal:     jr,
		clearScreen: term.IsTerminal(int(os.Stdout.Fd())),
		now:         time.Now,
	}
}

// Run renders until the context is cancelled.
func (v *View) Run(ctx context.Context) {
	ticker := time.NewTicker(v.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.Render()
		}
	}
}

// Render writes one frame.
func (v *View) Render() {
	if v.clearScreen {
		fmt.Fprint(v.out, "\033[2J\033[H")
	}

	now := v.now()
	headerBold.Fprintf(v.out, "Battery Guard  %s\n\n", now.Format("15:04:05"))
	fmt.Fprintf(v.out, "%-16s %-12s %8s %5s %6s %-12s %9s %-10s %s\n",
		"DEVICE", "STATE", "VOLTAGE", "SOC", "TEMP", "CHARGE", "RISE/DROP", "UPDATED", "SEEN")

	for _, s := range v.snapshots() {
		stateColor(s.State).Fprintf(v.out, "%-16s %-12s", truncate(s.Name, 16), s.State)

		if s.Connected && s.Reading.Voltage > 0 {
			fmt.Fprintf(v.out, " %7.2fV %4d%% %5d° %-12s %4d/%-4d",
				s.Reading.Voltage, s.Reading.SOC, s.Reading.Temperature,
				s.Reading.Status.Text(), s.Reading.RapidRise, s.Reading.RapidDrop)
		} else {
			stateDim.Fprintf(v.out, " %8s %5s %6s %-12s %9s", "-", "-", "-", "-", "-")
		}

		fmt.Fprintf(v.out, " %-10s", age(now, s.LastUpdate))

		if at, ok := v.seen.LastSeen(s.Address); ok {
			fmt.Fprintf(v.out, " %s", age(now, at))
		} else {
			stateDim.Fprint(v.out, " never")
		}
		fmt.Fprintln(v.out)
	}

	v.events = append(v.events, v.journal.Drain(eventsShown)...)
	if n := len(v.events); n > eventsShown {
		v.events = v.events[n-eventsShown:]
	}
	if len(v.events) > 0 {
		fmt.Fprintln(v.out)
		for _, ev := range v.events {
			stateDim.Fprintln(v.out, ev.String())
		}
	}
}

func stateColor(s monitor.State) *color.Color {
	switch s {
	case monitor.StateMonitoring:
		return stateGood
	case monitor.StateCooldown:
		return stateBad
	case monitor.StateDisconnected:
		return stateDim
	default:
		return stateWarn
	}
}

func age(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d < time.Second:
		return "now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
