package app

import (
	"context"
	"fmt"

	"github.com/MrWong99/livecall/internal/call"
	"github.com/MrWong99/livecall/pkg/audio/meter"
	"github.com/MrWong99/livecall/pkg/transcript"
)

// barWidth is the character width of one level bar.
const barWidth = 24

// clearLine returns the cursor to column 0 and erases the meter line.
const clearLine = "\r\033[K"

func (a *App) onState(ch call.StateChange) {
	switch ch.To {
	case call.StateError:
		a.emit(fmt.Sprintf("call %s: %s", ch.To, ch.Message))
	default:
		a.emit("call " + ch.To.String())
	}
	if ch.From == call.StateConnected {
		select {
		case a.ended <- ch:
		default:
		}
	}
}

func (a *App) onTranscript(sessionID string, e transcript.Entry) {
	if a.archiver != nil && !a.archiver.Record(sessionID, e) {
		a.log.Warn("transcript archive queue full, entry dropped", "session_id", sessionID)
	}
	a.emit(fmt.Sprintf("%-5s %s", e.Speaker+":", e.Text))
}

// emit queues a console line. Lines are dropped when the console falls
// behind; observers must never block the controller.
func (a *App) emit(line string) {
	select {
	case a.events <- line:
	default:
	}
}

func (a *App) printEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case line := <-a.events:
			a.writeLine(line)
		}
	}
}

// flushEvents prints whatever is still queued.
func (a *App) flushEvents() {
	for {
		select {
		case line := <-a.events:
			a.writeLine(line)
		default:
			return
		}
	}
}

func (a *App) writeLine(line string) {
	if a.console == nil {
		return
	}
	prefix := ""
	if a.meterOut != nil && a.meterOut == a.console {
		prefix = clearLine
	}
	fmt.Fprintln(a.console, prefix+line)
}

// renderLevels redraws the meter line in place.
func (a *App) renderLevels(l meter.Levels) {
	if a.meterOut == nil {
		return
	}
	fmt.Fprintf(a.meterOut, "\rmic %s  model %s", meter.Bar(l.Input, barWidth), meter.Bar(l.Output, barWidth))
}
