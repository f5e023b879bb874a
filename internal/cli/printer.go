package cli

import (
	"fmt"
	"io"

	"github.com/hupe1980/researchmesh/core"
)

// printer renders a run's event stream as plain text.
type printer struct {
	w io.Writer
	// streamed is set once text deltas of the current turn were written.
	streamed bool
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w}
}

func (p *printer) print(ev core.Event) {
	switch ev.Type {
	case core.EventTurnStarted:
		p.streamed = false
		fmt.Fprintf(p.w, "\n[%s]\n", ev.Agent)
	case core.EventTextDelta:
		p.streamed = true
		fmt.Fprint(p.w, ev.Text)
	case core.EventToolCallStarted:
		p.endLine()
		fmt.Fprintf(p.w, "  -> %s %s\n", ev.ToolCall.Name, ev.ToolCall.Arguments)
	case core.EventToolCallFinished:
		fmt.Fprintf(p.w, "  <- %s %s\n", ev.ToolResult.Name, ev.ToolResult.Status)
	case core.EventTurnCompleted:
		if !p.streamed {
			fmt.Fprint(p.w, ev.Text)
		}
		fmt.Fprintln(p.w)
		p.streamed = false
	case core.EventSessionTerminated:
		p.endLine()
		fmt.Fprintf(p.w, "\nsession %s: %s", ev.SessionID, ev.State)
		if ev.Reason != "" {
			fmt.Fprintf(p.w, " (%s)", ev.Reason)
		}
		fmt.Fprintln(p.w)
	}
}

func (p *printer) endLine() {
	if p.streamed {
		fmt.Fprintln(p.w)
		p.streamed = false
	}
}

func printMessage(w io.Writer, msg core.Message) {
	switch msg.Role {
	case core.RoleToolResult:
		for _, r := range msg.ToolResults() {
			fmt.Fprintf(w, "[%s] <- %s %s: %s\n", msg.Author, r.Name, r.Status, r.Text())
		}
	case core.RoleAgent:
		if text := msg.Text(); text != "" {
			fmt.Fprintf(w, "[%s] %s\n", msg.Author, text)
		}
		for _, c := range msg.ToolCalls() {
			fmt.Fprintf(w, "[%s] -> %s %s\n", msg.Author, c.Name, c.Arguments)
		}
	default:
		fmt.Fprintf(w, "[%s] %s\n", msg.Author, msg.Text())
	}
}
