package model

import (
	"fmt"
	"strings"

	"github.com/hupe1980/researchmesh/core"
)

// EntryKind classifies a transcript entry from the acting agent's viewpoint.
type EntryKind int

const (
	// EntryInput is text the model reads: user input or another agent's output.
	EntryInput EntryKind = iota
	// EntryOwnText is a message the acting agent produced earlier.
	EntryOwnText
	// EntryOwnToolCalls is a tool request the acting agent issued.
	EntryOwnToolCalls
	// EntryToolResult is the result of one of the acting agent's tool calls.
	EntryToolResult
)

// Entry is one provider-neutral transcript element.
type Entry struct {
	Kind   EntryKind
	Text   string
	Calls  []core.ToolCallRequest
	Result core.ToolCallResult
}

// Transcript projects the shared history onto the acting agent's view.
// Messages of other participants are attributed ("[Name]: ...") and
// consecutive inputs are merged, so providers requiring alternating roles can
// map entries one to one.
func Transcript(req Request) []Entry {
	var out []Entry

	input := func(text string) {
		if text == "" {
			return
		}
		if n := len(out); n > 0 && out[n-1].Kind == EntryInput {
			out[n-1].Text += "\n\n" + text
			return
		}
		out = append(out, Entry{Kind: EntryInput, Text: text})
	}

	for _, m := range req.Messages {
		own := req.Agent != "" && m.Author == req.Agent

		switch m.Role {
		case core.RoleUser:
			input(m.Text())
		case core.RoleSystem:
			input(Attribute("system", m.Text()))
		case core.RoleAgent:
			calls := m.ToolCalls()
			switch {
			case own && len(calls) > 0:
				out = append(out, Entry{Kind: EntryOwnToolCalls, Text: m.Text(), Calls: calls})
			case own:
				out = append(out, Entry{Kind: EntryOwnText, Text: m.Text()})
			default:
				input(Attribute(m.Author, m.Text()))
			}
		case core.RoleToolResult:
			for _, res := range m.ToolResults() {
				if own {
					out = append(out, Entry{Kind: EntryToolResult, Result: res})
					continue
				}
				input(Attribute(m.Author, fmt.Sprintf("(tool %s) %s", res.Name, res.Text())))
			}
		}
	}

	return out
}

// Attribute prefixes text with its author. Empty text stays empty.
func Attribute(author, text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	return fmt.Sprintf("[%s]: %s", author, text)
}
