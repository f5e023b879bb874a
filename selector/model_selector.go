package selector

import (
	"context"
	"fmt"
	"strings"
	"text/template"
	"unicode/utf8"

	"github.com/hupe1980/researchmesh/agent"
	"github.com/hupe1980/researchmesh/core"
	"github.com/hupe1980/researchmesh/internal/util"
	"github.com/hupe1980/researchmesh/logging"
	"github.com/hupe1980/researchmesh/model"
)

// DefaultPrompt is the selection prompt. Available fields: .Roles (one
// "Name: description" line per candidate), .History (condensed transcript),
// .Participants (comma separated names), .LastSpeaker and .Terminate.
const DefaultPrompt = `You coordinate a team of research agents. Choose the agent best suited to take the next step.

Agents:
{{.Roles}}

Conversation so far:
{{.History}}

{{if .LastSpeaker}}The previous turn was taken by {{.LastSpeaker}}. Prefer another agent unless {{.LastSpeaker}} clearly has to continue.
{{end}}Reply with exactly one name from [{{.Participants}}], or {{.Terminate}} if the request has been fully answered. Reply with the name only.`

// DefaultCorrectionPrompt is sent once after an unparsable reply. It
// additionally receives .Reply.
const DefaultCorrectionPrompt = `Your reply {{printf "%q" .Reply}} is not a valid choice. Reply with exactly one of [{{.Participants}}] or {{.Terminate}} and nothing else.`

// ModelSelectorOptions configures a ModelSelector.
type ModelSelectorOptions struct {
	Prompt           string
	CorrectionPrompt string
	// Instructions is sent as the system instruction of selection requests.
	Instructions string
	// HistoryWindow limits the condensed history to the last N messages.
	HistoryWindow int
	// MaxMessageChars truncates each condensed history line.
	MaxMessageChars int
	Logger          logging.Logger
}

// ModelSelector selects the next speaker by asking a language model.
type ModelSelector struct {
	llm             model.Model
	prompt          *template.Template
	correction      *template.Template
	instructions    string
	historyWindow   int
	maxMessageChars int
	logger          logging.Logger
}

// NewModelSelector creates a selector driven by llm.
func NewModelSelector(llm model.Model, optFns ...func(o *ModelSelectorOptions)) (*ModelSelector, error) {
	if llm == nil {
		return nil, fmt.Errorf("selector: model cannot be nil")
	}

	opts := ModelSelectorOptions{
		Prompt:           DefaultPrompt,
		CorrectionPrompt: DefaultCorrectionPrompt,
		Instructions:     "You are a routing component. You only ever answer with a single agent name.",
		HistoryWindow:    20,
		MaxMessageChars:  500,
		Logger:           logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	prompt, err := util.ParseTemplate("selector", opts.Prompt)
	if err != nil {
		return nil, err
	}

	correction, err := util.ParseTemplate("selector-correction", opts.CorrectionPrompt)
	if err != nil {
		return nil, err
	}

	return &ModelSelector{
		llm:             llm,
		prompt:          prompt,
		correction:      correction,
		instructions:    opts.Instructions,
		historyWindow:   opts.HistoryWindow,
		maxMessageChars: opts.MaxMessageChars,
		logger:          opts.Logger,
	}, nil
}

type promptData struct {
	Roles        string
	History      string
	Participants string
	LastSpeaker  string
	Terminate    string
	Reply        string
}

// Select implements Selector. An unparsable reply is retried once with a
// correction prompt; a second miss or a model failure yields *SelectionError.
// Cancellation of ctx is returned as is.
func (s *ModelSelector) Select(ctx context.Context, req Request) (NextAction, error) {
	candidates := req.Candidates()
	if len(candidates) == 0 {
		return NextAction{}, &SelectionError{Err: ErrNoCandidates}
	}

	data := promptData{
		Roles:        roles(candidates),
		History:      s.condense(req.History),
		Participants: participants(candidates),
		LastSpeaker:  req.LastSpeaker,
		Terminate:    agent.ReservedName,
	}

	prompt, err := util.RenderTemplate(s.prompt, data)
	if err != nil {
		return NextAction{}, &SelectionError{Err: fmt.Errorf("render prompt: %w", err)}
	}

	messages := []core.Message{core.NewUserMessage(prompt)}

	var replies []string

	for attempt := 1; attempt <= 2; attempt++ {
		resp, err := model.Collect(ctx, s.llm, model.Request{
			Instructions: s.instructions,
			Messages:     messages,
		}, nil)
		if err != nil {
			if ctx.Err() != nil {
				return NextAction{}, ctx.Err()
			}
			return NextAction{}, &SelectionError{Replies: replies, Err: err}
		}

		if action, ok := parse(resp.Text, candidates); ok {
			s.logger.Debug("selector.selected", "session_id", req.SessionID, "action", action.String(), "attempt", attempt)
			return action, nil
		}

		replies = append(replies, resp.Text)
		s.logger.Warn("selector.reply.invalid", "session_id", req.SessionID, "reply", resp.Text, "attempt", attempt)

		data.Reply = resp.Text
		correction, err := util.RenderTemplate(s.correction, data)
		if err != nil {
			return NextAction{}, &SelectionError{Replies: replies, Err: fmt.Errorf("render correction: %w", err)}
		}
		messages = append(messages, core.NewUserMessage(correction))
	}

	return NextAction{}, &SelectionError{Replies: replies}
}

// parse matches a reply against the sentinel and the candidate names.
func parse(reply string, candidates []*agent.Descriptor) (NextAction, bool) {
	name := normalize(reply)
	if name == "" {
		return NextAction{}, false
	}

	if strings.EqualFold(name, agent.ReservedName) {
		return Terminate(core.ReasonSelectorTerminated), true
	}

	for _, d := range candidates {
		if strings.EqualFold(name, d.Name()) {
			return Speak(d.Name()), true
		}
	}

	return NextAction{}, false
}

// normalize strips markdown, quotes and trailing punctuation models tend to
// wrap a bare name in.
func normalize(reply string) string {
	s := strings.TrimSpace(reply)
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)
	return strings.Trim(s, "`*_\"'“”‘’[]()<>@.!:,; \t\r\n")
}

func roles(candidates []*agent.Descriptor) string {
	lines := make([]string, len(candidates))
	for i, d := range candidates {
		lines[i] = fmt.Sprintf("%s: %s", d.Name(), d.Description())
	}
	return strings.Join(lines, "\n")
}

func participants(candidates []*agent.Descriptor) string {
	names := make([]string, len(candidates))
	for i, d := range candidates {
		names[i] = d.Name()
	}
	return strings.Join(names, ", ")
}

// condense renders the last historyWindow messages as one line each. Tool
// traffic is reduced to the tool name and outcome.
func (s *ModelSelector) condense(history []core.Message) string {
	if s.historyWindow > 0 && len(history) > s.historyWindow {
		history = history[len(history)-s.historyWindow:]
	}

	lines := make([]string, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case core.RoleToolResult:
			for _, r := range m.ToolResults() {
				lines = append(lines, fmt.Sprintf("[%s] tool %s -> %s", m.Author, r.Name, r.Status))
			}
		case core.RoleAgent:
			if calls := m.ToolCalls(); len(calls) > 0 {
				for _, c := range calls {
					lines = append(lines, fmt.Sprintf("[%s] calls tool %s", m.Author, c.Name))
				}
				continue
			}
			lines = append(lines, fmt.Sprintf("[%s]: %s", m.Author, s.truncate(m.Text())))
		default:
			lines = append(lines, fmt.Sprintf("[%s]: %s", m.Author, s.truncate(m.Text())))
		}
	}

	if len(lines) == 0 {
		return "(empty)"
	}

	return strings.Join(lines, "\n")
}

func (s *ModelSelector) truncate(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if s.maxMessageChars <= 0 || utf8.RuneCountInString(text) <= s.maxMessageChars {
		return text
	}
	runes := []rune(text)
	return string(runes[:s.maxMessageChars]) + "..."
}
