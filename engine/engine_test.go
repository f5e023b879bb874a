package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/researchmesh/agent"
	"github.com/hupe1980/researchmesh/core"
	"github.com/hupe1980/researchmesh/internal/metrics"
	rmtestutil "github.com/hupe1980/researchmesh/internal/testutil"
	"github.com/hupe1980/researchmesh/model"
	"github.com/hupe1980/researchmesh/selector"
	"github.com/hupe1980/researchmesh/session"
	"github.com/hupe1980/researchmesh/tool"
)

type searchArgs struct {
	Query string `json:"query"`
}

func newRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	r := tool.NewRegistry()
	require.NoError(t, r.Register(tool.NewFunctionToolFromStruct("search", "Search the literature", searchArgs{},
		func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]any{"hits": []string{"gefitinib", "erlotinib"}, "query": args["query"]}, nil
		})))
	require.NoError(t, r.Register(tool.NewFunctionTool("lookup", "Look up a record", nil,
		func(ctx context.Context, args map[string]any) (any, error) {
			return "record", nil
		})))
	return r
}

func tools(names ...string) func(o *agent.Options) {
	return func(o *agent.Options) { o.Tools = names }
}

func maxConsecutive(n int) func(o *agent.Options) {
	return func(o *agent.Options) { o.MaxConsecutiveTurns = n }
}

func newRoster(t *testing.T, registry *tool.Registry, descriptors ...*agent.Descriptor) *agent.Roster {
	t.Helper()
	roster, err := agent.NewRoster(registry, descriptors...)
	require.NoError(t, err)
	return roster
}

// scriptedSelector returns the given actions in order and terminates
// afterwards. It records every request.
type scriptedSelector struct {
	mu       sync.Mutex
	actions  []selector.NextAction
	requests []selector.Request
}

func speakThenStop(names ...string) *scriptedSelector {
	s := &scriptedSelector{}
	for _, n := range names {
		s.actions = append(s.actions, selector.Speak(n))
	}
	return s
}

func (s *scriptedSelector) Select(_ context.Context, req selector.Request) (selector.NextAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.actions) == 0 {
		return selector.Terminate(""), nil
	}
	a := s.actions[0]
	s.actions = s.actions[1:]
	return a, nil
}

func (s *scriptedSelector) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func newEngine(t *testing.T, roster *agent.Roster, sel selector.Selector, store core.SessionStore, optFns ...func(o *Options)) *Engine {
	t.Helper()
	eng, err := New(roster, sel, store, optFns...)
	require.NoError(t, err)
	return eng
}

func eventTypes(events []core.Event, skipDeltas bool) []core.EventType {
	var out []core.EventType
	for _, ev := range events {
		if skipDeltas && ev.Type == core.EventTextDelta {
			continue
		}
		out = append(out, ev.Type)
	}
	return out
}

func agentTexts(history []core.Message) []string {
	var out []string
	for _, m := range history {
		if m.IsTurnFinal() {
			out = append(out, m.Author+": "+m.Text())
		}
	}
	return out
}

func TestNew_Validation(t *testing.T) {
	registry := newRegistry(t)
	roster := newRoster(t, registry, agent.New("Critique", model.NewScriptedModel("m")))
	store := session.NewInMemoryStore()

	_, err := New(nil, speakThenStop(), store)
	assert.Error(t, err)

	_, err = New(roster, nil, store)
	assert.Error(t, err)

	_, err = New(roster, speakThenStop(), nil)
	assert.Error(t, err)

	_, err = New(roster, speakThenStop(), store, func(o *Options) { o.Config.TurnLimitPolicy = "sometimes" })
	assert.Error(t, err)

	withTools := newRoster(t, registry, agent.New("TargetSearch", model.NewScriptedModel("m"), tools("search")))
	_, err = New(withTools, speakThenStop(), store)
	assert.Error(t, err, "registry defaults to empty and lacks search")

	_, err = New(withTools, speakThenStop(), store, WithRegistry(registry))
	assert.NoError(t, err)
}

func TestEngine_RunToCompletion(t *testing.T) {
	registry := newRegistry(t)

	targetLLM := model.NewScriptedModel("target",
		model.Step{Text: "Let me look.", ToolCalls: []core.ToolCallRequest{{ID: "c1", Name: "search", Arguments: `{"query":"EGFR"}`}}},
		model.Say("EGFR is a kinase."),
	)
	reportLLM := model.NewScriptedModel("report", model.Say("Report done."))

	roster := newRoster(t, registry,
		agent.New("TargetSearch", targetLLM, tools("search")),
		agent.New("ReportAgent", reportLLM),
	)

	store := session.NewInMemoryStore()
	m := metrics.New()
	sel := speakThenStop("TargetSearch", "ReportAgent")
	eng := newEngine(t, roster, sel, store, WithRegistry(registry), WithMetrics(m))

	sess, events, err := eng.RunSync(context.Background(), "s1", "Which drugs target EGFR?")
	require.NoError(t, err)

	assert.Equal(t, core.StateCompleted, sess.State)
	assert.Equal(t, core.ReasonSelectorTerminated, sess.Reason)
	assert.Equal(t, "ReportAgent", sess.Cursor)
	assert.False(t, sess.PendingTurn)
	assert.Equal(t, 1, sess.Attempt)

	require.Len(t, sess.Messages, 5)
	assert.Equal(t, core.RoleUser, sess.Messages[0].Role)
	assert.Equal(t, "Let me look.", sess.Messages[1].Text())
	assert.Equal(t, "c1", sess.Messages[1].ToolCalls()[0].ID)
	assert.Equal(t, "c1", sess.Messages[2].ToolResults()[0].CallID)
	assert.True(t, sess.Messages[2].ToolResults()[0].OK())
	assert.Equal(t, []string{"TargetSearch: EGFR is a kinase.", "ReportAgent: Report done."}, agentTexts(sess.Messages))

	assert.Equal(t, []core.EventType{
		core.EventTurnStarted,
		core.EventToolCallStarted,
		core.EventToolCallFinished,
		core.EventTurnCompleted,
		core.EventTurnStarted,
		core.EventTurnCompleted,
		core.EventSessionTerminated,
	}, eventTypes(events, true))

	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
		assert.Equal(t, "s1", ev.SessionID)
	}

	var streamed strings.Builder
	for _, ev := range events {
		if ev.Type == core.EventTextDelta && ev.Agent == "TargetSearch" {
			streamed.WriteString(ev.Text)
		}
	}
	assert.Equal(t, "Let me look.EGFR is a kinase.", streamed.String())

	last := events[len(events)-1]
	assert.True(t, last.IsTerminal())
	assert.Equal(t, core.StateCompleted, last.State)

	// the second model round sees the tool traffic of the turn in progress
	reqs := targetLLM.Requests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[0].Messages, 1)
	assert.Len(t, reqs[1].Messages, 3)
	assert.Len(t, reqs[0].Tools, 1)
	assert.Equal(t, "TargetSearch", reqs[0].Agent)

	// report agent sees the committed turn of the target agent
	assert.Len(t, reportLLM.Requests()[0].Messages, 4)

	stored, err := store.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, sess.Version, stored.Version)
	assert.Equal(t, core.StateCompleted, stored.State)
	assert.Len(t, stored.Messages, 5)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.SelectionTotal.WithLabelValues("speak")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TurnsTotal.WithLabelValues("TargetSearch", "completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ToolCallsTotal.WithLabelValues("search", "ok")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.SessionsActive))
	assert.False(t, eng.Running("s1"))
}

func TestEngine_TurnLimitTerminates(t *testing.T) {
	targetLLM := model.NewScriptedModel("target")
	targetLLM.SetFallback(func(model.Request) model.Step { return model.Say("more targets") })

	roster := newRoster(t, nil,
		agent.New("TargetAgent", targetLLM, maxConsecutive(3)),
		agent.New("DrugAgent", model.NewScriptedModel("drug")),
	)

	sel := speakThenStop("TargetAgent", "TargetAgent", "TargetAgent", "TargetAgent", "TargetAgent")
	eng := newEngine(t, roster, sel, session.NewInMemoryStore())

	sess, _, err := eng.RunSync(context.Background(), "s1", "targets?")
	require.NoError(t, err)

	assert.Equal(t, core.StateCompleted, sess.State)
	assert.Equal(t, core.ReasonTurnLimitExceeded, sess.Reason)
	assert.Equal(t, 3, targetLLM.Calls())
	assert.Len(t, agentTexts(sess.Messages), 3)
	assert.Equal(t, 4, sel.calls())
}

func TestEngine_TurnLimitSkip(t *testing.T) {
	targetLLM := model.NewScriptedModel("target")
	targetLLM.SetFallback(func(model.Request) model.Step { return model.Say("more targets") })
	drugLLM := model.NewScriptedModel("drug", model.Say("gefitinib"))

	roster := newRoster(t, nil,
		agent.New("TargetAgent", targetLLM, maxConsecutive(3)),
		agent.New("DrugAgent", drugLLM),
	)

	var excluded [][]string
	sel := selector.Func(func(_ context.Context, req selector.Request) (selector.NextAction, error) {
		excluded = append(excluded, req.Exclude)
		switch {
		case len(req.Exclude) > 0:
			return selector.Speak("DrugAgent"), nil
		case req.LastSpeaker == "DrugAgent":
			return selector.Terminate(""), nil
		default:
			return selector.Speak("TargetAgent"), nil
		}
	})

	eng := newEngine(t, roster, sel, session.NewInMemoryStore(), func(o *Options) {
		o.Config.TurnLimitPolicy = TurnLimitSkip
	})

	sess, _, err := eng.RunSync(context.Background(), "s1", "targets?")
	require.NoError(t, err)

	assert.Equal(t, core.ReasonSelectorTerminated, sess.Reason)
	assert.Equal(t, []string{
		"TargetAgent: more targets",
		"TargetAgent: more targets",
		"TargetAgent: more targets",
		"DrugAgent: gefitinib",
	}, agentTexts(sess.Messages))
	assert.Contains(t, excluded, []string{"TargetAgent"})
}

func TestEngine_TurnLimitSkipWithoutAlternative(t *testing.T) {
	llm := model.NewScriptedModel("solo")
	llm.SetFallback(func(model.Request) model.Step { return model.Say("again") })

	roster := newRoster(t, nil, agent.New("Solo", llm, maxConsecutive(2)))

	sel := selector.Func(func(_ context.Context, req selector.Request) (selector.NextAction, error) {
		if len(req.Candidates()) == 0 {
			return selector.NextAction{}, &selector.SelectionError{Err: selector.ErrNoCandidates}
		}
		return selector.Speak("Solo"), nil
	})

	eng := newEngine(t, roster, sel, session.NewInMemoryStore(), func(o *Options) {
		o.Config.TurnLimitPolicy = TurnLimitSkip
	})

	sess, _, err := eng.RunSync(context.Background(), "", "go")
	require.NoError(t, err)
	assert.Equal(t, core.ReasonTurnLimitExceeded, sess.Reason)
	assert.Equal(t, 2, llm.Calls())
	assert.NotEmpty(t, sess.ID)
}

func TestEngine_MaxToolIterations(t *testing.T) {
	registry := newRegistry(t)

	llm := model.NewScriptedModel("drug")
	llm.SetFallback(func(req model.Request) model.Step {
		if len(req.Tools) > 0 {
			return model.CallTools(core.ToolCallRequest{Name: "search", Arguments: `{"query":"EGFR inhibitors"}`})
		}
		return model.Say("Three searches were enough.")
	})

	roster := newRoster(t, registry, agent.New("DrugSearch", llm, tools("search"), func(o *agent.Options) {
		o.MaxToolIterations = 3
	}))

	eng := newEngine(t, roster, speakThenStop("DrugSearch"), session.NewInMemoryStore(), WithRegistry(registry))

	sess, events, err := eng.RunSync(context.Background(), "s1", "drugs?")
	require.NoError(t, err)
	assert.Equal(t, core.StateCompleted, sess.State)

	reqs := llm.Requests()
	require.Len(t, reqs, 4)
	for _, r := range reqs[:3] {
		assert.NotEmpty(t, r.Tools)
	}
	assert.Empty(t, reqs[3].Tools)

	// user + 3 request/result pairs + final answer
	require.Len(t, sess.Messages, 8)

	ids := map[string]bool{}
	for i := 1; i < 7; i += 2 {
		call := sess.Messages[i].ToolCalls()[0]
		res := sess.Messages[i+1].ToolResults()[0]
		assert.True(t, strings.HasPrefix(call.ID, "call_"))
		assert.Equal(t, call.ID, res.CallID)
		ids[call.ID] = true
	}
	assert.Len(t, ids, 3)

	var started int
	for _, ev := range events {
		if ev.Type == core.EventToolCallStarted {
			started++
		}
	}
	assert.Equal(t, 3, started)
}

func TestEngine_ToolErrorsReturnToAgent(t *testing.T) {
	registry := newRegistry(t)

	llm := model.NewScriptedModel("drug",
		model.CallTools(
			core.ToolCallRequest{ID: "c1", Name: "lookup", Arguments: `{}`},
			core.ToolCallRequest{ID: "c2", Name: "search", Arguments: `{"query": 7}`},
		),
		model.Say("I could not use those tools."),
	)

	roster := newRoster(t, registry, agent.New("DrugSearch", llm, tools("search")))
	eng := newEngine(t, roster, speakThenStop("DrugSearch"), session.NewInMemoryStore(), WithRegistry(registry))

	sess, _, err := eng.RunSync(context.Background(), "s1", "drugs?")
	require.NoError(t, err)
	assert.Equal(t, core.StateCompleted, sess.State)

	require.Len(t, sess.Messages, 6)
	assert.Equal(t, core.ErrorKindUnauthorizedTool, sess.Messages[2].ToolResults()[0].ErrorKind)
	assert.Equal(t, core.ErrorKindInvalidArguments, sess.Messages[4].ToolResults()[0].ErrorKind)

	// tool calls are recorded in request order
	assert.Equal(t, "c1", sess.Messages[1].ToolCalls()[0].ID)
	assert.Equal(t, "c2", sess.Messages[3].ToolCalls()[0].ID)
}

func TestEngine_MaxTurns(t *testing.T) {
	llm := model.NewScriptedModel("m")
	llm.SetFallback(func(model.Request) model.Step { return model.Say("noted") })

	roster := newRoster(t, nil, agent.New("Critique", llm), agent.New("ReportAgent", llm))

	sel := selector.Func(func(_ context.Context, req selector.Request) (selector.NextAction, error) {
		if req.LastSpeaker == "Critique" {
			return selector.Speak("ReportAgent"), nil
		}
		return selector.Speak("Critique"), nil
	})

	eng := newEngine(t, roster, sel, session.NewInMemoryStore(), func(o *Options) { o.Config.MaxTurns = 2 })

	sess, _, err := eng.RunSync(context.Background(), "s1", "go")
	require.NoError(t, err)
	assert.Equal(t, core.ReasonMaxTurnsReached, sess.Reason)
	assert.Len(t, agentTexts(sess.Messages), 2)
}

func TestEngine_CancelMidTurnAndResume(t *testing.T) {
	llm := model.NewScriptedModel("target", model.Hang())
	roster := newRoster(t, nil, agent.New("TargetSearch", llm), agent.New("ReportAgent", model.NewScriptedModel("r")))

	store := session.NewInMemoryStore()
	sel := speakThenStop("TargetSearch")
	eng := newEngine(t, roster, sel, store)

	ctx := context.Background()

	run, err := eng.Start(ctx, "s1", "EGFR?")
	require.NoError(t, err)
	assert.True(t, eng.Running("s1"))

	_, err = eng.Start(ctx, "s1", "again")
	assert.ErrorIs(t, err, core.ErrSessionActive)

	for ev := range run.Events() {
		if ev.Type == core.EventTurnStarted {
			break
		}
	}
	require.NoError(t, eng.Cancel("s1"))

	_, err = run.Wait()
	kind, ok := core.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, core.ErrorKindCancelled, kind)
	assert.ErrorIs(t, err, context.Canceled)

	stored, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, core.StateCancelled, stored.State)
	assert.True(t, stored.PendingTurn)
	assert.Equal(t, "TargetSearch", stored.Cursor)
	assert.Len(t, stored.Messages, 1, "interrupted turn leaves no partial output")

	assert.ErrorIs(t, eng.Cancel("s1"), ErrNotRunning)

	llm.Push(model.Say("EGFR is a kinase."))

	sess, events, err := eng.ResumeSync(ctx, "s1")
	require.NoError(t, err)

	assert.Equal(t, core.StateCompleted, sess.State)
	assert.Equal(t, 2, sess.Attempt)
	assert.False(t, sess.PendingTurn)
	assert.Equal(t, []string{"TargetSearch: EGFR is a kinase."}, agentTexts(sess.Messages))
	assert.Equal(t, stored.Messages[0].ID, sess.Messages[0].ID, "history prefix is preserved")

	// the interrupted agent is retried without asking the selector
	assert.Equal(t, 2, sel.calls())
	assert.Equal(t, core.EventTurnStarted, events[0].Type)
	assert.Equal(t, "TargetSearch", events[0].Agent)
	assert.Equal(t, int64(1), events[0].Seq)

	_, err = eng.Resume(ctx, "s1")
	assert.ErrorIs(t, err, core.ErrSessionCompleted)
}

func TestEngine_CallerContextCancels(t *testing.T) {
	llm := model.NewScriptedModel("target", model.Hang())
	roster := newRoster(t, nil, agent.New("TargetSearch", llm))
	store := session.NewInMemoryStore()
	eng := newEngine(t, roster, speakThenStop("TargetSearch"), store)

	ctx, cancel := context.WithCancel(context.Background())
	run, err := eng.Start(ctx, "s1", "EGFR?")
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	events, err := run.Wait()
	assert.Error(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, core.StateCancelled, events[len(events)-1].State)

	<-run.Done()
	assert.Equal(t, core.StateCancelled, run.Session().State)
}

func TestEngine_StartExistingSession(t *testing.T) {
	store := session.NewInMemoryStore()
	require.NoError(t, store.Save(context.Background(), rmtestutil.NewSessionBuilder("s1").Build()))

	roster := newRoster(t, nil, agent.New("Critique", model.NewScriptedModel("m")))
	eng := newEngine(t, roster, speakThenStop(), store)

	_, err := eng.Start(context.Background(), "s1", "hello")
	assert.ErrorIs(t, err, core.ErrSessionExists)
	assert.False(t, eng.Running("s1"))
}

func TestEngine_ResumeErrors(t *testing.T) {
	ctx := context.Background()
	store := session.NewInMemoryStore()

	require.NoError(t, store.Save(ctx, rmtestutil.NewSessionBuilder("ghost").
		Cursor("Ghost").
		Ended(core.StateFailed, string(core.ErrorKindCompletionFailed)).
		Build()))

	roster := newRoster(t, nil, agent.New("Critique", model.NewScriptedModel("m")))
	eng := newEngine(t, roster, speakThenStop(), store)

	_, err := eng.Resume(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrSessionNotFound)

	_, err = eng.Resume(ctx, "ghost")
	assert.ErrorIs(t, err, core.ErrInvalidCursor)
	kind, _ := core.KindOf(err)
	assert.Equal(t, core.ErrorKindInvalidCursor, kind)

	stored, err := store.Load(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, core.StateFailed, stored.State, "rejected resume leaves the session untouched")
}

func TestEngine_Failures(t *testing.T) {
	tests := []struct {
		name string
		step model.Step
		more []model.Step
		sel  selector.Selector
		kind core.ErrorKind
	}{
		{
			name: "selection error",
			sel: selector.Func(func(context.Context, selector.Request) (selector.NextAction, error) {
				return selector.NextAction{}, &selector.SelectionError{Replies: []string{"Bob", "Alice"}}
			}),
			kind: core.ErrorKindSelection,
		},
		{
			name: "unknown agent",
			sel: selector.Func(func(context.Context, selector.Request) (selector.NextAction, error) {
				return selector.Speak("Nobody"), nil
			}),
			kind: core.ErrorKindSelection,
		},
		{
			name: "empty response",
			step: model.Say(""),
			kind: core.ErrorKindMalformedCompletion,
		},
		{
			name: "missing final response",
			step: model.Step{NoFinal: true},
			kind: core.ErrorKindMalformedCompletion,
		},
		{
			name: "nameless tool call",
			step: model.CallTools(core.ToolCallRequest{ID: "c1"}),
			kind: core.ErrorKindMalformedCompletion,
		},
		{
			name: "duplicate call ids",
			step: model.CallTools(
				core.ToolCallRequest{ID: "c1", Name: "search", Arguments: `{"query":"a"}`},
				core.ToolCallRequest{ID: "c1", Name: "search", Arguments: `{"query":"b"}`},
			),
			kind: core.ErrorKindMalformedCompletion,
		},
		{
			name: "call id reused in a later round",
			step: model.CallTools(core.ToolCallRequest{ID: "c1", Name: "search", Arguments: `{"query":"a"}`}),
			more: []model.Step{
				model.CallTools(core.ToolCallRequest{ID: "c1", Name: "search", Arguments: `{"query":"b"}`}),
				model.Say("done"),
			},
			kind: core.ErrorKindMalformedCompletion,
		},
		{
			name: "transport error",
			step: model.Fail(errors.New("502 bad gateway")),
			kind: core.ErrorKindCompletionFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := newRegistry(t)
			llm := model.NewScriptedModel("m", append([]model.Step{tt.step}, tt.more...)...)
			roster := newRoster(t, registry, agent.New("DrugSearch", llm, tools("search")))

			sel := tt.sel
			if sel == nil {
				sel = speakThenStop("DrugSearch")
			}

			store := session.NewInMemoryStore()
			eng := newEngine(t, roster, sel, store, WithRegistry(registry))

			sess, events, err := eng.RunSync(context.Background(), "s1", "drugs?")
			require.Error(t, err)

			kind, ok := core.KindOf(err)
			require.True(t, ok)
			assert.Equal(t, tt.kind, kind)

			assert.Equal(t, core.StateFailed, sess.State)
			assert.Equal(t, string(tt.kind), sess.Reason)
			assert.Len(t, sess.Messages, 1)

			last := events[len(events)-1]
			assert.Equal(t, core.EventSessionTerminated, last.Type)
			assert.Equal(t, core.StateFailed, last.State)

			stored, err := store.Load(context.Background(), "s1")
			require.NoError(t, err)
			assert.Equal(t, core.StateFailed, stored.State)
			assert.Len(t, stored.Messages, 1)
		})
	}
}

// interferingStore lets a foreign writer touch the session right before the
// n-th save.
type interferingStore struct {
	*session.InMemoryStore
	mu        sync.Mutex
	saves     int
	at        int
	interfere func(s *core.Session)
	fail      error
}

func (s *interferingStore) Save(ctx context.Context, sess *core.Session) error {
	s.mu.Lock()
	s.saves++
	hit := s.saves == s.at
	s.mu.Unlock()

	if hit {
		if s.fail != nil {
			return s.fail
		}
		other, err := s.InMemoryStore.Load(ctx, sess.ID)
		if err != nil {
			return err
		}
		s.interfere(other)
		if err := s.InMemoryStore.Save(ctx, other); err != nil {
			return err
		}
	}

	return s.InMemoryStore.Save(ctx, sess)
}

func TestEngine_CheckpointConflict(t *testing.T) {
	newRun := func(t *testing.T, store core.SessionStore) (*core.Session, error) {
		llm := model.NewScriptedModel("m", model.Say("done"))
		roster := newRoster(t, nil, agent.New("Critique", llm))
		eng := newEngine(t, roster, speakThenStop("Critique"), store)
		sess, _, err := eng.RunSync(context.Background(), "s1", "review")
		return sess, err
	}

	t.Run("same history is adopted", func(t *testing.T) {
		store := &interferingStore{InMemoryStore: session.NewInMemoryStore(), at: 2, interfere: func(*core.Session) {}}

		sess, err := newRun(t, store)
		require.NoError(t, err)
		assert.Equal(t, core.StateCompleted, sess.State)
		assert.Equal(t, int64(4), sess.Version)
	})

	t.Run("diverged history fails", func(t *testing.T) {
		store := &interferingStore{InMemoryStore: session.NewInMemoryStore(), at: 2, interfere: func(s *core.Session) {
			s.Append(core.NewUserMessage("foreign"))
		}}

		sess, err := newRun(t, store)
		kind, _ := core.KindOf(err)
		assert.Equal(t, core.ErrorKindStoreConflict, kind)
		assert.ErrorIs(t, err, core.ErrStoreConflict)
		assert.Equal(t, core.StateFailed, sess.State)

		stored, err := store.Load(context.Background(), "s1")
		require.NoError(t, err)
		assert.Equal(t, "foreign", stored.Messages[1].Text())
	})

	t.Run("io failure keeps last checkpoint", func(t *testing.T) {
		store := &interferingStore{
			InMemoryStore: session.NewInMemoryStore(),
			at:            2,
			fail:          core.NewStoreIOError("save", "s1", errors.New("disk full")),
		}

		sess, err := newRun(t, store)
		kind, _ := core.KindOf(err)
		assert.Equal(t, core.ErrorKindStoreIO, kind)
		assert.ErrorIs(t, err, core.ErrStoreIO)
		assert.Equal(t, core.StateFailed, sess.State)

		stored, err := store.Load(context.Background(), "s1")
		require.NoError(t, err)
		assert.Equal(t, core.StateRunning, stored.State)
		assert.Len(t, stored.Messages, 1)
	})
}

func TestEngine_ConcurrentSessions(t *testing.T) {
	llm := model.NewScriptedModel("m")
	llm.SetFallback(func(req model.Request) model.Step {
		return model.Say(fmt.Sprintf("answer to %s", req.Messages[0].Text()))
	})

	roster := newRoster(t, nil, agent.New("Critique", llm))
	sel := selector.Func(func(_ context.Context, req selector.Request) (selector.NextAction, error) {
		if req.LastSpeaker == "" {
			return selector.Speak("Critique"), nil
		}
		return selector.Terminate(""), nil
	})

	store := session.NewInMemoryStore()
	eng := newEngine(t, roster, sel, store, func(o *Options) { o.Config.MaxConcurrentSessions = 2 })

	const n = 6

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i)
			sess, _, err := eng.RunSync(context.Background(), id, "q"+id)
			assert.NoError(t, err)
			assert.Equal(t, []string{"Critique: answer to q" + id}, agentTexts(sess.Messages))
		}(i)
	}
	wg.Wait()

	heads, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, heads, n)
	for _, h := range heads {
		assert.Equal(t, core.StateCompleted, h.State)
	}
}

func TestEngine_Callbacks(t *testing.T) {
	registry := newRegistry(t)
	llm := model.NewScriptedModel("m",
		model.CallTools(core.ToolCallRequest{ID: "c1", Name: "search", Arguments: `{"query":"EGFR"}`}),
		model.Say("done"),
	)
	roster := newRoster(t, registry, agent.New("TargetSearch", llm, tools("search")))

	var (
		mu   sync.Mutex
		seen []CallbackType
	)
	record := func(ct CallbackType) Callback {
		return NewFunctionCallback(ct, func(_ context.Context, cbCtx *CallbackContext) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, cbCtx.CallbackType)
			return errors.New("ignored")
		})
	}

	var lines []string
	eng := newEngine(t, roster, speakThenStop("TargetSearch"), session.NewInMemoryStore(),
		WithRegistry(registry),
		WithCallbacks(
			record(CallbackBeforeTurn),
			record(CallbackBeforeTool),
			record(CallbackAfterTool),
			record(CallbackAfterTurn),
			record(CallbackOnTermination),
			NewLoggingCallback(CallbackAfterTool, func(msg string) { lines = append(lines, msg) }),
			NewFunctionCallback(CallbackAfterTurn, func(context.Context, *CallbackContext) error { panic("boom") }),
		),
	)

	sess, _, err := eng.RunSync(context.Background(), "s1", "EGFR?")
	require.NoError(t, err)
	assert.Equal(t, core.StateCompleted, sess.State)

	assert.Equal(t, []CallbackType{
		CallbackBeforeTurn,
		CallbackBeforeTool,
		CallbackAfterTool,
		CallbackAfterTurn,
		CallbackOnTermination,
	}, seen)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "tool=search status=ok")
}
