package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/researchmesh/core"
	"github.com/hupe1980/researchmesh/internal/metrics"
	"github.com/hupe1980/researchmesh/tool"
)

type buffer struct {
	msgs []core.Message
}

func (b *buffer) Append(msgs ...core.Message) { b.msgs = append(b.msgs, msgs...) }

type searchArgs struct {
	Query string `json:"query"`
}

func newRegistry(t *testing.T, calls *int) *tool.Registry {
	t.Helper()
	r := tool.NewRegistry()

	require.NoError(t, r.Register(tool.NewFunctionToolFromStruct("search", "search", searchArgs{},
		func(ctx context.Context, args map[string]any) (any, error) {
			*calls++
			info, _ := tool.CallInfoFromContext(ctx)
			return map[string]any{"query": args["query"], "session": info.SessionID, "agent": info.Agent}, nil
		})))

	require.NoError(t, r.Register(tool.NewFunctionTool("lookup", "lookup", nil,
		func(ctx context.Context, args map[string]any) (any, error) {
			*calls++
			return "found", nil
		})))

	require.NoError(t, r.Register(tool.NewFunctionTool("slow", "never returns in time", nil,
		func(ctx context.Context, args map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}), tool.WithTimeout(20*time.Millisecond)))

	require.NoError(t, r.Register(tool.NewFunctionTool("stubborn", "ignores its context", nil,
		func(ctx context.Context, args map[string]any) (any, error) {
			time.Sleep(200 * time.Millisecond)
			return "late", nil
		}), tool.WithTimeout(20*time.Millisecond)))

	require.NoError(t, r.Register(tool.NewFunctionTool("broken", "fails upstream", nil,
		func(ctx context.Context, args map[string]any) (any, error) {
			return nil, tool.NewToolError("broken", "upstream returned 502", "UPSTREAM")
		})))

	require.NoError(t, r.Register(tool.NewFunctionTool("panicky", "panics", nil,
		func(ctx context.Context, args map[string]any) (any, error) {
			panic("nil map write")
		})))

	require.NoError(t, r.Register(tool.NewFunctionTool("weird", "returns a channel", nil,
		func(ctx context.Context, args map[string]any) (any, error) {
			return make(chan int), nil
		})))

	return r
}

func allow(names ...string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

func TestDispatch_Success(t *testing.T) {
	var calls int
	m := metrics.New()
	d := New(newRegistry(t, &calls), func(o *Options) { o.Metrics = m })
	h := &buffer{}

	ctx := tool.WithCallInfo(context.Background(), tool.CallInfo{SessionID: "s1"})
	res, err := d.Dispatch(ctx, h, Call{
		Agent:    "TargetSearch",
		Request:  core.ToolCallRequest{ID: "c1", Name: "search", Arguments: `{"query":"EGFR"}`},
		Allowed:  allow("search"),
		Preamble: "Looking it up",
	})
	require.NoError(t, err)

	assert.Equal(t, core.ToolCallStatusOK, res.Status)
	assert.Equal(t, "c1", res.CallID)

	var out map[string]any
	require.NoError(t, json.Unmarshal(res.Output, &out))
	assert.Equal(t, map[string]any{"query": "EGFR", "session": "s1", "agent": "TargetSearch"}, out)

	require.Len(t, h.msgs, 2)
	assert.Equal(t, core.RoleAgent, h.msgs[0].Role)
	assert.Equal(t, "Looking it up", h.msgs[0].Text())
	assert.Equal(t, "c1", h.msgs[0].ToolCalls()[0].ID)
	assert.Equal(t, core.RoleToolResult, h.msgs[1].Role)
	assert.Equal(t, "TargetSearch", h.msgs[1].Author)
	assert.Equal(t, res, h.msgs[1].ToolResults()[0])

	assert.Equal(t, 1, calls)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ToolCallsTotal.WithLabelValues("search", "ok")))
}

func TestDispatch_UnauthorizedTool(t *testing.T) {
	var calls int
	d := New(newRegistry(t, &calls))
	h := &buffer{}

	res, err := d.Dispatch(context.Background(), h, Call{
		Agent:   "DrugSearch",
		Request: core.ToolCallRequest{ID: "c1", Name: "lookup", Arguments: `{}`},
		Allowed: allow("search"),
	})
	require.NoError(t, err)

	assert.Equal(t, core.ToolCallStatusError, res.Status)
	assert.Equal(t, core.ErrorKindUnauthorizedTool, res.ErrorKind)
	assert.Zero(t, calls, "lookup must not be invoked")

	require.Len(t, h.msgs, 2)
	assert.Equal(t, res, h.msgs[1].ToolResults()[0])
}

func TestDispatch_UnregisteredToolIsUnauthorized(t *testing.T) {
	var calls int
	d := New(newRegistry(t, &calls))

	res, err := d.Dispatch(context.Background(), &buffer{}, Call{
		Agent:   "DrugSearch",
		Request: core.ToolCallRequest{ID: "c1", Name: "ghost"},
		Allowed: allow("ghost"),
	})
	require.NoError(t, err)
	assert.Equal(t, core.ErrorKindUnauthorizedTool, res.ErrorKind)
}

func TestDispatch_InvalidArguments(t *testing.T) {
	var calls int
	d := New(newRegistry(t, &calls))

	for _, args := range []string{`{"query": 42}`, `{}`, `not json`, `["EGFR"]`} {
		h := &buffer{}
		res, err := d.Dispatch(context.Background(), h, Call{
			Agent:   "TargetSearch",
			Request: core.ToolCallRequest{ID: "c1", Name: "search", Arguments: args},
			Allowed: allow("search"),
		})
		require.NoError(t, err)
		assert.Equal(t, core.ErrorKindInvalidArguments, res.ErrorKind, args)
		assert.Len(t, h.msgs, 2)
	}
	assert.Zero(t, calls)
}

func TestDispatch_Timeout(t *testing.T) {
	var calls int
	d := New(newRegistry(t, &calls))

	for _, name := range []string{"slow", "stubborn"} {
		res, err := d.Dispatch(context.Background(), &buffer{}, Call{
			Agent:   "DrugSearch",
			Request: core.ToolCallRequest{ID: "c1", Name: name},
			Allowed: allow(name),
		})
		require.NoError(t, err)
		assert.Equal(t, core.ToolCallStatusTimeout, res.Status, name)
		assert.Equal(t, core.ErrorKindTimeout, res.ErrorKind, name)
	}
}

func TestDispatch_ExecutionFailures(t *testing.T) {
	var calls int
	d := New(newRegistry(t, &calls))

	for name, want := range map[string]string{
		"broken":  "upstream returned 502",
		"panicky": "panic recovered: nil map write",
		"weird":   "unserializable output",
	} {
		res, err := d.Dispatch(context.Background(), &buffer{}, Call{
			Agent:   "DrugSearch",
			Request: core.ToolCallRequest{ID: "c1", Name: name},
			Allowed: allow(name),
		})
		require.NoError(t, err)
		assert.Equal(t, core.ErrorKindToolExecution, res.ErrorKind, name)
		assert.Contains(t, res.Error, want)
	}
}

func TestDispatch_CancelledMidCallAppendsNothing(t *testing.T) {
	var calls int
	d := New(newRegistry(t, &calls))
	h := &buffer{}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	_, err := d.Dispatch(ctx, h, Call{
		Agent:   "DrugSearch",
		Request: core.ToolCallRequest{ID: "c1", Name: "slow"},
		Allowed: allow("slow"),
	})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, h.msgs)
}

func TestEnsureCallID(t *testing.T) {
	req := EnsureCallID(core.ToolCallRequest{Name: "search"})
	assert.Regexp(t, `^call_.{16}$`, req.ID)

	assert.Equal(t, "keep", EnsureCallID(core.ToolCallRequest{ID: "keep"}).ID)
}
