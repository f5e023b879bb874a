package human

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/researchmesh/core"
	"github.com/hupe1980/researchmesh/model"
)

func TestModel_ReadsAnswers(t *testing.T) {
	var out bytes.Buffer

	m := NewModel(strings.NewReader("\n   \n  Approved, go ahead.  \nUse EGFR only\n"), func(o *Options) {
		o.Name = "expert"
		o.Output = &out
		o.Prompt = "expert> "
	})

	req := model.Request{
		Agent:    "ExpertHuman",
		Messages: []core.Message{core.NewAgentMessage("ReportAgent", "Please accept the summary.")},
		Stream:   true,
	}

	var deltas []string
	resp, err := model.Collect(context.Background(), m, req, func(d string) { deltas = append(deltas, d) })
	require.NoError(t, err)

	assert.Equal(t, "Approved, go ahead.", resp.Text)
	assert.Equal(t, []string{"Approved, go ahead."}, deltas)
	assert.Contains(t, out.String(), "[ReportAgent] Please accept the summary.")
	assert.Contains(t, out.String(), "Answer as ExpertHuman.")
	assert.Equal(t, 3, strings.Count(out.String(), "expert> "), "blank lines re-prompt")

	resp, err = model.Collect(context.Background(), m, model.Request{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Use EGFR only", resp.Text)

	_, err = model.Collect(context.Background(), m, model.Request{}, nil)
	require.ErrorIs(t, err, ErrInputClosed)

	assert.Equal(t, model.Info{Name: "expert", Provider: "human"}, m.Info())
}

func TestModel_CancelKeepsPendingAnswer(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	m := NewModel(pr)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := model.Collect(ctx, m, model.Request{}, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	go func() { _, _ = io.WriteString(pw, "late answer\n") }()

	resp, err := model.Collect(context.Background(), m, model.Request{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "late answer", resp.Text)
}
