package results

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repopilot/pkg/command"
	"repopilot/pkg/executor"
	"repopilot/pkg/forge"
	"repopilot/pkg/gitops"
	"repopilot/pkg/notify"
	"repopilot/pkg/pipeline"
	"repopilot/pkg/stageerrors"
)

// fakeAdapter records change request calls.
type fakeAdapter struct {
	created []forge.ChangeRequestInput
	err     error
}

func (a *fakeAdapter) Provider() forge.Provider { return "github" }

func (a *fakeAdapter) CreateChangeRequest(_ context.Context, input forge.ChangeRequestInput) (*forge.ChangeRequest, error) {
	if a.err != nil {
		return nil, a.err
	}
	a.created = append(a.created, input)
	return &forge.ChangeRequest{
		Number: 42,
		URL:    "https://github.com/acme/payments/pull/42",
		Title:  "repopilot: " + input.CommandName,
	}, nil
}

func (a *fakeAdapter) Comment(context.Context, string, int, string) error { return nil }

// recordingNotifier captures routed notifications.
type recordingNotifier struct {
	service   string
	successes []notify.PipelineSummary
	errors    []notify.PipelineSummary
}

func (n *recordingNotifier) Service() string { return n.service }

func (n *recordingNotifier) NotifySuccess(_ context.Context, s notify.PipelineSummary) error {
	n.successes = append(n.successes, s)
	return nil
}

func (n *recordingNotifier) NotifyError(_ context.Context, s notify.PipelineSummary) error {
	n.errors = append(n.errors, s)
	return nil
}

func testInput() Input {
	return Input{
		Pipeline: &pipeline.Pipeline{
			ID:         "p1",
			State:      pipeline.StateExecuting,
			Service:    "github",
			Repository: "acme/payments",
		},
		Request: &command.Request{
			Name: "refactor",
			Context: command.ExecContext{
				Repository:   "acme/payments",
				BaseBranch:   "main",
				TargetBranch: "repopilot/refactor-1234",
				CanWrite:     true,
			},
		},
		Result: &executor.ExecutionResult{
			Status: executor.ExecutionStatus{Success: true, ExitCode: 0},
			Changes: &gitops.ChangeSet{Files: []gitops.FileChange{
				{Path: "src/app.py", Type: gitops.ChangeModified},
			}},
			OriginalCommit: "aaaa111",
			FinalCommit:    "bbbb222",
		},
		RequestText: "refactor the uploader module",
		IssueNumber: 7,
	}
}

func TestProcessSuccessCreatesChangeRequest(t *testing.T) {
	adapter := &fakeAdapter{}
	github := &recordingNotifier{service: "github"}
	p := NewProcessor(adapter, notify.NewRouter(github))

	outcome, err := p.Process(context.Background(), testInput())
	require.NoError(t, err)

	require.Len(t, adapter.created, 1)
	created := adapter.created[0]
	assert.Equal(t, "acme/payments", created.Repository)
	assert.Equal(t, "repopilot/refactor-1234", created.TargetBranch)
	assert.Equal(t, []string{"src/app.py"}, created.Files)

	require.NotNil(t, outcome.ChangeRequest)
	assert.Equal(t, 42, outcome.ChangeRequest.Number)

	require.Len(t, github.successes, 1)
	assert.Empty(t, github.errors)
	sent := github.successes[0]
	assert.Equal(t, "https://github.com/acme/payments/pull/42", sent.ChangeRequestURL)
	assert.Equal(t, 7, sent.IssueNumber)
	assert.Contains(t, sent.Outcome(), "completed")
}

func TestProcessFailedExecutionNotifiesWithoutChangeRequest(t *testing.T) {
	adapter := &fakeAdapter{}
	github := &recordingNotifier{service: "github"}
	p := NewProcessor(adapter, notify.NewRouter(github))

	input := testInput()
	input.Result.Status = executor.ExecutionStatus{
		Success:  false,
		ExitCode: 1,
		Error:    "Traceback: boom",
	}
	input.Result.FinalCommit = ""

	outcome, err := p.Process(context.Background(), input)
	require.NoError(t, err, "a failed execution is a settled outcome, not a stage error")

	assert.Empty(t, adapter.created)
	assert.Nil(t, outcome.ChangeRequest)
	assert.Empty(t, github.successes)
	require.Len(t, github.errors, 1)
	assert.Contains(t, github.errors[0].Error, "Traceback: boom")
}

func TestProcessSuccessWithoutChangesSkipsChangeRequest(t *testing.T) {
	adapter := &fakeAdapter{}
	github := &recordingNotifier{service: "github"}
	p := NewProcessor(adapter, notify.NewRouter(github))

	input := testInput()
	input.Result.Changes = &gitops.ChangeSet{}
	input.Result.FinalCommit = ""

	outcome, err := p.Process(context.Background(), input)
	require.NoError(t, err)

	assert.Empty(t, adapter.created)
	assert.Nil(t, outcome.ChangeRequest)
	require.Len(t, github.successes, 1)
}

func TestProcessReadOnlyContextSkipsChangeRequest(t *testing.T) {
	adapter := &fakeAdapter{}
	p := NewProcessor(adapter, notify.NewRouter())

	input := testInput()
	input.Request.Context.CanWrite = false

	_, err := p.Process(context.Background(), input)
	require.NoError(t, err)
	assert.Empty(t, adapter.created)
}

func TestProcessForgeFailureIsTransient(t *testing.T) {
	adapter := &fakeAdapter{err: errors.New("api: 502 bad gateway")}
	github := &recordingNotifier{service: "github"}
	p := NewProcessor(adapter, notify.NewRouter(github))

	_, err := p.Process(context.Background(), testInput())
	require.Error(t, err)
	assert.Equal(t, stageerrors.ClassTransient, stageerrors.ClassOf(err))

	// No notification before the change request lands: the retry will
	// send exactly one.
	assert.Empty(t, github.successes)
	assert.Empty(t, github.errors)
}

func TestProcessRejectsInconsistentResult(t *testing.T) {
	p := NewProcessor(&fakeAdapter{}, notify.NewRouter())

	input := testInput()
	input.Result.Status.Error = "should not be set on success"

	_, err := p.Process(context.Background(), input)
	require.Error(t, err)
	assert.Equal(t, stageerrors.ClassValidation, stageerrors.ClassOf(err))
}

func TestProcessRejectsMalformedChangeSet(t *testing.T) {
	p := NewProcessor(&fakeAdapter{}, notify.NewRouter())

	input := testInput()
	input.Result.Changes.Files[0].Type = "moved"

	_, err := p.Process(context.Background(), input)
	require.Error(t, err)
	assert.Equal(t, stageerrors.ClassValidation, stageerrors.ClassOf(err))
}

func TestProcessRejectsChangesWithoutOriginalCommit(t *testing.T) {
	p := NewProcessor(&fakeAdapter{}, notify.NewRouter())

	input := testInput()
	input.Result.OriginalCommit = ""

	_, err := p.Process(context.Background(), input)
	require.Error(t, err)
	assert.Equal(t, stageerrors.ClassValidation, stageerrors.ClassOf(err))
}

func TestNotifyFailure(t *testing.T) {
	github := &recordingNotifier{service: "github"}
	p := NewProcessor(&fakeAdapter{}, notify.NewRouter(github))

	p.NotifyFailure(context.Background(), &pipeline.Pipeline{
		ID:         "p1",
		Service:    "github",
		Repository: "acme/payments",
		LastError:  "retries exhausted after 3 attempts",
	}, "refactor", "", 7)

	require.Len(t, github.errors, 1)
	assert.Contains(t, github.errors[0].Error, "retries exhausted")
	assert.Equal(t, 7, github.errors[0].IssueNumber)
}
