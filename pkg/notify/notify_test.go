package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type countingNotifier struct {
	service   string
	err       error
	successes int
	failures  int
}

func (n *countingNotifier) Service() string { return n.service }

func (n *countingNotifier) NotifySuccess(context.Context, PipelineSummary) error {
	n.successes++
	return n.err
}

func (n *countingNotifier) NotifyError(context.Context, PipelineSummary) error {
	n.failures++
	return n.err
}

func TestRouterRoutesByService(t *testing.T) {
	github := &countingNotifier{service: "github"}
	slack := &countingNotifier{service: "slack"}
	r := NewRouter(github, slack)

	r.NotifySuccess(context.Background(), PipelineSummary{Service: "github"})
	r.NotifyError(context.Background(), PipelineSummary{Service: "slack"})

	assert.Equal(t, 1, github.successes)
	assert.Zero(t, github.failures)
	assert.Equal(t, 1, slack.failures)
}

func TestRouterUnknownServiceFallsBack(t *testing.T) {
	github := &countingNotifier{service: "github"}
	r := NewRouter(github)

	// Must not panic, must not reach the github adapter.
	r.NotifySuccess(context.Background(), PipelineSummary{Service: "linear"})
	assert.Zero(t, github.successes)
}

func TestRouterSwallowsDeliveryFailures(t *testing.T) {
	github := &countingNotifier{service: "github", err: errors.New("api: 502")}
	r := NewRouter(github)

	// Notification failures are logged, never propagated.
	r.NotifySuccess(context.Background(), PipelineSummary{Service: "github"})
	r.NotifyError(context.Background(), PipelineSummary{Service: "github"})
	assert.Equal(t, 1, github.successes)
	assert.Equal(t, 1, github.failures)
}

func TestSummaryOutcome(t *testing.T) {
	success := PipelineSummary{
		CommandName:      "refactor",
		Repository:       "acme/payments",
		ChangedFiles:     []string{"src/app.py", "src/util.py"},
		ChangeRequestURL: "https://github.com/acme/payments/pull/42",
	}
	assert.Equal(t,
		"Command refactor completed on acme/payments with 2 changed file(s): https://github.com/acme/payments/pull/42",
		success.Outcome())

	noChanges := PipelineSummary{CommandName: "audit", Repository: "acme/payments"}
	assert.Equal(t, "Command audit completed on acme/payments", noChanges.Outcome())

	failed := PipelineSummary{
		CommandName: "refactor",
		Repository:  "acme/payments",
		Error:       "command exited with code 1",
	}
	assert.Equal(t, "Command refactor failed on acme/payments: command exited with code 1", failed.Outcome())
}
