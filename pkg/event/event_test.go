package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEvent() StandardizedEvent {
	return StandardizedEvent{
		Service:     "github",
		RequestText: "refactor the upload handler",
		Repository: RepositoryContext{
			Name:          "acme/payments",
			DefaultBranch: "main",
			CanRead:       true,
			CanWrite:      true,
		},
	}
}

func TestValidate(t *testing.T) {
	ev := validEvent()
	require.NoError(t, ev.Validate())

	cases := []struct {
		name   string
		mutate func(*StandardizedEvent)
		field  string
	}{
		{"missing service", func(e *StandardizedEvent) { e.Service = "" }, "service"},
		{"missing request text", func(e *StandardizedEvent) { e.RequestText = "" }, "request_text"},
		{"missing repository name", func(e *StandardizedEvent) { e.Repository.Name = "" }, "repository.name"},
		{"missing default branch", func(e *StandardizedEvent) { e.Repository.DefaultBranch = "" }, "repository.default_branch"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := validEvent()
			tc.mutate(&ev)
			err := ev.Validate()
			require.Error(t, err)
			assert.Equal(t, "event missing required field: "+tc.field, err.Error())
		})
	}
}

func TestValidateOptionalFields(t *testing.T) {
	// Read-only events and events without an issue number are valid.
	ev := validEvent()
	ev.Repository.CanWrite = false
	ev.IssueNumber = 0
	ev.Files = nil
	assert.NoError(t, ev.Validate())
}
