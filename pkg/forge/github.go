package forge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"repopilot/pkg/auth"
	"repopilot/pkg/logx"
)

// GitHubAdapter implements Adapter via the gh CLI. All operations run
// on the host; they are pure API calls.
type GitHubAdapter struct {
	logger  *logx.Logger
	tokens  auth.TokenSource
	timeout time.Duration
}

// NewGitHubAdapter creates a gh-backed adapter. tokens may be nil when
// gh's own authentication is configured.
func NewGitHubAdapter(tokens auth.TokenSource) *GitHubAdapter {
	return &GitHubAdapter{
		logger:  logx.NewLogger("github"),
		tokens:  tokens,
		timeout: 2 * time.Minute,
	}
}

func (g *GitHubAdapter) Provider() Provider {
	return ProviderGitHub
}

// ghPullRequest matches gh CLI --json output field names.
type ghPullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	Title  string `json:"title"`
	State  string `json:"state"`
}

// CreateChangeRequest opens a PR for input.TargetBranch, reusing an
// already-open PR for the same head branch when one exists.
func (g *GitHubAdapter) CreateChangeRequest(ctx context.Context, input ChangeRequestInput) (*ChangeRequest, error) {
	if input.TargetBranch == "" {
		return nil, fmt.Errorf("target branch is required")
	}

	if existing, err := g.openPRForBranch(ctx, input.Repository, input.TargetBranch); err == nil && existing != nil {
		g.logger.Info("Reusing existing change request #%d for branch %s", existing.Number, input.TargetBranch)
		return existing, nil
	}

	title := g.formatTitle(input)
	body := g.formatBody(input)

	args := []string{
		"pr", "create",
		"--repo", input.Repository,
		"--title", title,
		"--body", body,
		"--head", input.TargetBranch,
	}
	if input.BaseBranch != "" {
		args = append(args, "--base", input.BaseBranch)
	}

	// `gh pr create` prints the PR URL, not JSON.
	out, err := g.run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to create change request: %w", err)
	}
	url := strings.TrimSpace(string(out))

	// View the PR back to get its number.
	created, err := g.openPRForBranch(ctx, input.Repository, input.TargetBranch)
	if err != nil || created == nil {
		// The PR exists; degrade to the URL alone.
		return &ChangeRequest{URL: url, Title: title}, nil
	}
	return created, nil
}

// Comment posts a comment on a PR or issue.
func (g *GitHubAdapter) Comment(ctx context.Context, repository string, number int, body string) error {
	_, err := g.run(ctx,
		"issue", "comment", fmt.Sprintf("%d", number),
		"--repo", repository,
		"--body", body,
	)
	if err != nil {
		return fmt.Errorf("failed to post comment: %w", err)
	}
	return nil
}

func (g *GitHubAdapter) openPRForBranch(ctx context.Context, repository, branch string) (*ChangeRequest, error) {
	var prs []ghPullRequest
	err := g.runJSON(ctx, &prs,
		"pr", "list",
		"--repo", repository,
		"--head", branch,
		"--state", "open",
		"--json", "number,url,title,state",
	)
	if err != nil {
		return nil, err
	}
	if len(prs) == 0 {
		return nil, nil
	}
	pr := prs[0]
	return &ChangeRequest{Number: pr.Number, URL: pr.URL, Title: pr.Title}, nil
}

func (g *GitHubAdapter) formatTitle(input ChangeRequestInput) string {
	title := strings.TrimSpace(input.RequestText)
	if title == "" {
		title = fmt.Sprintf("Apply %s", input.CommandName)
	}
	if len(title) > 72 {
		title = title[:69] + "..."
	}
	return title
}

func (g *GitHubAdapter) formatBody(input ChangeRequestInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Automated change produced by the `%s` command.\n\n", input.CommandName)
	if input.RequestText != "" {
		fmt.Fprintf(&b, "**Request:** %s\n\n", input.RequestText)
	}
	fmt.Fprintf(&b, "**Base commit:** %s\n", input.OriginalCommit)
	fmt.Fprintf(&b, "**Head commit:** %s\n\n", input.FinalCommit)
	if len(input.Files) > 0 {
		b.WriteString("**Changed files:**\n")
		for _, f := range input.Files {
			fmt.Fprintf(&b, "- `%s`\n", f)
		}
	}
	return b.String()
}

// run executes a gh command and returns its output.
func (g *GitHubAdapter) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	g.logger.Debug("Executing: gh %s", strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Env = os.Environ()
	if g.tokens != nil {
		if token, err := g.tokens.Token(ctx); err == nil && token.Value != "" {
			cmd.Env = append(cmd.Env, "GH_TOKEN="+token.Value)
		}
	}

	output, err := cmd.CombinedOutput()
	if err != nil {
		g.logger.Debug("Command failed: %v, output: %s", err, string(output))
		return nil, fmt.Errorf("gh command failed: %w\nOutput: %s", err, string(output))
	}
	return output, nil
}

// runJSON executes a gh command and unmarshals the JSON response.
func (g *GitHubAdapter) runJSON(ctx context.Context, result any, args ...string) error {
	output, err := g.run(ctx, args...)
	if err != nil {
		return err
	}
	if len(output) == 0 {
		return nil
	}
	if err := json.Unmarshal(output, result); err != nil {
		return fmt.Errorf("failed to parse JSON response: %w\nOutput: %s", err, string(output))
	}
	return nil
}
