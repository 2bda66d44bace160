// Package command defines the command registry: an explicit immutable
// mapping from command name to its capability set, assembled once at
// process start from typed configuration. There is no runtime dynamic
// loading; an unknown command name is a fatal pipeline error.
package command

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"repopilot/pkg/config"
)

// ExecContext carries the repository and branch context a command runs in.
type ExecContext struct {
	// Repository is the target repository ("org/repo").
	Repository string `json:"repository"`

	// TargetBranch is the branch changes are pushed to.
	TargetBranch string `json:"target_branch"`

	// BaseBranch is the branch the workspace is cloned at.
	BaseBranch string `json:"base_branch"`

	// CanWrite permits committing changes and opening change requests.
	CanWrite bool `json:"can_write"`
}

// Request is a fully resolved command invocation: the selector picked the
// command, the argument generator filled the maps. Consumed by the
// executor.
type Request struct {
	// Name is the registered command name.
	Name string `json:"name"`

	// RequiredArgs maps required argument names to generated values.
	RequiredArgs map[string]string `json:"required_args,omitempty"`

	// OptionalArgs maps optional argument names to generated values.
	OptionalArgs map[string]string `json:"optional_args,omitempty"`

	Context ExecContext `json:"context"`
}

// Arg returns the value for an argument name from either map.
func (r *Request) Arg(name string) (string, bool) {
	if v, ok := r.RequiredArgs[name]; ok {
		return v, true
	}
	v, ok := r.OptionalArgs[name]
	return v, ok
}

// Command is one registered command's capability set.
type Command struct {
	Name          string
	Argv          []string
	RequiredArgs  []string
	OptionalArgs  []string
	Documentation string
	RequiredEnv   []string
	NeedsNetwork  bool
	Writes        bool
}

// BuildArgv substitutes {{arg}} placeholders in the argv template from the
// request's argument maps. Unresolved required placeholders are an error;
// placeholders for absent optional args drop the containing token.
func (c *Command) BuildArgv(req *Request) ([]string, error) {
	argv := make([]string, 0, len(c.Argv))
	for _, token := range c.Argv {
		expanded, ok, err := expandToken(token, req)
		if err != nil {
			return nil, err
		}
		if ok {
			argv = append(argv, expanded)
		}
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("command %s: argv expanded to nothing", c.Name)
	}
	return argv, nil
}

// expandToken resolves all {{arg}} placeholders in one argv token. Returns
// ok=false when the token references an absent optional argument.
func expandToken(token string, req *Request) (string, bool, error) {
	result := token
	for {
		start := strings.Index(result, "{{")
		if start < 0 {
			return result, true, nil
		}
		end := strings.Index(result[start:], "}}")
		if end < 0 {
			return "", false, fmt.Errorf("unterminated placeholder in argv token %q", token)
		}
		name := strings.TrimSpace(result[start+2 : start+end])

		value, present := req.Arg(name)
		if !present {
			// Absent optional argument drops the whole token.
			return "", false, nil
		}
		result = result[:start] + value + result[start+end+2:]
	}
}

// ValidateRequest checks that every required argument is present.
func (c *Command) ValidateRequest(req *Request) error {
	var missing []string
	for _, name := range c.RequiredArgs {
		if _, ok := req.RequiredArgs[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("command %s missing required arguments: %s", c.Name, strings.Join(missing, ", "))
	}
	return nil
}

// ForwardEnv resolves the command's declared environment variables
// from the host environment. Only declared names cross into the
// sandbox; unset variables are skipped.
func (c *Command) ForwardEnv() []string {
	env := make([]string, 0, len(c.RequiredEnv))
	for _, name := range c.RequiredEnv {
		if value, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+value)
		}
	}
	return env
}

// Registry is the immutable name → command mapping.
type Registry struct {
	commands map[string]*Command
}

// NewRegistry assembles the registry from validated configuration.
func NewRegistry(configs []config.CommandConfig) (*Registry, error) {
	commands := make(map[string]*Command, len(configs))
	for i := range configs {
		cc := &configs[i]
		if _, exists := commands[cc.Name]; exists {
			return nil, fmt.Errorf("duplicate command name %q", cc.Name)
		}
		commands[cc.Name] = &Command{
			Name:          cc.Name,
			Argv:          append([]string(nil), cc.Argv...),
			RequiredArgs:  append([]string(nil), cc.RequiredArgs...),
			OptionalArgs:  append([]string(nil), cc.OptionalArgs...),
			Documentation: cc.Documentation,
			RequiredEnv:   append([]string(nil), cc.RequiredEnv...),
			NeedsNetwork:  cc.NeedsNetwork,
			Writes:        cc.Writes,
		}
	}
	return &Registry{commands: commands}, nil
}

// Get returns the command for name.
func (r *Registry) Get(name string) (*Command, error) {
	cmd, ok := r.commands[name]
	if !ok {
		return nil, fmt.Errorf("unknown command %q", name)
	}
	return cmd, nil
}

// Names returns all registered command names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Catalog renders a selector-facing description of every command.
func (r *Registry) Catalog() string {
	var b strings.Builder
	for _, name := range r.Names() {
		cmd := r.commands[name]
		fmt.Fprintf(&b, "- %s: %s", cmd.Name, cmd.Documentation)
		if len(cmd.RequiredArgs) > 0 {
			fmt.Fprintf(&b, " (required args: %s)", strings.Join(cmd.RequiredArgs, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}
