package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repopilot/pkg/config"
)

func testConfigs() []config.CommandConfig {
	return []config.CommandConfig{
		{
			Name:          "refactor",
			Argv:          []string{"refactor-tool", "--target", "{{target}}", "--style={{style}}"},
			RequiredArgs:  []string{"target"},
			OptionalArgs:  []string{"style"},
			Documentation: "Refactors the named module",
			Writes:        true,
		},
		{
			Name:          "audit",
			Argv:          []string{"audit-tool", "--format", "json"},
			Documentation: "Read-only dependency audit",
		},
	}
}

func TestNewRegistryRejectsDuplicates(t *testing.T) {
	configs := testConfigs()
	configs = append(configs, config.CommandConfig{Name: "refactor", Argv: []string{"x"}})

	_, err := NewRegistry(configs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate command name")
}

func TestRegistryGet(t *testing.T) {
	registry, err := NewRegistry(testConfigs())
	require.NoError(t, err)

	cmd, err := registry.Get("refactor")
	require.NoError(t, err)
	assert.True(t, cmd.Writes)

	_, err = registry.Get("deploy")
	assert.Error(t, err)
}

func TestRegistryNamesSorted(t *testing.T) {
	registry, err := NewRegistry(testConfigs())
	require.NoError(t, err)
	assert.Equal(t, []string{"audit", "refactor"}, registry.Names())
}

func TestRegistryCatalog(t *testing.T) {
	registry, err := NewRegistry(testConfigs())
	require.NoError(t, err)

	catalog := registry.Catalog()
	assert.Contains(t, catalog, "refactor: Refactors the named module")
	assert.Contains(t, catalog, "required args: target")
	assert.Contains(t, catalog, "audit: Read-only dependency audit")
}

func TestBuildArgv(t *testing.T) {
	registry, err := NewRegistry(testConfigs())
	require.NoError(t, err)
	cmd, err := registry.Get("refactor")
	require.NoError(t, err)

	t.Run("AllArgsPresent", func(t *testing.T) {
		argv, err := cmd.BuildArgv(&Request{
			Name:         "refactor",
			RequiredArgs: map[string]string{"target": "uploader"},
			OptionalArgs: map[string]string{"style": "functional"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"refactor-tool", "--target", "uploader", "--style=functional"}, argv)
	})

	t.Run("AbsentOptionalDropsToken", func(t *testing.T) {
		argv, err := cmd.BuildArgv(&Request{
			Name:         "refactor",
			RequiredArgs: map[string]string{"target": "uploader"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"refactor-tool", "--target", "uploader"}, argv)
	})

	t.Run("NoPlaceholders", func(t *testing.T) {
		audit, err := registry.Get("audit")
		require.NoError(t, err)
		argv, err := audit.BuildArgv(&Request{Name: "audit"})
		require.NoError(t, err)
		assert.Equal(t, []string{"audit-tool", "--format", "json"}, argv)
	})

	t.Run("UnterminatedPlaceholder", func(t *testing.T) {
		broken := &Command{Name: "broken", Argv: []string{"tool", "{{target"}}
		_, err := broken.BuildArgv(&Request{RequiredArgs: map[string]string{"target": "x"}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unterminated placeholder")
	})
}

func TestValidateRequest(t *testing.T) {
	registry, err := NewRegistry(testConfigs())
	require.NoError(t, err)
	cmd, err := registry.Get("refactor")
	require.NoError(t, err)

	assert.NoError(t, cmd.ValidateRequest(&Request{
		RequiredArgs: map[string]string{"target": "uploader"},
	}))

	err = cmd.ValidateRequest(&Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target")
}

func TestForwardEnv(t *testing.T) {
	t.Setenv("REPOPILOT_TEST_DECLARED", "hello")

	cmd := &Command{RequiredEnv: []string{"REPOPILOT_TEST_DECLARED", "REPOPILOT_TEST_UNSET"}}
	assert.Equal(t, []string{"REPOPILOT_TEST_DECLARED=hello"}, cmd.ForwardEnv())
}

func TestRequestArg(t *testing.T) {
	req := &Request{
		RequiredArgs: map[string]string{"target": "uploader"},
		OptionalArgs: map[string]string{"style": "functional"},
	}

	v, ok := req.Arg("target")
	assert.True(t, ok)
	assert.Equal(t, "uploader", v)

	v, ok = req.Arg("style")
	assert.True(t, ok)
	assert.Equal(t, "functional", v)

	_, ok = req.Arg("missing")
	assert.False(t, ok)
}
