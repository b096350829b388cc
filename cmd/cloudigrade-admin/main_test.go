package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/cloudigrade/cloudigrade/config"
	"github.com/cloudigrade/cloudigrade/internal/domain/model"
	"github.com/cloudigrade/cloudigrade/internal/tasks"
)

func execute(t *testing.T, cfg config.AppConfig, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd(&app{
		out:    &out,
		errOut: &errOut,
		loadConfig: func() (config.AppConfig, error) {
			return cfg, nil
		},
	})
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestHelpListsCommands(t *testing.T) {
	out, err := execute(t, config.AppConfig{})
	require.NoError(t, err)
	for _, name := range []string{"migrate", "db-seed", "enqueue", "validate-openapi", "validate-tasks", "cji"} {
		assert.Contains(t, out, name)
	}
}

func TestValidateOpenAPIEmbedded(t *testing.T) {
	out, err := execute(t, config.AppConfig{}, "validate-openapi")
	require.NoError(t, err)
	assert.Contains(t, out, "openapi document is valid")
}

func TestValidateOpenAPIRejectsBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "openapi.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"swagger":"2.0","paths":{"/x":{"get":{}}}}`), 0o600))

	_, err := execute(t, config.AppConfig{}, "validate-openapi", "--file", path)
	require.Error(t, err)
}

func TestValidateTasksPrintsEffectiveSchedule(t *testing.T) {
	var cfg config.AppConfig
	cfg.Scheduler.Schedules.AnalyzeLog = "@every 7m"

	out, err := execute(t, cfg, "validate-tasks")
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`analyze_log\s+@every 7m`), out)
	assert.Contains(t, out, "calculate_max_concurrent_usage")
}

func TestValidateTasksRejectsBadOverride(t *testing.T) {
	var cfg config.AppConfig
	cfg.Scheduler.Schedules.AnalyzeLog = "whenever"

	_, err := execute(t, cfg, "validate-tasks")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "analyze_log")
}

func TestValidateTasksPropagatesConfigError(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd(&app{
		out:    &out,
		errOut: &out,
		loadConfig: func() (config.AppConfig, error) {
			return config.AppConfig{}, errors.New("invalid configuration: boom")
		},
	})
	root.SetArgs([]string{"validate-tasks"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestCJIValidateEmbedded(t *testing.T) {
	out, err := execute(t, config.AppConfig{}, "cji", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "template is valid")
}

func TestCJIRender(t *testing.T) {
	out, err := execute(t, config.AppConfig{}, "cji", "render", "--param", "IMAGE_TAG=abc1234", "--uid", "zz9876")
	require.NoError(t, err)

	var doc struct {
		Kind  string `yaml:"kind"`
		Items []struct {
			Kind     string `yaml:"kind"`
			Metadata struct {
				Name string `yaml:"name"`
			} `yaml:"metadata"`
		} `yaml:"items"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(out), &doc))
	assert.Equal(t, "List", doc.Kind)
	require.Len(t, doc.Items, 1)
	assert.Equal(t, "ClowdJobInvocation", doc.Items[0].Kind)
	assert.Equal(t, "cloudigrade-smoke-tests-abc1234-zz9876", doc.Items[0].Metadata.Name)
}

func TestCJIRenderRequiresImageTag(t *testing.T) {
	_, err := execute(t, config.AppConfig{}, "cji", "render")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IMAGE_TAG")
}

func TestCJIRenderRejectsMalformedParam(t *testing.T) {
	_, err := execute(t, config.AppConfig{}, "cji", "render", "--param", "IMAGE_TAG")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KEY=VALUE")
}

func TestCJIValidateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cji.yaml")
	require.NoError(t, os.WriteFile(path, []byte("apiVersion: v1\nkind: Template\n"), 0o600))

	_, err := execute(t, config.AppConfig{}, "cji", "validate", "--file", path)
	require.Error(t, err)
}

func TestParseParams(t *testing.T) {
	got, err := parseParams([]string{"A=1", "B=x=y", "A=2", "C="})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "2", "B": "x=y", "C": ""}, got)

	_, err = parseParams([]string{"=v"})
	require.Error(t, err)
}

func TestEnqueueRequest(t *testing.T) {
	registry := tasks.MustNewRegistry()

	t.Run("valid payload", func(t *testing.T) {
		req, err := enqueueRequest(registry, "calculate_max_concurrent_usage", enqueueOptions{
			payload:  `{"date":"2024-01-02","user_id":1}`,
			priority: 5,
		})
		require.NoError(t, err)
		assert.Equal(t, model.TaskCalculateMaxConcurrentUsage, req.Type)
		assert.Equal(t, 5, req.Priority)
		assert.JSONEq(t, `{"date":"2024-01-02","user_id":1}`, string(req.Payload))
	})

	t.Run("empty payload", func(t *testing.T) {
		req, err := enqueueRequest(registry, "analyze_log", enqueueOptions{})
		require.NoError(t, err)
		assert.True(t, json.Valid(req.Payload))
	})

	t.Run("unknown task", func(t *testing.T) {
		_, err := enqueueRequest(registry, "not_a_task", enqueueOptions{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown task")
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := enqueueRequest(registry, "analyze_log", enqueueOptions{payload: "{"})
		require.Error(t, err)
	})

	t.Run("schema violation", func(t *testing.T) {
		_, err := enqueueRequest(registry, "calculate_max_concurrent_usage", enqueueOptions{payload: `{"user_id":0}`})
		require.Error(t, err)
	})
}
