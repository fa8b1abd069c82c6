package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const cliPlan = `{
	"nodes": [
		{"id": "db.host", "host_id": "db.host", "instances": {"deploy": 2}},
		{"id": "db", "host_id": "db.host", "type": "postgres"}
	]
}`

type cliResult struct {
	Nodes []struct {
		ID     string `json:"id" yaml:"id"`
		HostID string `json:"host_id" yaml:"host_id"`
	} `json:"nodes" yaml:"nodes"`
}

func TestRunExpand_StdinToStdout(t *testing.T) {
	var stdout, stderr bytes.Buffer

	code := runExpand(nil, strings.NewReader(cliPlan), &stdout, &stderr)

	require.Equal(t, ExitSuccess, code, stderr.String())
	var res cliResult
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &res))
	require.Len(t, res.Nodes, 4)
	assert.Equal(t, "db.host_1", res.Nodes[0].ID)
	assert.Equal(t, "db_2", res.Nodes[3].ID)
	assert.Equal(t, "db.host_2", res.Nodes[3].HostID)
}

func TestRunExpand_FileToFileYAML(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "plan.yaml")
	out := filepath.Join(dir, "expanded.yaml")
	require.NoError(t, os.WriteFile(in, []byte("nodes:\n  - {id: vm, host_id: vm, instances: {deploy: 3}}\n"), 0644))

	var stdout, stderr bytes.Buffer
	code := runExpand([]string{"-in", in, "-out", out}, nil, &stdout, &stderr)

	require.Equal(t, ExitSuccess, code, stderr.String())
	assert.Empty(t, stdout.String())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	var res cliResult
	require.NoError(t, yaml.Unmarshal(data, &res))
	require.Len(t, res.Nodes, 3)
	assert.Equal(t, "vm_3", res.Nodes[2].ID)
}

func TestRunExpand_OutputFormat(t *testing.T) {
	var stdout, stderr bytes.Buffer

	code := runExpand([]string{"-output-format", "yaml"}, strings.NewReader(cliPlan), &stdout, &stderr)

	require.Equal(t, ExitSuccess, code, stderr.String())
	var res cliResult
	require.NoError(t, yaml.Unmarshal(stdout.Bytes(), &res))
	assert.Len(t, res.Nodes, 4)
}

func TestRunExpand_UnresolvedHost(t *testing.T) {
	var stdout, stderr bytes.Buffer

	code := runExpand(nil, strings.NewReader(`{"nodes": [{"id": "db", "host_id": "nowhere"}]}`), &stdout, &stderr)

	assert.Equal(t, ExitPlanError, code)
	assert.Empty(t, stdout.String())
	assert.Contains(t, stderr.String(), "nowhere")
}

func TestRunExpand_MaxInstances(t *testing.T) {
	var stdout, stderr bytes.Buffer

	code := runExpand([]string{"-max-instances", "3"}, strings.NewReader(cliPlan), &stdout, &stderr)

	assert.Equal(t, ExitPlanError, code)
	assert.Contains(t, stderr.String(), "too many node instances")
}

func TestRunExpand_MissingInputFile(t *testing.T) {
	var stdout, stderr bytes.Buffer

	code := runExpand([]string{"-in", filepath.Join(t.TempDir(), "missing.json")}, nil, &stdout, &stderr)

	assert.Equal(t, ExitIOError, code)
}

func TestRunExpand_BadFlags(t *testing.T) {
	var stdout, stderr bytes.Buffer

	assert.Equal(t, ExitConfigError, runExpand([]string{"-bogus"}, nil, &stdout, &stderr))
	assert.Equal(t, ExitConfigError, runExpand([]string{"-format", "toml"}, strings.NewReader(cliPlan), &stdout, &stderr))
}

func TestRunExpand_DebugLogsInstances(t *testing.T) {
	var stdout, stderr bytes.Buffer

	code := runExpand([]string{"-log-level", "debug"}, strings.NewReader(cliPlan), &stdout, &stderr)

	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, 4, strings.Count(stderr.String(), "generated new node instance"))
}
