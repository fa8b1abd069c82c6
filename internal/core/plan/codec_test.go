package plan

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Format Tests
// =============================================================================

func TestParseFormat(t *testing.T) {
	tests := []struct {
		input string
		want  Format
	}{
		{"", FormatJSON},
		{"json", FormatJSON},
		{"application/json", FormatJSON},
		{"YAML", FormatYAML},
		{"yml", FormatYAML},
		{"application/x-yaml", FormatYAML},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseFormat(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseFormat("toml")
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))
}

func TestDetectFormat(t *testing.T) {
	assert.Equal(t, FormatJSON, DetectFormat("plan.json", nil))
	assert.Equal(t, FormatYAML, DetectFormat("plan.yml", nil))
	assert.Equal(t, FormatJSON, DetectFormat("-", []byte(`  {"nodes": []}`)))
	assert.Equal(t, FormatYAML, DetectFormat("-", []byte("nodes: []\n")))
}

// =============================================================================
// Decode Tests
// =============================================================================

func TestDecodeJSON_Plan(t *testing.T) {
	payload := []byte(`{
		"name": "demo",
		"nodes_extra": {"app": {"x": 1}},
		"nodes": [
			{"id": "app.host", "host_id": "app.host", "instances": {"deploy": 2}, "type": "vm"},
			{"id": "app", "host_id": "app.host", "properties": {"port": 8080}}
		]
	}`)

	p, err := DecodeJSON(payload)
	require.NoError(t, err)

	require.Len(t, p.Nodes, 2)
	assert.Equal(t, "app.host", p.Nodes[0].ID)
	assert.True(t, p.Nodes[0].IsHost())
	require.NotNil(t, p.Nodes[0].Instances)
	assert.Equal(t, 2, p.Nodes[0].Instances.Deploy)
	assert.Equal(t, "vm", p.Nodes[0].Extra["type"])

	assert.Equal(t, "app.host", p.Nodes[1].HostID)
	assert.Nil(t, p.Nodes[1].Instances)
	assert.Contains(t, p.Nodes[1].Extra, "properties")

	assert.Equal(t, "demo", p.Extra["name"])
	assert.Contains(t, p.Extra, "nodes_extra")
}

func TestDecodeJSON_Errors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		target  error
	}{
		{"empty", "", ErrInvalidPayload},
		{"not json", "nodes: []", ErrInvalidPayload},
		{"not an object", `[1, 2]`, ErrInvalidPayload},
		{"missing nodes", `{"name": "x"}`, ErrInvalidPayload},
		{"nodes not array", `{"nodes": {}}`, ErrInvalidPayload},
		{"node not object", `{"nodes": ["a"]}`, ErrMalformedNode},
		{"id not string", `{"nodes": [{"id": 1, "host_id": "1"}]}`, ErrMalformedNode},
		{"missing deploy", `{"nodes": [{"id": "h", "host_id": "h", "instances": {}}]}`, ErrMalformedNode},
		{"fractional deploy", `{"nodes": [{"id": "h", "host_id": "h", "instances": {"deploy": 1.5}}]}`, ErrMalformedNode},
		{"string deploy", `{"nodes": [{"id": "h", "host_id": "h", "instances": {"deploy": "2"}}]}`, ErrMalformedNode},
		{"deploy beyond int", `{"nodes": [{"id": "h", "host_id": "h", "instances": {"deploy": 1e30}}]}`, ErrMalformedNode},
		{"trailing data", `{"nodes": []} garbage`, ErrInvalidPayload},
		{"second object", `{"nodes": []} {"nodes": []}`, ErrInvalidPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeJSON([]byte(tt.payload))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.target), "got %v", err)
		})
	}
}

func TestDecodeYAML_Plan(t *testing.T) {
	payload := []byte(`
name: demo
nodes:
  - id: app.host
    host_id: app.host
    instances:
      deploy: 3
  - id: app
    host_id: app.host
    tags: [a, b]
`)

	p, err := DecodeYAML(payload)
	require.NoError(t, err)

	require.Len(t, p.Nodes, 2)
	assert.Equal(t, 3, p.Nodes[0].Instances.Deploy)
	assert.Equal(t, []any{"a", "b"}, p.Nodes[1].Extra["tags"])
	assert.Equal(t, "demo", p.Extra["name"])
}

func TestDecodeJSON_TrailingWhitespace(t *testing.T) {
	p, err := DecodeJSON([]byte("{\"nodes\": []}\n\n"))
	require.NoError(t, err)
	assert.Empty(t, p.Nodes)
}

func TestDecodeJSON_DependentInstancesAreOpaque(t *testing.T) {
	p, err := DecodeJSON([]byte(`{"nodes": [
		{"id": "h", "host_id": "h", "instances": {"deploy": 2}},
		{"id": "d", "host_id": "h", "instances": {}},
		{"id": "e", "host_id": "h", "instances": "anything"}
	]}`))
	require.NoError(t, err)

	require.Len(t, p.Nodes, 3)
	assert.Nil(t, p.Nodes[1].Instances)
	assert.Equal(t, map[string]any{}, p.Nodes[1].Extra["instances"])
	assert.Equal(t, "anything", p.Nodes[2].Extra["instances"])

	expanded, err := Expand(*p)
	require.NoError(t, err)

	out, err := Encode(expanded, FormatJSON)
	require.NoError(t, err)

	var decoded struct {
		Nodes []map[string]any `json:"nodes"`
	}
	require.NoError(t, json.Unmarshal(out, &decoded))
	require.Len(t, decoded.Nodes, 6)
	assert.Equal(t, "d_1", decoded.Nodes[2]["id"])
	assert.Equal(t, map[string]any{}, decoded.Nodes[2]["instances"])
}

func TestDecodeYAML_DeployOutOfRange(t *testing.T) {
	tests := []struct {
		name   string
		deploy string
	}{
		{"exponent", "1e30"},
		{"fraction", "2.5"},
		{"infinity", ".inf"},
		{"not a number", ".nan"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := "nodes:\n  - id: h\n    host_id: h\n    instances:\n      deploy: " + tt.deploy + "\n"

			_, err := DecodeYAML([]byte(payload))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedNode))

			var nodeErr *NodeError
			require.True(t, errors.As(err, &nodeErr))
			assert.Equal(t, "instances.deploy", nodeErr.Field)
			assert.Contains(t, err.Error(), "deploy must be an integer")
		})
	}
}

func TestDecodeYAML_Invalid(t *testing.T) {
	_, err := DecodeYAML([]byte("- just\n- a list\n"))
	assert.True(t, errors.Is(err, ErrInvalidPayload))
}

// =============================================================================
// Encode Tests
// =============================================================================

func TestEncodeJSON_ExpandedPlan(t *testing.T) {
	p, err := DecodeJSON([]byte(`{
		"name": "demo",
		"nodes": [
			{"id": "app.host", "host_id": "app.host", "instances": {"deploy": 2}},
			{"id": "app", "host_id": "app.host", "weight": 12345678901234567890}
		]
	}`))
	require.NoError(t, err)

	expanded, err := Expand(*p)
	require.NoError(t, err)

	out, err := Encode(expanded, FormatJSON)
	require.NoError(t, err)

	var decoded struct {
		Name  string           `json:"name"`
		Nodes []map[string]any `json:"nodes"`
	}
	dec := json.NewDecoder(bytes.NewReader(out))
	dec.UseNumber()
	require.NoError(t, dec.Decode(&decoded))

	assert.Equal(t, "demo", decoded.Name)
	require.Len(t, decoded.Nodes, 4)
	assert.Equal(t, "app.host_1", decoded.Nodes[0]["id"])
	assert.Equal(t, "app.host_1", decoded.Nodes[0]["host_id"])
	assert.Equal(t, map[string]any{"deploy": json.Number("2")}, decoded.Nodes[0]["instances"])
	assert.Equal(t, "app_2", decoded.Nodes[3]["id"])
	assert.Equal(t, "app.host_2", decoded.Nodes[3]["host_id"])
	// large numbers in opaque fields survive verbatim
	assert.Equal(t, json.Number("12345678901234567890"), decoded.Nodes[3]["weight"])
}

func TestEncodeYAML_FromJSONInput(t *testing.T) {
	p, err := DecodeJSON([]byte(`{"nodes": [{"id": "h", "host_id": "h", "instances": {"deploy": 1}, "cpu": 2}]}`))
	require.NoError(t, err)

	out, err := Encode(*p, FormatYAML)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(out, &decoded))
	nodes := decoded["nodes"].([]any)
	require.Len(t, nodes, 1)
	node := nodes[0].(map[string]any)
	assert.Equal(t, 2, node["cpu"])
	assert.Equal(t, "h", node["id"])
}

func TestPlan_JSONRoundTripThroughStruct(t *testing.T) {
	type envelope struct {
		Plan Plan `json:"plan"`
	}

	var env envelope
	require.NoError(t, json.Unmarshal([]byte(`{"plan": {"nodes": [{"id": "h", "host_id": "h", "instances": {"deploy": 2}}]}}`), &env))
	require.Len(t, env.Plan.Nodes, 1)
	assert.Equal(t, 2, env.Plan.Nodes[0].Instances.Deploy)
}

func TestPlan_YAMLUnmarshalThroughStruct(t *testing.T) {
	type envelope struct {
		Plan Plan `yaml:"plan"`
	}

	var env envelope
	require.NoError(t, yaml.Unmarshal([]byte("plan:\n  nodes:\n    - {id: h, host_id: h, instances: {deploy: 4}}\n"), &env))
	require.Len(t, env.Plan.Nodes, 1)
	assert.Equal(t, 4, env.Plan.Nodes[0].Instances.Deploy)
}

func TestEncode_UnsupportedFormat(t *testing.T) {
	_, err := Encode(Plan{}, Format("xml"))
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))
}
