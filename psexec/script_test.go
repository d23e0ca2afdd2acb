package psexec

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLiteral(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"null", nil, "$null"},
		{"true", true, "$true"},
		{"false", false, "$false"},
		{"int", 42, "42"},
		{"negative float", -1.5, "-1.5"},
		{"json number", json.Number("1e3"), "1e3"},
		{"string", "svc", "'svc'"},
		{"embedded quote", "a's", "'a''s'"},
		{"empty string", "", "''"},
		{"array", []any{1, "x", nil}, "@(1, 'x', $null)"},
		{"typed slice", []string{"a", "b"}, "@('a', 'b')"},
		{"nil slice", []string(nil), "@()"},
		{"object sorted", map[string]any{"b": 2, "a": "o'k"}, "@{'a' = 'o''k'; 'b' = 2}"},
		{"nested", map[string]any{"list": []any{true}}, "@{'list' = @($true)}"},
		{"pointer", func() *int { v := 7; return &v }(), "7"},
		{"nil pointer", (*int)(nil), "$null"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Literal(tt.in))
		})
	}
}

func TestBuildScript(t *testing.T) {
	tests := []struct {
		name   string
		params InvokeParams
		want   string
	}{
		{
			name:   "command with parameter",
			params: InvokeParams{CommandName: "Get-Process", Parameters: map[string]any{"Name": "svc"}},
			want:   "Get-Process -Name 'svc'",
		},
		{
			name:   "inline script",
			params: InvokeParams{Script: "Get-Date"},
			want:   "& { Get-Date }",
		},
		{
			name:   "file wins over command and script",
			params: InvokeParams{FilePath: `C:\it's.ps1`, CommandName: "Get-Process", Script: "x"},
			want:   `& 'C:\it''s.ps1'`,
		},
		{
			name: "parameters sorted then positional",
			params: InvokeParams{
				CommandName: "Invoke-Thing",
				Parameters:  map[string]any{"Zeta": 1, "-Alpha": []any{"a"}, "Force": true},
				Arguments:   []any{"pos", 2},
			},
			want: "Invoke-Thing -Alpha @('a') -Force:$true -Zeta 1 'pos' 2",
		},
		{
			name: "switch parameters bind with a colon",
			params: InvokeParams{
				CommandName: "Remove-Item",
				Parameters:  map[string]any{"Recurse": true, "Confirm": false, "Path": `C:	mp`},
			},
			want: `Remove-Item -Confirm:$false -Path 'C:	mp' -Recurse:$true`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildScript(tt.params)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildScript_CommandHasNoBraces(t *testing.T) {
	got, err := BuildScript(InvokeParams{CommandName: "Get-Process", Parameters: map[string]any{"Name": "svc"}})
	require.NoError(t, err)
	assert.Contains(t, got, "Get-Process -Name 'svc'")
	assert.NotContains(t, got, "{")
}

func TestBuildScript_InputObjects(t *testing.T) {
	got, err := BuildScript(InvokeParams{
		CommandName:  "ForEach-Object",
		Arguments:    []any{"Name"},
		InputObjects: []any{map[string]any{"Name": "o'brien"}},
	})
	require.NoError(t, err)
	assert.Equal(t, `(ConvertFrom-Json -InputObject '[{"Name":"o''brien"}]') | ForEach-Object 'Name'`, got)
}

func TestBuildScript_InputObjectsUnencodable(t *testing.T) {
	_, err := BuildScript(InvokeParams{Script: "$input", InputObjects: []any{make(chan int)}})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "input objects"))
}
