// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package measurement_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salzg/attestation-level-manager/internal/pkg/measurement"
)

func writeJSON(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestCPUSpecUnmarshal(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name     string
		input    string
		expected measurement.CPUSpec
	}{
		{
			name:     "named type",
			input:    `"EPYC-Milan"`,
			expected: measurement.CPUSpec{Kind: measurement.SpecKindType, Type: "EPYC-Milan"},
		},
		{
			name:     "hex string is a signature",
			input:    `"0x0A201009"`,
			expected: measurement.CPUSpec{Kind: measurement.SpecKindSig, Sig: "0x0a201009"},
		},
		{
			name:     "vcpu_sig object",
			input:    `{"vcpu_sig": "0x800F12"}`,
			expected: measurement.CPUSpec{Kind: measurement.SpecKindSig, Sig: "0x800f12"},
		},
		{
			name:     "sig object with integer",
			input:    `{"sig": 35651}`,
			expected: measurement.CPUSpec{Kind: measurement.SpecKindSig, Sig: "0x8b43"},
		},
		{
			name:     "family model stepping",
			input:    `{"family": 25, "model": 1, "stepping": 2}`,
			expected: measurement.CPUSpec{Kind: measurement.SpecKindFMS, Family: 25, Model: 1, Stepping: 2},
		},
		{
			name:     "zero stepping is allowed",
			input:    `{"family": 23, "model": 49, "stepping": 0}`,
			expected: measurement.CPUSpec{Kind: measurement.SpecKindFMS, Family: 23, Model: 49, Stepping: 0},
		},
		{
			name:     "normalized named type round-trips",
			input:    `{"kind": "type", "type": "EPYC-Genoa"}`,
			expected: measurement.CPUSpec{Kind: measurement.SpecKindType, Type: "EPYC-Genoa"},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			var spec measurement.CPUSpec

			require.NoError(t, json.Unmarshal([]byte(test.input), &spec))
			assert.Equal(t, test.expected, spec)
		})
	}
}

func TestCPUSpecUnmarshalRejected(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name  string
		input string
	}{
		{name: "empty string", input: `""`},
		{name: "number entry", input: `42`},
		{name: "negative family", input: `{"family": -1, "model": 1, "stepping": 2}`},
		{name: "missing stepping", input: `{"family": 25, "model": 1}`},
		{name: "malformed signature", input: `{"vcpu_sig": "not-hex"}`},
		{name: "negative signature", input: `{"sig": -5}`},
		{name: "unrelated object", input: `{"cpu": "EPYC-Milan"}`},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			var spec measurement.CPUSpec

			err := json.Unmarshal([]byte(test.input), &spec)
			require.Error(t, err)
			assert.ErrorIs(t, err, measurement.ErrCPUTypeRejected)
		})
	}
}

func TestCPUSpecRoundTrip(t *testing.T) {
	t.Parallel()

	specs := []measurement.CPUSpec{
		{Kind: measurement.SpecKindType, Type: "EPYC-Milan"},
		{Kind: measurement.SpecKindSig, Sig: "0x800f12"},
		{Kind: measurement.SpecKindFMS, Family: 25, Model: 1, Stepping: 2},
	}

	data, err := json.Marshal(specs)
	require.NoError(t, err)

	var decoded []measurement.CPUSpec

	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, specs, decoded)
}

func TestCPUSpecLabels(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "EPYC-Milan", measurement.CPUSpec{Kind: measurement.SpecKindType, Type: "EPYC-Milan"}.Label())
	assert.Equal(t, "vcpu-sig=0x800f12", measurement.CPUSpec{Kind: measurement.SpecKindSig, Sig: "0x800f12"}.Label())
	assert.Equal(t,
		"vcpu-family=25,vcpu-model=1,vcpu-stepping=2",
		measurement.CPUSpec{Kind: measurement.SpecKindFMS, Family: 25, Model: 1, Stepping: 2}.Label(),
	)

	assert.Equal(t,
		[]string{"--vcpu-family", "25", "--vcpu-model", "1", "--vcpu-stepping", "2"},
		measurement.CPUSpec{Kind: measurement.SpecKindFMS, Family: 25, Model: 1, Stepping: 2}.Args(),
	)
}

func TestLoadCPUSpecs(t *testing.T) {
	t.Parallel()

	path := writeJSON(t, "cpu-types.json", `["EPYC-Milan", {"family": 25, "model": 1, "stepping": 2}]`)

	specs, err := measurement.LoadCPUSpecs(path)
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "type:EPYC-Milan", specs[0].ID())
	assert.Equal(t, "fms:25:1:2", specs[1].ID())
}

func TestLoadCPUSpecsRejected(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name    string
		content string
	}{
		{name: "empty array", content: `[]`},
		{name: "not an array", content: `{"cpu": "EPYC-Milan"}`},
		{name: "duplicate entries", content: `["EPYC-Milan", "EPYC-Milan"]`},
		{name: "duplicate signatures", content: `["0x800F12", {"vcpu_sig": "0x800f12"}]`},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			_, err := measurement.LoadCPUSpecs(writeJSON(t, "cpu-types.json", test.content))
			assert.ErrorIs(t, err, measurement.ErrCPUTypeRejected)
		})
	}
}

func TestValidateSpecs(t *testing.T) {
	t.Parallel()

	allowPath := writeJSON(t, "legal-cpu-types.json", `["EPYC-Milan", "EPYC-Genoa", "EPYC-Milan"]`)

	allowList, err := measurement.LoadAllowList(allowPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"EPYC-Milan", "EPYC-Genoa"}, allowList)

	specs := []measurement.CPUSpec{
		{Kind: measurement.SpecKindType, Type: "EPYC-Milan"},
		{Kind: measurement.SpecKindSig, Sig: "0x800f12"},
	}

	require.NoError(t, measurement.ValidateSpecs(specs, allowList))

	specs = append(specs, measurement.CPUSpec{Kind: measurement.SpecKindType, Type: "EPYC-Rome"})

	err = measurement.ValidateSpecs(specs, allowList)
	require.Error(t, err)
	assert.ErrorIs(t, err, measurement.ErrCPUTypeRejected)
	assert.Contains(t, err.Error(), "EPYC-Rome")
}

func TestLoadAllowListRejected(t *testing.T) {
	t.Parallel()

	_, err := measurement.LoadAllowList(writeJSON(t, "legal.json", `[]`))
	assert.ErrorIs(t, err, measurement.ErrCPUTypeRejected)

	_, err = measurement.LoadAllowList(writeJSON(t, "legal.json", `["EPYC-Milan", "  "]`))
	assert.ErrorIs(t, err, measurement.ErrCPUTypeRejected)
}
