package config

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{input: "300ms", want: 300 * time.Millisecond},
		{input: "1h30m", want: 90 * time.Minute},
		{input: "90d", want: 90 * 24 * time.Hour},
		{input: "0d", want: 0},
		{input: "1.5d", wantErr: true},
		{input: "d", wantErr: true},
		{input: "soon", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			got, err := ParseDuration(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDuration_YAML(t *testing.T) {
	t.Parallel()

	var v struct {
		TTL   Duration `yaml:"ttl"`
		Drain Duration `yaml:"drain"`
		Empty Duration `yaml:"empty"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("ttl: 7d\ndrain: 5s\nempty: \"\"\n"), &v))

	assert.Equal(t, 7*24*time.Hour, v.TTL.Duration())
	assert.Equal(t, 5*time.Second, v.Drain.Duration())
	assert.Zero(t, v.Empty)

	out, err := yaml.Marshal(v)
	require.NoError(t, err)
	assert.Contains(t, string(out), "ttl: 7d")
	assert.Contains(t, string(out), "drain: 5s")

	assert.Error(t, yaml.Unmarshal([]byte("ttl: forever\n"), &v))
}

func TestDuration_JSON(t *testing.T) {
	t.Parallel()

	var v struct {
		TTL Duration `json:"ttl"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"ttl":"2d"}`), &v))
	assert.Equal(t, 48*time.Hour, v.TTL.Duration())

	out, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ttl":"2d"}`, string(out))

	require.NoError(t, json.Unmarshal([]byte(`{"ttl":null}`), &v))
	assert.Zero(t, v.TTL)
}

func TestDuration_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "0s", Duration(0).String())
	assert.Equal(t, "1h0m0s", Duration(time.Hour).String())
	assert.Equal(t, "3d", Duration(72*time.Hour).String())
}
