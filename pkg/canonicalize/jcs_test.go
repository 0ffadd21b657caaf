package canonicalize

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS(t *testing.T) {
	cases := []struct {
		name  string
		input any
		want  string
	}{
		{
			name:  "keys sorted",
			input: map[string]any{"size_in_bytes": 3, "hash": "abc", "relpath": "a.txt"},
			want:  `{"hash":"abc","relpath":"a.txt","size_in_bytes":3}`,
		},
		{
			name: "nested keys sorted",
			input: map[string]any{
				"items":         map[string]any{"ff": 1, "0a": 2},
				"hash_function": "md5sum_hexdigest",
			},
			want: `{"hash_function":"md5sum_hexdigest","items":{"0a":2,"ff":1}}`,
		},
		{
			name:  "no html escaping",
			input: map[string]string{"readme": "<b>data</b> & more"},
			want:  `{"readme":"<b>data</b> & more"}`,
		},
		{
			name:  "json.Number kept",
			input: map[string]any{"n": json.Number("123.456")},
			want:  `{"n":123.456}`,
		},
		{
			name:  "integral float has no fraction",
			input: map[string]float64{"created_at": 1700000000},
			want:  `{"created_at":1700000000}`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := JCS(tc.input)
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(got))
		})
	}
}

func TestJCSRejectsUnmarshalable(t *testing.T) {
	_, err := JCS(map[string]any{"ch": make(chan int)})
	assert.Error(t, err)
}

func TestCanonicalHashIgnoresFieldOrder(t *testing.T) {
	type props struct {
		Size    int64  `json:"size_in_bytes"`
		Relpath string `json:"relpath"`
	}
	h1, err := CanonicalHash(map[string]any{"relpath": "a.txt", "size_in_bytes": 3})
	require.NoError(t, err)
	h2, err := CanonicalHash(props{Size: 3, Relpath: "a.txt"})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestTimestampSurvivesCanonicalization(t *testing.T) {
	ts := 1709296215.123456
	b, err := JCS(map[string]float64{"utc_timestamp": ts})
	require.NoError(t, err)
	var back map[string]float64
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, ts, back["utc_timestamp"])
}
