package schedoc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSONEncoder_RoundTrip(t *testing.T) {
	enc := &JSONEncoder{}
	in := map[string]any{"q": "calc", "n": 3}
	b, err := enc.Encode(in)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, enc.Decode(b, &out))
	require.Equal(t, "calc", out["q"])
	require.EqualValues(t, 3, out["n"])
}

func TestNormalize_PlainValues(t *testing.T) {
	s := New(nil, Config{})

	v, err := s.normalize(nil)
	require.NoError(t, err)
	require.Nil(t, v)

	type payload struct {
		Q string `json:"q"`
	}
	v, err = s.normalize(payload{Q: "calc"})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"q": "calc"}, v)

	v, err = s.normalize(42)
	require.NoError(t, err)
	require.EqualValues(t, 42, v)
}
