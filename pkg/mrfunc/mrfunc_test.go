package mrfunc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	t.Run("BuiltinsResolve", func(t *testing.T) {
		_, err := LookupMap("wordcount")
		assert.NoError(t, err)
		_, err = LookupReduce("sum")
		assert.NoError(t, err)
		_, err = LookupCollect("sum")
		assert.NoError(t, err)
		_, err = LookupMap("identity")
		assert.NoError(t, err)
		_, err = LookupReduce("identity")
		assert.NoError(t, err)
		_, err = LookupCollect("identity")
		assert.NoError(t, err)
	})

	t.Run("UnknownNameFails", func(t *testing.T) {
		_, err := LookupMap("no-such-function")
		assert.Error(t, err)
		_, err = LookupReduce("no-such-function")
		assert.Error(t, err)
	})

	t.Run("RegisterAndResolve", func(t *testing.T) {
		RegisterMap("identity-test", func(key string, value []byte) ([]Pair, error) {
			v, err := json.Marshal(string(value))
			if err != nil {
				return nil, err
			}
			return []Pair{{Key: key, Value: v}}, nil
		})
		fn, err := LookupMap("identity-test")
		require.NoError(t, err)

		pairs, err := fn("k", []byte("v"))
		require.NoError(t, err)
		require.Len(t, pairs, 1)
		assert.Equal(t, "k", pairs[0].Key)
	})
}

func TestWordCountMap(t *testing.T) {
	pairs, err := WordCountMap("doc", []byte("x y  x\nz"))
	require.NoError(t, err)
	require.Len(t, pairs, 4)

	counts := map[string]int{}
	for _, p := range pairs {
		counts[p.Key]++
		assert.Equal(t, "1", string(p.Value))
	}
	assert.Equal(t, map[string]int{"x": 2, "y": 1, "z": 1}, counts)
}

func TestIdentityMap(t *testing.T) {
	pairs, err := IdentityMap("k", []byte("payload"))
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, "k", pairs[0].Key)
	assert.Equal(t, `"payload"`, string(pairs[0].Value))
}

func TestIdentityReduce(t *testing.T) {
	t.Run("PassesSingleValueThrough", func(t *testing.T) {
		out, err := IdentityReduce("k", []json.RawMessage{json.RawMessage(`{"n":1}`)})
		require.NoError(t, err)
		assert.Equal(t, `{"n":1}`, string(out))
	})

	t.Run("RejectsMultiValueGroup", func(t *testing.T) {
		_, err := IdentityReduce("k", []json.RawMessage{
			json.RawMessage(`1`), json.RawMessage(`2`),
		})
		assert.Error(t, err)
	})

	t.Run("RejectsEmptyGroup", func(t *testing.T) {
		_, err := IdentityReduce("k", nil)
		assert.Error(t, err)
	})
}

func TestSumReduce(t *testing.T) {
	t.Run("SumsValues", func(t *testing.T) {
		out, err := SumReduce("k", []json.RawMessage{
			json.RawMessage(`1`), json.RawMessage(`2`), json.RawMessage(`3.5`),
		})
		require.NoError(t, err)
		assert.Equal(t, "6.5", string(out))
	})

	t.Run("EmptyGroupIsZero", func(t *testing.T) {
		out, err := SumReduce("k", nil)
		require.NoError(t, err)
		assert.Equal(t, "0", string(out))
	})

	t.Run("NonNumericValueFails", func(t *testing.T) {
		_, err := SumReduce("k", []json.RawMessage{json.RawMessage(`"nope"`)})
		assert.Error(t, err)
	})
}
