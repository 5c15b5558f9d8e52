package mrfunc

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Built-in functions available in every quern binary. Deployments with
// custom jobs register their own alongside these.
func init() {
	RegisterMap("wordcount", WordCountMap)
	RegisterReduce("sum", SumReduce)
	RegisterCollect("sum", SumReduce)
	RegisterMap("identity", IdentityMap)
	RegisterReduce("identity", IdentityReduce)
	RegisterCollect("identity", IdentityReduce)
}

// WordCountMap emits (word, 1) for every whitespace-separated token in
// the input value.
func WordCountMap(key string, value []byte) ([]Pair, error) {
	one := json.RawMessage("1")
	words := strings.Fields(string(value))
	pairs := make([]Pair, 0, len(words))
	for _, w := range words {
		pairs = append(pairs, Pair{Key: w, Value: one})
	}
	return pairs, nil
}

// IdentityMap emits the input unchanged as a single (key, value) pair,
// with the value carried as a JSON string.
func IdentityMap(key string, value []byte) ([]Pair, error) {
	v, err := json.Marshal(string(value))
	if err != nil {
		return nil, err
	}
	return []Pair{{Key: key, Value: v}}, nil
}

// IdentityReduce passes a single-value group through untouched. A
// group with any other size has no identity, so it is an error.
func IdentityReduce(key string, values []json.RawMessage) (json.RawMessage, error) {
	if len(values) != 1 {
		return nil, fmt.Errorf("identity reduce on %q: expected one value, got %d", key, len(values))
	}
	return values[0], nil
}

// SumReduce sums numeric values.
func SumReduce(key string, values []json.RawMessage) (json.RawMessage, error) {
	var total float64
	for _, v := range values {
		var n float64
		if err := json.Unmarshal(v, &n); err != nil {
			return nil, err
		}
		total += n
	}
	return json.Marshal(total)
}
