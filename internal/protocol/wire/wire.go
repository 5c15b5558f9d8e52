// Package wire defines the verbs and payload messages exchanged between
// coordinator and worker. Payloads are JSON: opaque user values travel
// as json.RawMessage so neither side has to understand them, and reduce
// keys are carried as raw JSON the worker echoes back verbatim.
package wire

import (
	"encoding/json"
	"fmt"
)

// Protocol verbs.
const (
	VerbChallenge  = "challenge"
	VerbAuth       = "auth"
	VerbDisconnect = "disconnect"

	// Coordinator to worker: function selectors and assignments.
	VerbMapFn     = "mapfn"
	VerbReduceFn  = "reducefn"
	VerbCollectFn = "collectfn"
	VerbMap       = "map"
	VerbReduce    = "reduce"
	VerbPartial   = "partialreduce"

	// Worker to coordinator: results.
	VerbMapDone    = "mapdone"
	VerbReduceDone = "reducedone"
)

// FuncSelector names a registered worker function. It is the payload of
// the mapfn/reducefn/collectfn verbs: workers are built with a function
// registry and the coordinator selects by name instead of shipping code.
type FuncSelector struct {
	Name string `json:"name"`
}

// MapAssignment is the payload of a "map" frame: one datasource entry.
type MapAssignment struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// MapResult is the payload of a "mapdone" frame: the input key it
// answers plus the grouped intermediate output of the map function.
type MapResult struct {
	Key     string                       `json:"key"`
	Results map[string][]json.RawMessage `json:"results"`
}

// ReduceAssignment is the payload of "reduce" and "partialreduce"
// frames. Key is opaque to the worker except that partialreduce keys
// are CompositeKey objects from which the worker extracts the grouping
// key to hand to the reduce function.
type ReduceAssignment struct {
	Key    json.RawMessage   `json:"key"`
	Values []json.RawMessage `json:"values"`
}

// ReduceResult is the payload of a "reducedone" frame. Key is echoed
// verbatim from the assignment.
type ReduceResult struct {
	Key    json.RawMessage `json:"key"`
	Result json.RawMessage `json:"result"`
}

// CompositeKey identifies one slice of one key group at one reduce
// depth in batched mode.
type CompositeKey struct {
	Key   string `json:"key"`
	Slice int    `json:"slice"`
	Depth int    `json:"depth"`
}

// PlainKey encodes a bare grouping key as its wire form.
func PlainKey(key string) json.RawMessage {
	b, _ := json.Marshal(key)
	return b
}

// GroupKey extracts the grouping key from a reduce-assignment key,
// which is either a bare JSON string or a CompositeKey object.
func GroupKey(raw json.RawMessage) (string, error) {
	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain, nil
	}
	var comp CompositeKey
	if err := json.Unmarshal(raw, &comp); err != nil {
		return "", fmt.Errorf("wire: undecodable reduce key %s", raw)
	}
	return comp.Key, nil
}

// Encode marshals a payload message.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	return b, nil
}

// Decode unmarshals a payload message.
func Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("wire: decode: %w", err)
	}
	return nil
}
