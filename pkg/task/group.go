package task

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// rowKV is one (key, value) row from the intermediate store. The key is
// the JSON encoding of the grouping key; the value is the opaque
// serialized intermediate value.
type rowKV struct {
	key   string
	value []byte
}

// rowIter is a streaming cursor with one row of lookahead. The
// lookahead is what lets the batched manager know, after cutting a
// slice, whether the current group has more values.
type rowIter struct {
	rows      *sql.Rows
	peeked    *rowKV
	exhausted bool
}

// peek returns the next row without consuming it, or nil at the end.
func (it *rowIter) peek() (*rowKV, error) {
	if it.peeked != nil || it.exhausted {
		return it.peeked, nil
	}
	if !it.rows.Next() {
		it.exhausted = true
		if err := it.rows.Err(); err != nil {
			return nil, fmt.Errorf("task: reduce cursor: %w", err)
		}
		return nil, nil
	}
	var row rowKV
	if err := it.rows.Scan(&row.key, &row.value); err != nil {
		return nil, fmt.Errorf("task: scan reduce row: %w", err)
	}
	it.peeked = &row
	return it.peeked, nil
}

// next consumes and returns the next row, or nil at the end.
func (it *rowIter) next() (*rowKV, error) {
	row, err := it.peek()
	if err != nil {
		return nil, err
	}
	it.peeked = nil
	return row, nil
}

// nextGroup consumes all consecutive rows sharing one key and returns
// the stored key together with the collected values. ok is false at the
// end of the stream.
func (it *rowIter) nextGroup() (storedKey string, values []json.RawMessage, ok bool, err error) {
	first, err := it.next()
	if err != nil || first == nil {
		return "", nil, false, err
	}
	storedKey = first.key
	values = []json.RawMessage{json.RawMessage(first.value)}
	for {
		peeked, err := it.peek()
		if err != nil {
			return "", nil, false, err
		}
		if peeked == nil || peeked.key != storedKey {
			return storedKey, values, true, nil
		}
		row, err := it.next()
		if err != nil {
			return "", nil, false, err
		}
		values = append(values, json.RawMessage(row.value))
	}
}

// close releases the cursor. Safe on nil.
func (it *rowIter) close() {
	if it != nil && it.rows != nil {
		_ = it.rows.Close()
	}
}
