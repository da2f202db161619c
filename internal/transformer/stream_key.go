package transformer

import (
	"context"
	"fmt"

	"featurestore/internal/transformer/builtin"
)

// KeySpec describes how to stamp an entity key onto streamed rows.
type KeySpec struct {
	// JoinKeys are the entity join key columns, in entity declaration order.
	JoinKeys []string
	// TargetField receives the hex entity key. It must be one of the columns.
	TargetField string
}

// KeyLoopRows reads rows from in, writes builtin.EntityKey over the join key
// values into TargetField, and forwards the row to out.
//
// Rows with a null join key cannot be addressed in the online store; they are
// reported through onReject and freed.
//
// The caller owns closing out after KeyLoopRows returns.
func KeyLoopRows(
	ctx context.Context,
	columns []string,
	in <-chan *Row,
	out chan<- *Row,
	spec KeySpec,
	onReject func(line int, reason string),
) {
	targetIdx := indexOf(columns, spec.TargetField)
	if targetIdx < 0 {
		for r := range in {
			if r != nil {
				r.Free()
			}
		}
		return
	}

	keyIdx := make([]int, len(spec.JoinKeys))
	for i, name := range spec.JoinKeys {
		keyIdx[i] = indexOf(columns, name)
	}

	vals := make([]any, len(keyIdx))

	for r := range in {
		// On cancellation: drain without re-pooling (prevents reuse races).
		select {
		case <-ctx.Done():
			if r != nil {
				r.Drop()
			}
			continue
		default:
		}

		if r == nil || len(r.V) != len(columns) {
			if r != nil {
				r.Free()
			}
			continue
		}

		reject := ""
		for i, idx := range keyIdx {
			if idx < 0 {
				reject = fmt.Sprintf("entity key: missing column %q", spec.JoinKeys[i])
				break
			}
			if r.V[idx] == nil {
				reject = fmt.Sprintf("entity key: null %q", spec.JoinKeys[i])
				break
			}
			vals[i] = r.V[idx]
		}
		if reject != "" {
			if onReject != nil {
				onReject(r.Line, reject)
			}
			r.Free()
			continue
		}

		r.V[targetIdx] = builtin.EntityKey(spec.JoinKeys, vals)

		select {
		case out <- r:
		case <-ctx.Done():
			r.Drop()
		}
	}
}

func indexOf(cols []string, name string) int {
	if name == "" {
		return -1
	}
	for i, c := range cols {
		if c == name {
			return i
		}
	}
	return -1
}
