// Package transformer holds the row-oriented table types shared by the
// offline reader, the on-demand transforms and the serving path, plus the
// table of registered on-demand transform functions.
package transformer

import "sync"

// Row is a pooled positional row produced by the file parsers.
//
// Ownership contract:
//   - Exactly one goroutine "owns" a Row at a time.
//   - A Row may be passed downstream via channels (ownership transfer).
//   - The final consumer (typically the offline frame collector) must call
//     Free() AFTER it is fully done with the Row (and anything referencing r.V).
//
// On ctx cancellation, a drain-safe stage may still be reading a Row while the
// parser unwinds. Returning such a Row to the pool lets the parser reuse it
// concurrently with the reader, so:
//   - Use Free() only on the normal path.
//   - Use Drop() on cancellation paths (no re-pooling; allow GC to reclaim).
type Row struct {
	V    []any
	Line int // 1-based logical record number, if known
}

var rowPool sync.Pool

// GetRow returns a pooled Row with capacity for colCount fields and length set
// to colCount. All elements are zeroed.
func GetRow(colCount int) *Row {
	if v := rowPool.Get(); v != nil {
		r := v.(*Row)
		if cap(r.V) < colCount {
			r.V = make([]any, colCount)
		}
		r.V = r.V[:colCount]
		for i := range r.V {
			r.V[i] = nil
		}
		r.Line = 0
		return r
	}
	return &Row{
		V:    make([]any, colCount),
		Line: 0,
	}
}

// Free returns the Row to the pool.
// Call this ONLY when you're sure no other goroutine can observe r or r.V.
func (r *Row) Free() {
	rowPool.Put(r)
}

// Drop discards the Row WITHOUT returning it to the pool.
func (r *Row) Drop() {
	r.V = nil
	r.Line = 0
}
