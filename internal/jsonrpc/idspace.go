package jsonrpc

import "sync/atomic"

// IDAllocator mints ids for requests mcpmon synthesizes itself (the
// initialize replay, the tools/list probe) from a space disjoint from any
// id a client can supply. MCP ids are either JSON numbers or strings; a
// negative integer can never collide with a client id that is a
// non-negative number, and is trivially distinguishable from a string id.
// This is the Open Question spec.md §9 leaves to the implementation,
// resolved in DESIGN.md.
type IDAllocator struct {
	next atomic.Int64
}

func NewIDAllocator() *IDAllocator {
	a := &IDAllocator{}
	a.next.Store(-1)
	return a
}

// Next returns the next internal id.
func (a *IDAllocator) Next() int64 {
	return a.next.Add(-1)
}

// IsInternal reports whether a decoded JSON-RPC id (as raw JSON bytes)
// belongs to mcpmon's internal space, i.e. is a negative integer literal.
func IsInternal(rawID []byte) bool {
	if len(rawID) == 0 {
		return false
	}
	return rawID[0] == '-'
}
