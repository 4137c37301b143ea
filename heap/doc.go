// Package heap implements a first-fit allocator over a single region that only grows.
//
// Every block in the heap is a fixed-size header immediately followed by its payload. Headers are chained
// in address order starting from the heap origin, which is the first block ever created. Allocation walks
// that chain looking for the first free block that is large enough, merging runs of free neighbors as it
// passes over them, and splits oversized blocks so the unused tail becomes a new free block. When no block
// fits, the region is grown and a new block is linked after the tail.
//
// A Heap is not safe for concurrent use. Callers that share one between goroutines must serialize every
// call, including read-only introspection.
package heap
