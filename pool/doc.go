// Package pool implements the slab memory pool that backs IO buffers: a
// fixed set of size classes, free lists per class, preallocation at
// construction, and usage/allocation statistics. Chunk is the unit the
// pool hands out and reclaims; see buffer.InputBuffer/OutputBuffer for
// the directional views layered on top of a Chunk.
package pool
