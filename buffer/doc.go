// Package buffer provides directional byte-buffer views over a pooled
// pool.Chunk: InputBuffer accumulates bytes read from a socket for a
// protocol layer to consume, OutputBuffer accumulates bytes queued for
// write and drains them to a socket. Both buffers grow by asking
// pool.MemoryPool for a bigger chunk and copying forward, rather than
// reallocating in place, so the pool's size-class accounting stays
// accurate for every byte a connection ever holds.
package buffer
