/*
Package client implements the client half of the remote protocol: a
Transport that buffers writes locally, ships them to the server as
batches, answers point reads with unary RPCs and consumes the
long-lived notification stream that keeps a cache-all mirror in sync
with the other connected clients.

Every RPC runs under an exponential-backoff retry policy (3 attempts,
factor 2; batch RPCs start from a higher base delay). Absence on a
point read is signaled by the wire sentinel in pkg/pack.

The Transport satisfies backend.RemoteTransport, which is how the
write-buffer engine drives it: an engine flush opens a remote batch,
queues the drained overlays into the transport buffers, and Commit
ships them.
*/
package client
