/*
Package engine implements the buffered, snapshot-consistent core that
sits between the dictionary façade and a backend store.

Writes land in in-memory overlays (a put-buffer and a delete-buffer)
and reads resolve against the overlays first, then against either a
full in-memory mirror (cache-all mode) or the live read snapshot. A
background flusher drains the overlays into the backend as one atomic
batch and rotates the snapshot afterwards, so the engine always
offers read-your-writes while the backend lags by at most one flush.

Flush triggers, in order: the mutation counter crossing
MaxBufferSize, the watchdog noticing idle buffers, an explicit
WriteImmediately, and Close. The write-now and flush-complete signals
are one-slot drop-oldest queues, so bursts of triggers coalesce.

The engine works on opaque byte keys and values; the façade owns the
codec. This is exactly the server's raw mode, which hosts these
engines directly.
*/
package engine
