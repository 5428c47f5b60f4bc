/*
Package metrics exposes prometheus collectors for the server: per
database gauges (visible keys, buffered keys, marked deletes, flush
sequence), subscriber counts, delta fan-out counters and API request
metrics, all served on the /metrics endpoint via Handler.
*/
package metrics
