/*
Package server hosts many named databases behind the HTTP API and
multiplexes change notifications to subscribed clients.

Each database is a raw-mode write-buffer engine over a local backend.
A mutating batch from one client is applied to the engine and fanned
out to every other subscriber of the same database inside one
critical section, so all subscribers observe deltas in commit order;
the originating client is excluded because its local state already
reflects the change.

The /connect route doubles as the notification stream: the response
stays open and each delta is written encoded, terminated by the
framing token from pkg/pack. Slow subscribers drop deltas rather than
stalling writers.
*/
package server
