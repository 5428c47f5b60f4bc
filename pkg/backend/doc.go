/*
Package backend presents one interface over the three storage
engines: a memory-mapped B+-tree (bbolt), a log-structured merge
store (goleveldb), and a remote server reached through the client
transport.

Every variant offers point-in-time snapshots with ordered iteration
and all-or-nothing write batches; the write-buffer engine is written
against this contract only and never touches an engine directly.

Each named database occupies <root>/<name>-<backend>/ (DBPath);
Destroy removes the directory recursively and Rebuild reopens an
empty store in place.
*/
package backend
