/*
Package flaxkv is a dictionary-style façade over ordered embedded
key-value stores, with a network-attached variant that replicates the
same interface across a client/server boundary.

A handle behaves like an in-memory mapping with rich typed keys and
values (scalars, tuples, nested containers, numeric arrays, tabular
frames) while writes batch asynchronously into the chosen backend: a
memory-mapped B+-tree, a log-structured merge store, or a remote
flaxkv server. The owning handle always reads its own writes.

	db, err := flaxkv.New("vectors", "./data", flaxkv.WithBackend("leveldb"))
	if err != nil { ... }
	defer db.Close(true, true)

	db.Set(pack.Tuple{int64(1), "a"}, []any{int64(1), int64(2)})
	v, err := db.Get(pack.Tuple{int64(1), "a"})

Remote handles attach to a server started from cmd/flaxkv:

	db, err := flaxkv.New("vectors", "http://127.0.0.1:8000")

They keep a full local mirror, hydrated on connect and kept current
by the server's change-notification stream; other clients' writes
become visible without polling.
*/
package flaxkv
