package pack

import "github.com/vmihailenco/msgpack/v5"

// Wire constants and message shapes shared by the remote client and
// the server router. Both sides must agree on these byte-for-byte.

var (
	// NullSentinel encodes absence on the /get route.
	NullSentinel = []byte("iamnull123")

	// StreamDelimiter terminates each frame on the /connect
	// notification stream.
	StreamDelimiter = []byte("data: end\n\n")
)

// Delta types fanned out on the notification stream.
const (
	DeltaBufferDict = "buffer_dict"
	DeltaDeleteKeys = "delete_keys"
)

// ConnectRequest opens (or rebuilds) a named database and registers
// the caller for notifications.
type ConnectRequest struct {
	DBName   string `json:"db_name"`
	Backend  string `json:"backend"`
	Rebuild  bool   `json:"rebuild"`
	ClientID string `json:"client_id"`
}

// DetachRequest drops a database from the server's table.
type DetachRequest struct {
	DBName string `json:"db_name"`
}

// SetData is the unary /set payload.
type SetData struct {
	Key   []byte `msgpack:"key"`
	Value []byte `msgpack:"value"`
}

// SetBatch ships a drained put-buffer. Map keys are the encoded key
// bytes; values are encoded value bytes.
type SetBatch struct {
	Data     map[string][]byte `msgpack:"data"`
	ClientID string            `msgpack:"client_id"`
	Time     float64           `msgpack:"time"`
}

// DeleteBatch ships a drained delete-buffer.
type DeleteBatch struct {
	Keys     [][]byte `msgpack:"keys"`
	ClientID string   `msgpack:"client_id"`
	Time     float64  `msgpack:"time"`
}

// GetBatch asks for several values at once.
type GetBatch struct {
	Keys [][]byte `msgpack:"keys"`
}

// Delta is one unit of change on the notification stream. Data holds
// a SetBatch.Data mapping for DeltaBufferDict and a DeleteBatch.Keys
// list for DeltaDeleteKeys; it stays raw until the type is known.
type Delta struct {
	Type string             `msgpack:"type"`
	Data msgpack.RawMessage `msgpack:"data"`
	Time float64            `msgpack:"time"`
}

// Stat is the per-database statistics mapping.
type Stat struct {
	Count        int    `msgpack:"count"`
	Buffer       int    `msgpack:"buffer"`
	DB           int    `msgpack:"db"`
	MarkedDelete int    `msgpack:"marked_delete"`
	Type         string `msgpack:"type"`
}
