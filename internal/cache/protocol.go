package cache

// Newline-delimited JSON protocol spoken between Client and Server.
// A connection carries any number of request/response pairs in order.

const (
	OpGet    = "get"
	OpSet    = "set"
	OpMGet   = "mget"
	OpMSet   = "mset"
	OpDelete = "delete"
	OpExists = "exists"
	OpPing   = "ping"
)

type Request struct {
	Op    string            `json:"op"`
	Key   string            `json:"key,omitempty"`
	Keys  []string          `json:"keys,omitempty"`
	Value []byte            `json:"value,omitempty"`
	Items map[string][]byte `json:"items,omitempty"`
	// TTLMillis <= 0 means no expiry.
	TTLMillis int64 `json:"ttl_ms,omitempty"`
}

type Response struct {
	OK     bool     `json:"ok"`
	Found  bool     `json:"found,omitempty"`
	Value  []byte   `json:"value,omitempty"`
	Values [][]byte `json:"values,omitempty"`
	Count  int      `json:"count,omitempty"`
	Error  string   `json:"error,omitempty"`
}
