package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// ToolSchema is one cached action definition from a server: the action name,
// its human-readable description, and the raw JSON input schema as the server
// reported it. Hash is a digest of the three, used to detect schema drift
// without comparing payloads.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Hash        string          `json:"hash"`
}

// SchemaHash computes the content digest for one tool schema.
func SchemaHash(name, description string, inputSchema json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write([]byte(description))
	h.Write([]byte{0})
	h.Write(inputSchema)
	return hex.EncodeToString(h.Sum(nil))
}

// Entry is the cached record for one server: its tool schemas in the order
// the server reported them, plus a freshness token derived from the server's
// config hash and every tool hash. An unchanged token means the cached entry
// is still an accurate picture of the server.
type Entry struct {
	Server      string       `json:"server"`
	Tools       []ToolSchema `json:"tools"`
	Token       string       `json:"token"`
	ConfigHash  string       `json:"configHash"`
	RefreshedAt time.Time    `json:"refreshedAt"`
}

// Token derives the freshness token for a config hash and tool set.
func Token(configHash string, tools []ToolSchema) string {
	h := sha256.New()
	h.Write([]byte(configHash))
	h.Write([]byte{0})
	for _, t := range tools {
		h.Write([]byte(t.Hash))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
