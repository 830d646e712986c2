package replication

import "encoding/base64"

// emptyRDBBase64 is the canonical empty-database RDB image (magic
// REDIS0011, no keys) used as the full-resync snapshot body. Persistent,
// on-disk RDB generation is out of scope for this server — every full
// resync transfers this same fixed image regardless of what the store
// holds.
const emptyRDBBase64 = "UkVESVMwMDEx+glyZWRpcy12ZXIFNy4yLjD6CnJlZGlzLWJpdHPAQPoFY3RpbWXCbQi8ZfoIdXNlZC1tZW3CsMQQAPoIYW9mLWJhc2XAAP/wbjv+wP9aog=="

var emptyRDB []byte

func init() {
	decoded, err := base64.StdEncoding.DecodeString(emptyRDBBase64)
	if err != nil {
		panic("replication: embedded empty RDB constant is invalid base64: " + err.Error())
	}
	emptyRDB = decoded
}

// EmptyRDB returns the fixed 88-byte empty-database snapshot sent as the
// full-resync payload.
func EmptyRDB() []byte {
	return emptyRDB
}
