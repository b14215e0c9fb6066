package wire

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
)

// Fingerprint computes the 8-byte type fingerprint a schema code
// generator stamps on every message type, deterministically from the
// type's name. A real LCM-style generator folds in the field list as
// well; this module only needs a stable per-type constant to prefix
// onto the wire, so the name alone is sufficient.
func Fingerprint(typeName string) [8]byte {
	h := fnv.New64a()
	h.Write([]byte(typeName))
	sum := h.Sum64()
	var out [8]byte
	for i := range out {
		out[i] = byte(sum >> (8 * i))
	}
	return out
}

// EncodeWithFingerprint renders body as JSON prefixed by its 8-byte
// type fingerprint. The middleware never inspects this prefix; it
// exists purely so the wire format matches what a real code generator
// would emit.
func EncodeWithFingerprint(fp [8]byte, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 8+len(payload))
	copy(out, fp[:])
	copy(out[8:], payload)
	return out, nil
}

// DecodeWithFingerprint strips the leading 8-byte type fingerprint and
// unmarshals the remaining JSON body into out. The fingerprint value
// itself is not checked against the expected type: type safety comes
// from matching types to channels on both ends, not from comparing
// fingerprints.
func DecodeWithFingerprint(data []byte, out any) error {
	if len(data) < 8 {
		return fmt.Errorf("wire: payload too short for type fingerprint: %d bytes", len(data))
	}
	return json.Unmarshal(data[8:], out)
}
