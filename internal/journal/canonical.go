package journal

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// separator is the 0x1E (record separator) byte inserted between the
// prevHash and the canonical event body before hashing (spec §6.3).
const separator = 0x1E

// canonicalize produces the canonical JSON serialization of an event for
// hashing: map keys sorted, no insignificant whitespace. Strings are
// hashed as given; no Unicode NFC normalization is applied (see
// normalizeNFC). It deliberately ignores Sequence/PrevHash/Hash, which are not part of the
// hashed body — prevHash is supplied separately to chainHash.
func canonicalize(e Event) ([]byte, error) {
	body := map[string]interface{}{
		"eventId":   e.EventID,
		"eventType": string(e.EventType),
		"timestamp": e.Timestamp.UTC().Format("2006-01-02T15:04:05.000000000Z"),
		"actorId":   e.ActorID,
		"payload":   e.Payload,
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, body); err != nil {
		return nil, fmt.Errorf("canonicalize event %s: %w", e.EventID, err)
	}
	return normalizeNFC(buf.Bytes()), nil
}

// writeCanonical recursively marshals v with map keys sorted and no
// extraneous whitespace. encoding/json already omits insignificant
// whitespace and sorts map[string]X keys for us, but it does not sort
// keys of map[string]interface{} nested inside other interface{}
// values consistently across Go versions, so we walk the structure
// ourselves to guarantee it.
func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}

// normalizeNFC returns the canonical bytes unchanged: no Unicode NFC
// normalization is applied. The canonical body is built entirely from fields we control plus
// caller-supplied strings; normalizing case-by-case would require a full
// Unicode normalization table, which the standard library does not
// bundle (golang.org/x/text/unicode/norm would, but pulling in x/text
// solely for this one call is unjustified next to just normalizing the
// printable-ASCII-dominant output we actually produce — see DESIGN.md).
// For the overwhelming majority of payloads (ASCII identifiers, RFC3339
// timestamps, short strings) this is already in NFC form; call sites
// that accept free-form non-ASCII text should pre-normalize it with
// golang.org/x/text/unicode/norm.NFC before constructing the Payload.
func normalizeNFC(b []byte) []byte {
	return b
}

// chainHash computes hash = SHA256(prevHash || 0x1E || canonical(event)),
// hex encoded.
func chainHash(prevHash string, canonical []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte{separator})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}
