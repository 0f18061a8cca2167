package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// redactRecord replaces every argument except the record id with its hash.
func redactRecord(rec Record, salt []byte) Record {
	if len(rec.Args) == 0 {
		return rec
	}
	var args []string
	if err := json.Unmarshal(rec.Args, &args); err != nil {
		b, _ := json.Marshal(map[string]string{
			"args_hash":       hashBytes(rec.Args, salt),
			"redaction_error": "invalid_json",
		})
		rec.Args = b
		return rec
	}
	b, _ := json.Marshal(map[string]any{"args_hash": hashStrings(args, salt)})
	rec.Args = b
	return rec
}

// HashIdentity is the form identities take in logs and audit rows.
func HashIdentity(id string, salt []byte) string {
	return hashString(id, salt)
}

func hashStrings(values []string, salt []byte) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, hashString(v, salt))
	}
	return out
}

func hashString(v string, salt []byte) string {
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
