package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"toolgate/pkg/models"
)

// redactRecord hashes the actor and the role lists captured by failed role
// requirements.
func redactRecord(rec Record, salt []byte) Record {
	rec.ActorIDHash = hashString(rec.ActorIDHash, salt)
	rec.MissingPermissions = redactMissing(rec.MissingPermissions, salt)
	return rec
}

func redactMissing(raw json.RawMessage, salt []byte) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var missing []models.MissingPermission
	if err := json.Unmarshal(raw, &missing); err != nil {
		b, _ := json.Marshal(map[string]string{
			"missing_hash":    hashBytes(raw, salt),
			"redaction_error": "invalid_json",
		})
		return b
	}
	for i := range missing {
		for j := range missing[i].Requirements {
			req := &missing[i].Requirements[j]
			if req.Actual != "" && req.Kind == models.RequireRole {
				req.Actual = hashString(req.Actual, salt)
			}
		}
	}
	b, _ := json.Marshal(missing)
	return b
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
