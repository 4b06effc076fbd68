package session

import (
	"fmt"
)

// CategoryAppStateSyncKey entries cannot be handed back as the generic
// decoded shape: the protocol library expects a typed key-data value, so the
// payload goes through this reconstruction after deserialization.
const CategoryAppStateSyncKey = "app-state-sync-key"

// AppStateSyncKey is the typed form of an app-state-sync-key entry.
type AppStateSyncKey struct {
	KeyData     []byte          `json:"keyData"`
	Fingerprint KeyFingerprint  `json:"fingerprint"`
	Timestamp   int64           `json:"timestamp,omitempty"`
}

type KeyFingerprint struct {
	RawID         uint32   `json:"rawId"`
	CurrentIndex  uint32   `json:"currentIndex"`
	DeviceIndexes []uint32 `json:"deviceIndexes,omitempty"`
}

func rebuildAppStateSyncKey(v any) (any, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("session: app-state-sync-key payload is %T, want object", v)
	}
	key := &AppStateSyncKey{}
	if b, ok := m["keyData"].([]byte); ok {
		key.KeyData = b
	}
	if ts, ok := asInt64(m["timestamp"]); ok {
		key.Timestamp = ts
	}
	if fp, ok := m["fingerprint"].(map[string]any); ok {
		if n, ok := asInt64(fp["rawId"]); ok {
			key.Fingerprint.RawID = uint32(n)
		}
		if n, ok := asInt64(fp["currentIndex"]); ok {
			key.Fingerprint.CurrentIndex = uint32(n)
		}
		if idxs, ok := fp["deviceIndexes"].([]any); ok {
			key.Fingerprint.DeviceIndexes = make([]uint32, 0, len(idxs))
			for _, e := range idxs {
				if n, ok := asInt64(e); ok {
					key.Fingerprint.DeviceIndexes = append(key.Fingerprint.DeviceIndexes, uint32(n))
				}
			}
		}
	}
	if key.KeyData == nil {
		return nil, fmt.Errorf("session: app-state-sync-key payload has no keyData")
	}
	return key, nil
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case uint32:
		return int64(n), true
	default:
		return 0, false
	}
}
