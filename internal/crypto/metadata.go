package crypto

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Reserved envelope metadata keys.
const (
	MetaTimestamp = "timestamp"
	MetaNonce     = "nonce"
	MetaVersion   = "version"
	MetaUserID    = "userId"
)

// Metadata is the envelope metadata sealed inside every payload. Caller
// fields and the reserved fields share one flat JSON object.
type Metadata struct {
	Fields    map[string]string
	Timestamp int64 // unix milliseconds
	Nonce     string
	Version   string
}

// Get returns a caller field.
func (m *Metadata) Get(key string) string {
	if m == nil || m.Fields == nil {
		return ""
	}
	return m.Fields[key]
}

// UserID returns the owner recorded at encryption time.
func (m *Metadata) UserID() string {
	return m.Get(MetaUserID)
}

// MarshalJSON flattens the metadata; reserved keys win over caller fields.
func (m Metadata) MarshalJSON() ([]byte, error) {
	flat := make(map[string]interface{}, len(m.Fields)+3)
	for k, v := range m.Fields {
		flat[k] = v
	}
	flat[MetaTimestamp] = m.Timestamp
	flat[MetaNonce] = m.Nonce
	flat[MetaVersion] = m.Version
	return json.Marshal(flat)
}

// UnmarshalJSON reverses MarshalJSON. Non-string caller values are kept in
// their JSON text form.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	out := Metadata{Fields: make(map[string]string, len(raw))}
	for k, v := range raw {
		switch k {
		case MetaTimestamp:
			ts, err := parseTimestamp(v)
			if err != nil {
				return err
			}
			out.Timestamp = ts
		case MetaNonce:
			if err := json.Unmarshal(v, &out.Nonce); err != nil {
				return fmt.Errorf("invalid nonce field: %w", err)
			}
		case MetaVersion:
			if err := json.Unmarshal(v, &out.Version); err != nil {
				return fmt.Errorf("invalid version field: %w", err)
			}
		default:
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				s = string(v)
			}
			out.Fields[k] = s
		}
	}

	*m = out
	return nil
}

func parseTimestamp(v json.RawMessage) (int64, error) {
	var n json.Number
	if err := json.Unmarshal(v, &n); err != nil {
		return 0, fmt.Errorf("invalid timestamp field: %w", err)
	}
	ts, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp field: %w", err)
	}
	return ts, nil
}
