package audit

import (
	"fmt"
	"strings"
)

// DefaultSensitiveFields are masked before entries reach less-trusted sinks.
var DefaultSensitiveFields = []string{"email", "phone", "ssn", "patientId", "medicalId"}

// AnonymizeData returns a copy of record with the named fields masked as
// first two characters, stars, last two characters. Values of four or fewer
// characters are fully starred.
func AnonymizeData(record map[string]interface{}, fields []string) map[string]interface{} {
	out := make(map[string]interface{}, len(record))
	for k, v := range record {
		out[k] = v
	}
	for _, f := range fields {
		v, ok := out[f]
		if !ok || v == nil {
			continue
		}
		s := fmt.Sprint(v)
		if s == "" {
			continue
		}
		out[f] = mask(s)
	}
	return out
}

func mask(s string) string {
	r := []rune(s)
	if len(r) <= 4 {
		return strings.Repeat("*", len(r))
	}
	return string(r[:2]) + strings.Repeat("*", len(r)-4) + string(r[len(r)-2:])
}
