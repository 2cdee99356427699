package audit

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"time"
)

// RequestInfo is the request-scoped data stamped onto entries.
type RequestInfo struct {
	IPAddress string
	UserAgent string
	SessionID string
}

type requestInfoKey struct{}

// WithRequestInfo attaches info to ctx.
func WithRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, info)
}

// RequestInfoFrom returns the info attached to ctx, if any.
func RequestInfoFrom(ctx context.Context) RequestInfo {
	if ctx == nil {
		return RequestInfo{}
	}
	info, _ := ctx.Value(requestInfoKey{}).(RequestInfo)
	return info
}

const sessionAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewSessionID returns "sess_<unixMillis>_<9 base36 chars>".
func NewSessionID(now time.Time) string {
	suffix := make([]byte, 9)
	max := big.NewInt(int64(len(sessionAlphabet)))
	for i := range suffix {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand does not fail on supported platforms
			panic(fmt.Sprintf("session id: %v", err))
		}
		suffix[i] = sessionAlphabet[n.Int64()]
	}
	return "sess_" + strconv.FormatInt(now.UnixMilli(), 10) + "_" + string(suffix)
}

// ValidSessionID reports whether id has the NewSessionID shape.
func ValidSessionID(id string) bool {
	const prefix = "sess_"
	if len(id) < len(prefix)+1+1+9 || id[:len(prefix)] != prefix {
		return false
	}
	rest := id[len(prefix):]
	sep := len(rest) - 10
	if sep < 1 || rest[sep] != '_' {
		return false
	}
	if _, err := strconv.ParseInt(rest[:sep], 10, 64); err != nil {
		return false
	}
	for _, c := range rest[sep+1:] {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'z') {
			return false
		}
	}
	return true
}
