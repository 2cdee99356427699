// Package validation performs pre-flight checks on files before any
// cryptographic work is attempted.
package validation

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
)

const (
	// MiB is one mebibyte.
	MiB int64 = 1024 * 1024

	// Reasons reported in Result.Errors.
	ReasonTypeNotAllowed = "File type not allowed"
	ReasonSuspiciousName = "Suspicious file detected"
	ReasonEmptyFile      = "File is empty"
)

// DefaultSuspiciousPatterns are rejected anywhere in a filename, case-insensitively.
var DefaultSuspiciousPatterns = []string{".exe", ".bat", ".cmd", ".scr", ".vbs", ".js"}

// Profile is a named set of limits. The general and upload profiles are
// intentionally distinct.
type Profile struct {
	Name               string
	MaxFileSize        int64
	AllowedMIMETypes   []string
	SuspiciousPatterns []string
	// SniffContent enables ValidateContent checks on the leading bytes.
	SniffContent bool
}

// GeneralProfile is used for general-purpose validation of stored images.
func GeneralProfile() Profile {
	return Profile{
		Name:        "general",
		MaxFileSize: 100 * MiB,
		AllowedMIMETypes: []string{
			"image/jpeg", "image/png", "image/gif", "image/bmp", "image/webp",
			"image/tiff", "image/svg+xml", "application/dicom",
		},
		SuspiciousPatterns: DefaultSuspiciousPatterns,
	}
}

// UploadProfile is used on the primary upload path.
func UploadProfile() Profile {
	return Profile{
		Name:        "upload",
		MaxFileSize: 50 * MiB,
		AllowedMIMETypes: []string{
			"image/jpeg", "image/png", "image/jpg", "image/gif", "image/bmp", "image/webp",
		},
		SuspiciousPatterns: DefaultSuspiciousPatterns,
		SniffContent:       true,
	}
}

// WithOverrides returns a copy of p with non-zero overrides applied.
func (p Profile) WithOverrides(maxFileSize int64, allowedTypes, suspiciousPatterns []string) Profile {
	if maxFileSize > 0 {
		p.MaxFileSize = maxFileSize
	}
	if len(allowedTypes) > 0 {
		p.AllowedMIMETypes = append([]string(nil), allowedTypes...)
	}
	if len(suspiciousPatterns) > 0 {
		p.SuspiciousPatterns = lowerAll(suspiciousPatterns)
	}
	return p
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = strings.ToLower(v)
	}
	return out
}

// FileInfo describes a candidate file.
type FileInfo struct {
	Size int64
	Type string
	Name string
}

// Result collects every failing reason.
type Result struct {
	Valid  bool
	Errors []string
}

// Error is the ValidationError returned by callers that need an error value.
type Error struct {
	Profile string
	Reasons []string
}

func (e *Error) Error() string {
	return "validation failed: " + strings.Join(e.Reasons, "; ")
}

// Err converts a failed result into an *Error, or nil when valid.
func (r Result) Err(profile string) error {
	if r.Valid {
		return nil
	}
	return &Error{Profile: profile, Reasons: append([]string(nil), r.Errors...)}
}

func (r *Result) fail(reason string) {
	r.Valid = false
	r.Errors = append(r.Errors, reason)
}

// Validator checks files against one profile.
type Validator struct {
	profile Profile
	allowed map[string]struct{}
}

// New creates a Validator for the profile.
func New(profile Profile) *Validator {
	allowed := make(map[string]struct{}, len(profile.AllowedMIMETypes))
	for _, t := range profile.AllowedMIMETypes {
		allowed[strings.ToLower(t)] = struct{}{}
	}
	if profile.SuspiciousPatterns == nil {
		profile.SuspiciousPatterns = DefaultSuspiciousPatterns
	}
	// filenames are lowercased before matching
	profile.SuspiciousPatterns = lowerAll(profile.SuspiciousPatterns)
	return &Validator{profile: profile, allowed: allowed}
}

// Profile returns the validator's profile.
func (v *Validator) Profile() Profile {
	return v.profile
}

// Validate evaluates every check independently and never panics.
func (v *Validator) Validate(file FileInfo) Result {
	res := Result{Valid: true, Errors: []string{}}

	if file.Size > v.profile.MaxFileSize {
		res.fail(fmt.Sprintf("File size exceeds maximum allowed (%s)", humanize.IBytes(uint64(v.profile.MaxFileSize))))
	}
	if file.Size < 0 {
		res.fail(ReasonEmptyFile)
	}

	if !v.Allowed(file.Type) {
		res.fail(ReasonTypeNotAllowed)
	}

	name := strings.ToLower(file.Name)
	for _, pattern := range v.profile.SuspiciousPatterns {
		if strings.Contains(name, pattern) {
			res.fail(ReasonSuspiciousName)
			break
		}
	}

	return res
}

// Allowed reports whether a MIME type is on the profile allowlist.
func (v *Validator) Allowed(mimeType string) bool {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	_, ok := v.allowed[mt]
	return ok
}

// ValidateContent sniffs the real type from the leading bytes of the file
// and fails when it is outside the allowlist or contradicts the declared type.
// Profiles without SniffContent always pass.
func (v *Validator) ValidateContent(declared string, head []byte) Result {
	res := Result{Valid: true, Errors: []string{}}
	if !v.profile.SniffContent {
		return res
	}
	if len(head) == 0 {
		res.fail(ReasonEmptyFile)
		return res
	}

	detected := mimetype.Detect(head)
	if !v.matchesAllowlist(detected) {
		res.fail(fmt.Sprintf("%s (detected %s)", ReasonTypeNotAllowed, detected.String()))
		return res
	}
	if declared != "" && !detected.Is(normalizeAlias(declared)) {
		res.fail(fmt.Sprintf("Declared type %s does not match content (%s)", declared, detected.String()))
	}
	return res
}

func (v *Validator) matchesAllowlist(m *mimetype.MIME) bool {
	for t := range v.allowed {
		if m.Is(normalizeAlias(t)) {
			return true
		}
	}
	return false
}

// normalizeAlias maps the non-standard image/jpg to image/jpeg.
func normalizeAlias(mimeType string) string {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if mt == "image/jpg" {
		return "image/jpeg"
	}
	return mt
}
