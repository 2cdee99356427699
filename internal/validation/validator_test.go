package validation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	pngHeader  = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")
	jpegHeader = []byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00\x01\x01\x00\x00\x01\x00\x01\x00\x00")
)

func TestValidate_GeneralProfile(t *testing.T) {
	v := New(GeneralProfile())

	tests := []struct {
		name      string
		file      FileInfo
		wantValid bool
		wantErrs  []string
	}{
		{
			name:      "valid 2MB png",
			file:      FileInfo{Size: 2 * MiB, Type: "image/png", Name: "xray.png"},
			wantValid: true,
		},
		{
			name:      "101MB file",
			file:      FileInfo{Size: 101 * MiB, Type: "image/png", Name: "big.png"},
			wantValid: false,
			wantErrs:  []string{"File size exceeds maximum allowed (100 MiB)"},
		},
		{
			name:      "exe with allowed type",
			file:      FileInfo{Size: 1024, Type: "image/jpeg", Name: "payload.exe"},
			wantValid: false,
			wantErrs:  []string{ReasonSuspiciousName},
		},
		{
			name:      "dicom allowed",
			file:      FileInfo{Size: 10 * MiB, Type: "application/dicom", Name: "ct.dcm"},
			wantValid: true,
		},
		{
			name:      "case insensitive pattern",
			file:      FileInfo{Size: 10, Type: "image/gif", Name: "Invoice.JS.gif"},
			wantValid: false,
			wantErrs:  []string{ReasonSuspiciousName},
		},
		{
			name:      "all checks fail",
			file:      FileInfo{Size: 200 * MiB, Type: "text/html", Name: "run.bat"},
			wantValid: false,
			wantErrs: []string{
				"File size exceeds maximum allowed (100 MiB)",
				ReasonTypeNotAllowed,
				ReasonSuspiciousName,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.Validate(tt.file)
			assert.Equal(t, tt.wantValid, res.Valid)
			if tt.wantValid {
				assert.Empty(t, res.Errors)
				return
			}
			assert.Equal(t, tt.wantErrs, res.Errors)
		})
	}
}

func TestValidate_UploadProfileIsNarrower(t *testing.T) {
	general := New(GeneralProfile())
	upload := New(UploadProfile())

	tiff := FileInfo{Size: MiB, Type: "image/tiff", Name: "scan.tiff"}
	assert.True(t, general.Validate(tiff).Valid)
	assert.False(t, upload.Validate(tiff).Valid)

	big := FileInfo{Size: 60 * MiB, Type: "image/jpeg", Name: "scan.jpg"}
	assert.True(t, general.Validate(big).Valid)
	res := upload.Validate(big)
	assert.False(t, res.Valid)
	assert.Equal(t, []string{"File size exceeds maximum allowed (50 MiB)"}, res.Errors)

	jpg := FileInfo{Size: 5 * MiB, Type: "image/jpg", Name: "scan.jpg"}
	assert.True(t, upload.Validate(jpg).Valid)
	assert.False(t, general.Validate(jpg).Valid)
}

func TestValidate_TypeParameters(t *testing.T) {
	v := New(UploadProfile())
	assert.True(t, v.Allowed("IMAGE/PNG; charset=binary"))
	assert.False(t, v.Allowed(""))
}

func TestResult_Err(t *testing.T) {
	v := New(UploadProfile())

	assert.NoError(t, v.Validate(FileInfo{Size: 1, Type: "image/png", Name: "a.png"}).Err("upload"))

	err := v.Validate(FileInfo{Size: 1, Type: "text/plain", Name: "a.txt"}).Err("upload")
	require.Error(t, err)
	var verr *Error
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "upload", verr.Profile)
	assert.Equal(t, []string{ReasonTypeNotAllowed}, verr.Reasons)
	assert.Contains(t, err.Error(), ReasonTypeNotAllowed)
}

func TestValidateContent(t *testing.T) {
	v := New(UploadProfile())

	assert.True(t, v.ValidateContent("image/png", pngHeader).Valid)
	assert.True(t, v.ValidateContent("image/jpg", jpegHeader).Valid)

	mismatch := v.ValidateContent("image/png", jpegHeader)
	assert.False(t, mismatch.Valid)
	require.Len(t, mismatch.Errors, 1)
	assert.Contains(t, mismatch.Errors[0], "does not match content")

	script := v.ValidateContent("image/png", []byte("<html><script>alert(1)</script></html>"))
	assert.False(t, script.Valid)
	assert.Contains(t, script.Errors[0], ReasonTypeNotAllowed)

	assert.False(t, v.ValidateContent("image/png", nil).Valid)

	general := New(GeneralProfile())
	assert.True(t, general.ValidateContent("image/png", []byte("anything")).Valid, "sniffing disabled for general profile")
}

func TestProfile_WithOverrides(t *testing.T) {
	base := UploadProfile()

	same := base.WithOverrides(0, nil, nil)
	assert.Equal(t, base, same)

	p := base.WithOverrides(5*MiB, []string{"image/png"}, []string{".svg"})
	assert.Equal(t, int64(5*MiB), p.MaxFileSize)
	assert.Equal(t, []string{"image/png"}, p.AllowedMIMETypes)
	assert.True(t, p.SniffContent)
	assert.Equal(t, 50*MiB, base.MaxFileSize, "base profile untouched")

	v := New(p)
	assert.False(t, v.Validate(FileInfo{Size: MiB, Type: "image/jpeg", Name: "a.jpg"}).Valid)
	assert.False(t, v.Validate(FileInfo{Size: MiB, Type: "image/png", Name: "a.svg.png"}).Valid)
	assert.True(t, v.Validate(FileInfo{Size: MiB, Type: "image/png", Name: "a.png"}).Valid)
}

func TestValidate_PatternCaseInsensitive(t *testing.T) {
	p := UploadProfile().WithOverrides(0, nil, []string{".EXE", ".Scr"})
	assert.Equal(t, []string{".exe", ".scr"}, p.SuspiciousPatterns)

	v := New(p)
	res := v.Validate(FileInfo{Size: MiB, Type: "image/png", Name: "scan.EXE.png"})
	assert.False(t, res.Valid)
	assert.Contains(t, res.Errors, ReasonSuspiciousName)

	// profiles built by hand are normalized too
	raw := UploadProfile()
	raw.SuspiciousPatterns = []string{".PIF"}
	res = New(raw).Validate(FileInfo{Size: MiB, Type: "image/png", Name: "photo.pif.png"})
	assert.False(t, res.Valid)
}
