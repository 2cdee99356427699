// Package storage persists encrypted objects. Stores only ever see
// ciphertext plus the metadata needed to open it again.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned for unknown file ids.
var ErrNotFound = errors.New("object not found")

// Metadata keys written next to the ciphertext.
const (
	MetaNonce         = "vault-nonce"
	MetaAlgorithm     = "vault-algorithm"
	MetaSchemaVersion = "vault-schema-version"
	MetaCreatedAt     = "vault-created-at"
	MetaKeyVersion    = "vault-key-version"
	MetaFileName      = "vault-file-name"
	MetaOriginalHash  = "vault-original-hash"
	MetaOwner         = "vault-owner"
	MetaOriginalSize  = "vault-original-size"
	MetaMimeType      = "vault-mime-type"
	MetaKeyInterval   = "vault-key-interval"
)

// Object is one stored encrypted file.
type Object struct {
	FileID        string
	Ciphertext    []byte
	Nonce         string
	Algorithm     string
	SchemaVersion string
	CreatedAt     time.Time
	KeyVersion    int
	FileName      string
	OriginalHash  string
	OwnerEmail    string
	OriginalSize  int64
	MimeType      string
	// KeyInterval is the epoch width the content key was derived with.
	// Zero means the object predates it being recorded.
	KeyInterval time.Duration
}

// ObjectStore is the storage collaborator used by upload and decryption.
type ObjectStore interface {
	// PutEncryptedObject stores obj and returns its file id.
	PutEncryptedObject(ctx context.Context, obj *Object) (string, error)
	// GetEncryptedObject returns ErrNotFound for unknown ids.
	GetEncryptedObject(ctx context.Context, fileID string) (*Object, error)
	// DeleteEncryptedObject removes the object. Deleting an unknown id is not an error.
	DeleteEncryptedObject(ctx context.Context, fileID string) error
}

// EncodeMetadata flattens everything but the ciphertext into string metadata
// suitable for object store headers.
func EncodeMetadata(obj *Object) map[string]string {
	return map[string]string{
		MetaNonce:         obj.Nonce,
		MetaAlgorithm:     obj.Algorithm,
		MetaSchemaVersion: obj.SchemaVersion,
		MetaCreatedAt:     strconv.FormatInt(obj.CreatedAt.UnixMilli(), 10),
		MetaKeyVersion:    strconv.Itoa(obj.KeyVersion),
		MetaFileName:      url.QueryEscape(obj.FileName),
		MetaOriginalHash:  obj.OriginalHash,
		MetaOwner:         obj.OwnerEmail,
		MetaOriginalSize:  strconv.FormatInt(obj.OriginalSize, 10),
		MetaMimeType:      obj.MimeType,
		MetaKeyInterval:   strconv.FormatInt(obj.KeyInterval.Milliseconds(), 10),
	}
}

// DecodeMetadata rebuilds an Object from metadata written by EncodeMetadata.
// Header names may arrive in any case.
func DecodeMetadata(fileID string, ciphertext []byte, metadata map[string]string) (*Object, error) {
	md := normalizeKeys(metadata)
	if md[MetaNonce] == "" {
		return nil, fmt.Errorf("object %s is missing %s metadata", fileID, MetaNonce)
	}

	createdMs, err := strconv.ParseInt(md[MetaCreatedAt], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("object %s has invalid %s: %w", fileID, MetaCreatedAt, err)
	}
	keyVersion, err := strconv.Atoi(md[MetaKeyVersion])
	if err != nil {
		return nil, fmt.Errorf("object %s has invalid %s: %w", fileID, MetaKeyVersion, err)
	}
	var size int64
	if s := md[MetaOriginalSize]; s != "" {
		if size, err = strconv.ParseInt(s, 10, 64); err != nil {
			return nil, fmt.Errorf("object %s has invalid %s: %w", fileID, MetaOriginalSize, err)
		}
	}
	var intervalMs int64
	if s := md[MetaKeyInterval]; s != "" {
		if intervalMs, err = strconv.ParseInt(s, 10, 64); err != nil || intervalMs < 0 {
			return nil, fmt.Errorf("object %s has invalid %s: %q", fileID, MetaKeyInterval, s)
		}
	}
	name, err := url.QueryUnescape(md[MetaFileName])
	if err != nil {
		name = md[MetaFileName]
	}

	return &Object{
		FileID:        fileID,
		Ciphertext:    ciphertext,
		Nonce:         md[MetaNonce],
		Algorithm:     md[MetaAlgorithm],
		SchemaVersion: md[MetaSchemaVersion],
		CreatedAt:     time.UnixMilli(createdMs).UTC(),
		KeyVersion:    keyVersion,
		FileName:      name,
		OriginalHash:  md[MetaOriginalHash],
		OwnerEmail:    md[MetaOwner],
		OriginalSize:  size,
		MimeType:      md[MetaMimeType],
		KeyInterval:   time.Duration(intervalMs) * time.Millisecond,
	}, nil
}

func normalizeKeys(metadata map[string]string) map[string]string {
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		out[strings.ToLower(k)] = v
	}
	return out
}

func clone(obj *Object) *Object {
	cp := *obj
	cp.Ciphertext = append([]byte(nil), obj.Ciphertext...)
	return &cp
}
