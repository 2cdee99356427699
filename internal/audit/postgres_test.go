package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/secure-image-vault/internal/database/dbtest"
)

func TestPostgresSink(t *testing.T) {
	pool := dbtest.Open(t)
	ctx := context.Background()
	sink := NewPostgresSink(pool)

	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	entry := &Entry{
		EntryID:           "11111111-1111-1111-1111-111111111111",
		Timestamp:         base,
		Action:            ActionUpload,
		ResourceID:        "file-1",
		UserID:            "a@b.com",
		IPAddress:         "10.0.0.1",
		SessionID:         "sess_1_abcdefghi",
		AdditionalData:    map[string]interface{}{"fileName": "scan.jpg"},
		ComplianceVersion: DefaultComplianceVersion,
	}
	require.NoError(t, sink.Write(ctx, entry))
	require.NoError(t, sink.Write(ctx, entry), "retried writes are ignored")
	require.NoError(t, sink.Write(ctx, &Entry{
		EntryID: "22222222-2222-2222-2222-222222222222", Timestamp: base.Add(time.Hour),
		Action: ActionView, ResourceID: "file-1", UserID: "a@b.com", ComplianceVersion: DefaultComplianceVersion,
	}))

	got, err := sink.Query(ctx, Filter{ResourceID: "file-1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ActionUpload, got[0].Action)
	assert.Equal(t, "scan.jpg", got[0].AdditionalData["fileName"])
	assert.Nil(t, got[1].AdditionalData)

	got, err = sink.Query(ctx, Filter{ResourceID: "file-1", From: base.Add(30 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ActionView, got[0].Action)
}
