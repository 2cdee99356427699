package audit

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogrusSink mirrors entries to the application log with sensitive fields
// masked. It is a less-trusted sink and never the primary record.
type LogrusSink struct {
	logger *logrus.Logger
	fields []string
}

// NewLogrusSink creates a mirror sink. Nil fields means DefaultSensitiveFields.
func NewLogrusSink(logger *logrus.Logger, sensitiveFields []string) *LogrusSink {
	if sensitiveFields == nil {
		sensitiveFields = DefaultSensitiveFields
	}
	return &LogrusSink{logger: logger, fields: sensitiveFields}
}

func (s *LogrusSink) Name() string { return "log" }

func (s *LogrusSink) Write(_ context.Context, entry *Entry) error {
	record := map[string]interface{}{
		"entryId":           entry.EntryID,
		"action":            string(entry.Action),
		"resourceId":        entry.ResourceID,
		"userId":            entry.UserID,
		"ipAddress":         entry.IPAddress,
		"sessionId":         entry.SessionID,
		"complianceVersion": entry.ComplianceVersion,
	}
	for k, v := range entry.AdditionalData {
		if _, reserved := record[k]; !reserved {
			record[k] = v
		}
	}

	s.logger.WithFields(logrus.Fields(AnonymizeData(record, s.fields))).Info("audit")
	return nil
}
