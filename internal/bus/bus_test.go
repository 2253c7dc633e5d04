package bus

import (
	"bytes"
	"context"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBusWithoutRedis(t *testing.T) {
	b := NewBus("", nil)
	_, ok := b.(*NullBus)
	assert.True(t, ok)

	var logs bytes.Buffer
	b = NewBus("::not a url::", log.New(&logs, "", 0))
	_, ok = b.(*NullBus)
	assert.True(t, ok)
	assert.Contains(t, logs.String(), "publishing disabled")
}

func TestNullBus(t *testing.T) {
	var logs bytes.Buffer
	nb := NewNullBus(log.New(&logs, "", 0))

	require.NoError(t, nb.PublishReport(context.Background(), ReportMessage{JobID: "j1", Analyzer: "Whois"}))
	assert.Contains(t, logs.String(), "Would publish report j1 from Whois")
	assert.NoError(t, nb.HealthCheck(context.Background()))
	assert.NoError(t, nb.Close())
}

func TestReportFields(t *testing.T) {
	fields := reportFields(ReportMessage{
		JobID:     "j1",
		Analyzer:  "MISP",
		DataType:  "ip",
		Data:      "8.8.8.8",
		Success:   true,
		Artifacts: 3,
		Output:    `{"success":true}`,
		Timestamp: 1700000000,
	})

	assert.Equal(t, "true", fields["success"])
	assert.Equal(t, 3, fields["artifacts"])
	assert.Equal(t, int64(1700000000), fields["timestamp"])
	assert.Equal(t, `{"success":true}`, fields["output"])
	assert.NotContains(t, fields, "error_message")

	fields = reportFields(ReportMessage{JobID: "j2", ErrorMessage: "boom"})
	assert.Equal(t, "boom", fields["error_message"])
	assert.Equal(t, "false", fields["success"])
	assert.NotZero(t, fields["timestamp"])
}
