package component

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func TestFlowCounter(t *testing.T) {
	mock := clock.NewMock()
	f := NewFlowCounter(mock)

	assert.Equal(t, FlowMetrics{}, f.Metrics())

	mock.Add(2 * time.Second)
	f.Record(100)
	f.Record(300)
	f.Error()

	m := f.Metrics()
	assert.InDelta(t, 1.0, m.MessagesPerSecond, 1e-9)
	assert.InDelta(t, 200.0, m.BytesPerSecond, 1e-9)
	assert.InDelta(t, 0.5, m.ErrorRate, 1e-9)
	assert.True(t, m.LastActivity.Equal(mock.Now()))
	assert.Equal(t, int64(2), f.Messages())
	assert.Equal(t, int64(400), f.Bytes())
	assert.Equal(t, int64(1), f.Errors())
}

func TestFlowCounter_Idle(t *testing.T) {
	mock := clock.NewMock()
	mock.Add(time.Hour)
	f := NewFlowCounter(mock)

	assert.True(t, f.LastActivity().IsZero())
	mock.Add(5 * time.Second)
	assert.Equal(t, 5*time.Second, f.Uptime())

	f.Error()
	m := f.Metrics()
	assert.Zero(t, m.MessagesPerSecond)
	assert.Zero(t, m.ErrorRate, "no rate without messages")
}
