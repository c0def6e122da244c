package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/microsoft/ApplicationInsights-Go/appinsights"
)

// AppInsightsSink sends events to Application Insights. The SDK buffers
// and uploads in the background.
type AppInsightsSink struct {
	client appinsights.TelemetryClient
}

func NewAppInsightsSink(instrumentationKey string) *AppInsightsSink {
	return &AppInsightsSink{client: appinsights.NewTelemetryClient(instrumentationKey)}
}

func (s *AppInsightsSink) Track(_ context.Context, ev Event) error {
	e := appinsights.NewEventTelemetry(ev.Name)
	if !ev.Time.IsZero() {
		e.Timestamp = ev.Time
	}
	for k, v := range stringProperties(ev.Properties) {
		e.Properties[k] = v
	}
	s.client.Track(e)
	return nil
}

// Close flushes buffered telemetry, waiting at most timeout.
func (s *AppInsightsSink) Close(timeout time.Duration) {
	select {
	case <-s.client.Channel().Close(timeout):
	case <-time.After(timeout + time.Second):
	}
}

// stringProperties renders property values the way the ingestion API
// expects them: as strings, with nil as the empty string.
func stringProperties(props map[string]any) map[string]string {
	out := make(map[string]string, len(props))
	for k, v := range props {
		if v == nil {
			out[k] = ""
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out
}
