package metrics

import (
	"context"
	"fmt"
	"time"

	datadog "github.com/DataDog/datadog-api-client-go/api/v2/datadog"
)

// DatadogReporter submits gauge points through the DataDog metrics intake API.
type DatadogReporter struct {
	client *datadog.APIClient
	apiKey string
	appKey string
}

func NewDatadogReporter(apiKey, appKey string) *DatadogReporter {
	return &DatadogReporter{
		client: datadog.NewAPIClient(datadog.NewConfiguration()),
		apiKey: apiKey,
		appKey: appKey,
	}
}

func (r *DatadogReporter) Report(ctx context.Context, name string, value float64, tags []string) error {
	ctx = context.WithValue(ctx, datadog.ContextAPIKeys, map[string]datadog.APIKey{
		"apiKeyAuth": {
			Key: r.apiKey,
		},
		"appKeyAuth": {
			Key: r.appKey,
		},
	})

	point := datadog.MetricPoint{
		Timestamp: datadog.PtrInt64(time.Now().Unix()),
		Value:     datadog.PtrFloat64(value),
	}
	series := datadog.MetricSeries{
		Metric: name,
		Type:   datadog.METRICINTAKETYPE_GAUGE.Ptr(),
		Points: []datadog.MetricPoint{point},
		Tags:   tags,
	}
	payload := datadog.MetricPayload{
		Series: []datadog.MetricSeries{series},
	}
	if _, _, err := r.client.MetricsApi.SubmitMetrics(ctx, payload); err != nil {
		return fmt.Errorf("failed to submit %s to datadog: %w", name, err)
	}
	return nil
}
