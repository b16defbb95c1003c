package metrics

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"fundingpool/logger"
)

func TestPublishMetricDatumBuildsDimensions(t *testing.T) {
	prevState := cwState.Load()
	cwState.Store(&cloudWatchState{client: &cloudwatch.Client{}, namespace: "Test"})
	t.Cleanup(func() { cwState.Store(prevState) })

	var batches [][]cwtypes.MetricDatum
	publishMetricsFunc = func(ctx context.Context, state *cloudWatchState, data []cwtypes.MetricDatum) {
		batches = append(batches, data)
	}
	t.Cleanup(func() { publishMetricsFunc = publishMetrics })

	publishMetricDatum(context.Background(), "monitor", MetricTransitions, 1, logger.Fields{
		"exchange":  "binance",
		"direction": "ENTER",
		"symbol":    "binance:BTCUSDT",
		"unit":      "count",
	})

	if len(batches) != 1 || len(batches[0]) != 1 {
		t.Fatalf("expected a single datum, got %v", batches)
	}
	datum := batches[0][0]
	if datum.Unit != cwtypes.StandardUnitCount {
		t.Fatalf("unexpected unit: %s", datum.Unit)
	}
	names := map[string]string{}
	for _, d := range datum.Dimensions {
		names[*d.Name] = *d.Value
	}
	if names["component"] != "monitor" || names["exchange"] != "binance" || names["direction"] != "ENTER" {
		t.Fatalf("unexpected dimensions: %v", names)
	}
	if _, ok := names["symbol"]; ok {
		t.Fatalf("symbol must not become a dimension: %v", names)
	}
}

func TestPublishMetricDatumWithoutClient(t *testing.T) {
	prevState := cwState.Load()
	cwState.Store(&cloudWatchState{})
	t.Cleanup(func() { cwState.Store(prevState) })

	called := false
	publishMetricsFunc = func(context.Context, *cloudWatchState, []cwtypes.MetricDatum) { called = true }
	t.Cleanup(func() { publishMetricsFunc = publishMetrics })

	publishMetricDatum(context.Background(), "monitor", MetricPoolSize, 3, nil)
	if called {
		t.Fatal("publish should be skipped without a client")
	}
}

func TestDashboardBodyIsValidJSON(t *testing.T) {
	body, err := dashboardBody("FundingPool", "eu-west-1")
	if err != nil {
		t.Fatalf("dashboardBody: %v", err)
	}
	if !json.Valid([]byte(body)) {
		t.Fatalf("invalid dashboard json: %s", body)
	}
}

func TestMetricUnitFromString(t *testing.T) {
	if u, ok := metricUnitFromString("ms"); !ok || u != cwtypes.StandardUnitMilliseconds {
		t.Fatalf("unexpected unit: %s %v", u, ok)
	}
	if _, ok := metricUnitFromString("furlongs"); ok {
		t.Fatal("unexpected unit match")
	}
}
