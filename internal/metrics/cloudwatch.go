package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"fundingpool/logger"
)

type cloudWatchState struct {
	client        *cloudwatch.Client
	namespace     string
	dashboardName string
	region        string
}

var cwState atomic.Pointer[cloudWatchState]

// publishMetricsFunc is swapped in tests.
var publishMetricsFunc = publishMetrics

func init() {
	cwState.Store(&cloudWatchState{
		namespace:     "FundingPool",
		dashboardName: "FundingPool",
	})
}

// InitCloudWatch initialises the CloudWatch client using the provided region and namespace
// and publishes the pool dashboard. When the client cannot be created the function logs a
// warning and leaves publishing disabled.
func InitCloudWatch(ctx context.Context, region, namespace, dashboard string) {
	log := logger.GetLogger().WithComponent("cloudwatch")

	if region == "" {
		region = os.Getenv("AWS_REGION")
	}

	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}

	state := cloudWatchState{}
	if current := cwState.Load(); current != nil {
		state = *current
	}

	state.client = cloudwatch.NewFromConfig(cfg)
	if namespace != "" {
		state.namespace = namespace
	}
	if dashboard != "" {
		state.dashboardName = dashboard
	}
	state.region = region
	if cfg.Region != "" {
		state.region = cfg.Region
	}

	cwState.Store(&state)

	log.WithFields(logger.Fields{
		"region":    state.region,
		"namespace": state.namespace,
	}).Info("initialized CloudWatch client")

	if err := CreateDashboard(ctx); err != nil {
		log.WithError(err).Warn("failed to create CloudWatch dashboard")
	}
}

// EmitMetric logs the metric locally, hands it to registered handlers and publishes it to
// CloudWatch when configured.
func EmitMetric(log *logger.Log, component string, metric string, value interface{}, metricType string, fields logger.Fields) {
	metricEvent, ok := recordMetric(log, component, metric, value, metricType, fields)
	if !ok {
		return
	}

	numericValue, ok := toFloat64(metricEvent.Value)
	if !ok {
		logger.GetLogger().WithComponent("cloudwatch").WithFields(logger.Fields{"metric": metricEvent.Name}).Debug("non-numeric metric value; skipping publish")
		return
	}

	publishMetricDatum(context.Background(), metricEvent.Component, metricEvent.Name, numericValue, metricEvent.Fields)
}

// dashboardBody renders a single-widget dashboard covering the pool metrics.
func dashboardBody(namespace, region string) (string, error) {
	names := []string{MetricPoolSize, MetricTransitions, MetricFetchFailures, MetricNotificationFailures, MetricRefreshContracts}
	rows := make([][]string, 0, len(names))
	for _, n := range names {
		rows = append(rows, []string{namespace, n})
	}
	body := map[string]interface{}{
		"widgets": []map[string]interface{}{{
			"type":   "metric",
			"width":  24,
			"height": 6,
			"properties": map[string]interface{}{
				"metrics": rows,
				"period":  60,
				"stat":    "Sum",
				"region":  region,
				"title":   "Funding pool",
			},
		}},
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode dashboard: %w", err)
	}
	return string(data), nil
}

// CreateDashboard creates or replaces the configured CloudWatch dashboard.
func CreateDashboard(ctx context.Context) error {
	state := cwState.Load()
	if state == nil || state.client == nil {
		return nil
	}

	body, err := dashboardBody(state.namespace, state.region)
	if err != nil {
		return err
	}

	_, err = state.client.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(state.dashboardName),
		DashboardBody: aws.String(body),
	})
	if err != nil {
		return err
	}

	logger.GetLogger().WithComponent("cloudwatch").Debug("updated CloudWatch dashboard")
	return nil
}

func publishMetricDatum(ctx context.Context, component, metric string, value float64, fields logger.Fields) {
	state := cwState.Load()
	if state == nil || state.client == nil {
		return
	}

	unit := cwtypes.StandardUnitCount
	if rawUnit, ok := fields["unit"]; ok {
		if unitStr, ok := rawUnit.(string); ok {
			if parsedUnit, found := metricUnitFromString(unitStr); found {
				unit = parsedUnit
			} else {
				logger.GetLogger().WithComponent("cloudwatch").WithFields(logger.Fields{"metric": metric, "unit": unitStr}).Debug("unsupported metric unit; defaulting to Count")
			}
		}
	}

	publishMetricsFunc(ctx, state, []cwtypes.MetricDatum{{
		MetricName: aws.String(metric),
		Dimensions: dimensions(component, fields),
		Unit:       unit,
		Value:      aws.Float64(value),
	}})
}

// dimensions turns string fields into CloudWatch dimensions. Symbol is left
// out to keep metric cardinality bounded.
func dimensions(component string, fields logger.Fields) []cwtypes.Dimension {
	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(component)}}
	for k, v := range fields {
		switch k {
		case "metric", "metric_type", "value", "unit", "symbol":
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(s)})
		}
	}
	return dims
}

func publishMetrics(ctx context.Context, state *cloudWatchState, data []cwtypes.MetricDatum) {
	if state == nil || state.client == nil {
		return
	}
	if len(data) == 0 {
		logger.GetLogger().WithComponent("cloudwatch").Debug("no metric data to publish")
		return
	}

	if _, err := state.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(state.namespace),
		MetricData: data,
	}); err != nil {
		logger.GetLogger().WithComponent("cloudwatch").WithError(err).Warn("failed to publish CloudWatch metrics")
		return
	}

	names := make([]string, 0, len(data))
	for _, datum := range data {
		if datum.MetricName != nil {
			names = append(names, *datum.MetricName)
		}
	}

	logger.GetLogger().WithComponent("cloudwatch").WithField("metrics", strings.Join(names, ",")).Debug("published metrics to CloudWatch")
}

func toFloat64(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

func metricUnitFromString(unit string) (cwtypes.StandardUnit, bool) {
	switch strings.ToLower(unit) {
	case "count":
		return cwtypes.StandardUnitCount, true
	case "percent":
		return cwtypes.StandardUnitPercent, true
	case "ms", "milliseconds":
		return cwtypes.StandardUnitMilliseconds, true
	default:
		return cwtypes.StandardUnitCount, false
	}
}
