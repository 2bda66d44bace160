package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// ServiceMetrics is an aggregated view of one service's pipelines.
type ServiceMetrics struct {
	Service   string  `json:"service"`
	Completed int64   `json:"completed"`
	Failed    int64   `json:"failed"`
	Retries   int64   `json:"retries"`
	P95Stage  float64 `json:"p95_stage_duration_seconds"`
}

// QueryService reads aggregated pipeline metrics back from a
// Prometheus server.
type QueryService struct {
	queryAPI v1.API
}

func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{Address: prometheusURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}
	return &QueryService{queryAPI: v1.NewAPI(client)}, nil
}

// GetServiceMetrics aggregates terminal counts, retries, and stage
// latency for one originating service.
func (q *QueryService) GetServiceMetrics(ctx context.Context, service string) (*ServiceMetrics, error) {
	m := &ServiceMetrics{Service: service}

	completed, err := q.scalar(ctx, fmt.Sprintf(`sum(pipeline_terminal_total{service=%q, outcome="completed"})`, service))
	if err != nil {
		return nil, fmt.Errorf("failed to query completed pipelines: %w", err)
	}
	m.Completed = int64(completed)

	failed, err := q.scalar(ctx, fmt.Sprintf(`sum(pipeline_terminal_total{service=%q, outcome="failed"})`, service))
	if err != nil {
		return nil, fmt.Errorf("failed to query failed pipelines: %w", err)
	}
	m.Failed = int64(failed)

	retries, err := q.scalar(ctx, `sum(pipeline_stage_retries_total)`)
	if err != nil {
		return nil, fmt.Errorf("failed to query retries: %w", err)
	}
	m.Retries = int64(retries)

	p95, err := q.scalar(ctx, `histogram_quantile(0.95, sum(rate(pipeline_stage_duration_seconds_bucket[1h])) by (le))`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stage latency: %w", err)
	}
	m.P95Stage = p95

	return m, nil
}

func (q *QueryService) scalar(ctx context.Context, query string) (float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, err
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return float64(vector[0].Value), nil
	}
	return 0, nil
}
