package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/solacelabs/talktime/internal/observability/metrics"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		provideRegisterer,
		provideMetricsConfig,
		metrics.New,
		metrics.NewHTTPMetrics,
	),
)

func provideRegisterer() prometheus.Registerer {
	return prometheus.DefaultRegisterer
}

func provideMetricsConfig(cfg Config) metrics.Config {
	return metrics.Config{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
	}
}
