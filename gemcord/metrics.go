package gemcord

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

const metricsNamespace = "gemcord"

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// Metrics holds the bot's prometheus collectors. Each instance has its
// own registry.
type Metrics struct {
	registry *prometheus.Registry

	MessagesHandled  *prometheus.CounterVec
	ModelAttempts    prometheus.Counter
	HistoryPrunes    prometheus.Counter
	Attachments      *prometheus.CounterVec
	Commands         *prometheus.CounterVec
	ImagesGenerated  *prometheus.CounterVec
	DiscordConnected prometheus.GaugeFunc
}

func newMetrics(connected func() bool, guilds func() int) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		MessagesHandled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "messages_handled_total",
				Help:      "Total chat messages answered, by outcome",
			},
			[]string{"outcome"},
		),
		ModelAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "model_attempts_total",
				Help:      "Total attempts to answer a chat message, including retries",
			},
		),
		HistoryPrunes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "history_prunes_total",
				Help:      "Total times history was pruned after a blocked response",
			},
		),
		Attachments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "attachments_total",
				Help:      "Total attachments received, by kind",
			},
			[]string{"kind"},
		),
		Commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "commands_total",
				Help:      "Total slash commands received, by command",
			},
			[]string{"command"},
		),
		ImagesGenerated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "images_total",
				Help:      "Total /imagine requests, by outcome",
			},
			[]string{"outcome"},
		),
	}
	m.DiscordConnected = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "discord_connected",
			Help:      "1 if the discord gateway is connected",
		},
		func() float64 {
			if connected != nil && connected() {
				return 1
			}
			return 0
		},
	)
	historyGuilds := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "history_guilds",
			Help:      "Number of servers with a stored conversation",
		},
		func() float64 {
			if guilds == nil {
				return 0
			}
			return float64(guilds())
		},
	)

	m.registry.MustRegister(
		m.MessagesHandled,
		m.ModelAttempts,
		m.HistoryPrunes,
		m.Attachments,
		m.Commands,
		m.ImagesGenerated,
		m.DiscordConnected,
		historyGuilds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler returns an HTTP handler exposing the registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func outcome(err error) string {
	if err != nil {
		return outcomeFailure
	}
	return outcomeSuccess
}
