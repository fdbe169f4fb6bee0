package http

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fyrsmithlabs/marathon/internal/orchestrator"
)

// taskCollector reports live task counts per status at scrape time.
type taskCollector struct {
	orch     *orchestrator.Orchestrator
	tasks    *prometheus.Desc
	messages *prometheus.Desc
}

func newTaskCollector(orch *orchestrator.Orchestrator) *taskCollector {
	return &taskCollector{
		orch: orch,
		tasks: prometheus.NewDesc(
			"marathon_tasks",
			"Tasks held by the orchestrator, by status.",
			[]string{"status"}, nil,
		),
		messages: prometheus.NewDesc(
			"marathon_graph_messages",
			"Messages in the message graph across all live tasks.",
			nil, nil,
		),
	}
}

func (c *taskCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.tasks
	ch <- c.messages
}

func (c *taskCollector) Collect(ch chan<- prometheus.Metric) {
	for status, n := range orchestrator.Counts(c.orch.Tasks()) {
		ch <- prometheus.MustNewConstMetric(c.tasks, prometheus.GaugeValue, float64(n), string(status))
	}
	ch <- prometheus.MustNewConstMetric(c.messages, prometheus.GaugeValue, float64(c.orch.Graph().Len()))
}
