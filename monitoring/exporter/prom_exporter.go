package main

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PromExporter re-exports a cell node's counters in Prometheus format.
type PromExporter struct {
	address   string
	timeout   time.Duration
	namespace string

	scraper *Scraper

	up                *prometheus.Desc
	topicsLive        *prometheus.Desc
	offlineQueueDepth *prometheus.Desc
	abandonedMessages *prometheus.Desc
	deliveredMessages *prometheus.Desc
	journalReceipts   *prometheus.Desc
	malloced          *prometheus.Desc
}

// NewPromExporter returns an initialized Prometheus exporter.
func NewPromExporter(server, namespace string, timeout time.Duration, scraper *Scraper) *PromExporter {
	return &PromExporter{
		address:   server,
		timeout:   timeout,
		namespace: namespace,
		scraper:   scraper,
		up: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "up"),
			"If the cell node is reachable.",
			nil,
			nil,
		),
		topicsLive: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "topics_live_count"),
			"Number of cores currently live in the registry.",
			nil,
			nil,
		),
		offlineQueueDepth: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "offline_queue_depth"),
			"Number of messages waiting in the offline queue.",
			nil,
			nil,
		),
		abandonedMessages: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "abandoned_messages_total"),
			"Messages dropped after exhausting delivery retries.",
			nil,
			nil,
		),
		deliveredMessages: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "delivered_messages_total"),
			"Messages appended to their target logs since start.",
			nil,
			nil,
		),
		journalReceipts: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "journal_receipts_total"),
			"Receipts written to the journal since start.",
			nil,
			nil,
		),
		malloced: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "malloced_bytes"),
			"Number of bytes of memory allocated and in use.",
			nil,
			nil,
		),
	}
}

// Describe describes all the metrics exported by the cell exporter. It
// implements prometheus.Collector.
func (e *PromExporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.up
	ch <- e.topicsLive
	ch <- e.offlineQueueDepth
	ch <- e.abandonedMessages
	ch <- e.deliveredMessages
	ch <- e.journalReceipts
	ch <- e.malloced
}

// Collect fetches counters from the configured cell node, and delivers
// them as Prometheus metrics. It implements prometheus.Collector.
func (e *PromExporter) Collect(ch chan<- prometheus.Metric) {
	up := float64(1)
	if stats, err := e.scraper.Scrape(); err != nil {
		log.Println("Failed to fetch or parse response", err)
		up = 0
	} else {
		if err := e.parseStats(ch, stats); err != nil {
			up = 0
		}
	}

	ch <- prometheus.MustNewConstMetric(e.up, prometheus.GaugeValue, up)
}

func (e *PromExporter) parseStats(ch chan<- prometheus.Metric, stats map[string]interface{}) error {
	err := firstError(
		e.parseAndUpdate(ch, e.topicsLive, prometheus.GaugeValue, stats, "TopicsLive"),
		e.parseAndUpdate(ch, e.offlineQueueDepth, prometheus.GaugeValue, stats, "OfflineQueueDepth"),
		e.parseAndUpdate(ch, e.abandonedMessages, prometheus.CounterValue, stats, "AbandonedMessages"),
		e.parseAndUpdate(ch, e.deliveredMessages, prometheus.CounterValue, stats, "DeliveredMessages"),
		e.parseAndUpdate(ch, e.journalReceipts, prometheus.CounterValue, stats, "JournalReceipts"),
		e.parseAndUpdate(ch, e.malloced, prometheus.GaugeValue, stats, "memstats.Alloc"),
	)

	return err
}

func (e *PromExporter) parseAndUpdate(ch chan<- prometheus.Metric, desc *prometheus.Desc, valueType prometheus.ValueType,
	stats map[string]interface{}, key string) error {
	if v, err := parseMetric(stats, key); err == nil {
		ch <- prometheus.MustNewConstMetric(desc, valueType, v)
		return nil
	} else {
		return err
	}
}

func firstError(errs ...error) error {
	for _, v := range errs {
		if v != nil {
			return v
		}
	}
	return nil
}
