// Package metrics exposes homad's counters as a custom
// prometheus.Collector, following the same Describe/Collect-over-
// internal-state shape as the sockstats TCPInfoCollector it is modeled
// on, adapted from per-connection gauges to process-wide counters.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector tracks homad's process-wide counters: raw socket sends by
// outcome (ok/error), currently open mailboxes, and sender/receiver tasks
// started and terminated. It does not count received datagrams, datagrams
// by kind, resends, or abandons separately from successful terminations.
type Collector struct {
	sendsOK       uint64
	sendErrors    uint64
	mailboxesOpen int64

	sendersStarted    uint64
	sendersTerminated uint64

	receiversStarted    uint64
	receiversTerminated uint64

	descSends     *prometheus.Desc
	descMailboxes *prometheus.Desc
	descSenders   *prometheus.Desc
	descReceivers *prometheus.Desc
}

// New returns a Collector and registers it with the default Prometheus
// registry, ready for promhttp.Handler() to serve.
func New() *Collector {
	c := &Collector{
		descSends: prometheus.NewDesc(
			"homad_raw_socket_sends_total",
			"Raw IPv4 socket send attempts by outcome.",
			[]string{"outcome"}, nil,
		),
		descMailboxes: prometheus.NewDesc(
			"homad_mailboxes_open",
			"Currently registered application mailboxes.",
			nil, nil,
		),
		descSenders: prometheus.NewDesc(
			"homad_senders_total",
			"Per-message sender tasks by outcome.",
			[]string{"outcome"}, nil,
		),
		descReceivers: prometheus.NewDesc(
			"homad_receivers_total",
			"Per-message receiver tasks by outcome.",
			[]string{"outcome"}, nil,
		),
	}
	prometheus.MustRegister(c)
	return c
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.descSends
	descs <- c.descMailboxes
	descs <- c.descSenders
	descs <- c.descReceivers
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	metrics <- prometheus.MustNewConstMetric(c.descSends, prometheus.CounterValue, float64(atomic.LoadUint64(&c.sendsOK)), "ok")
	metrics <- prometheus.MustNewConstMetric(c.descSends, prometheus.CounterValue, float64(atomic.LoadUint64(&c.sendErrors)), "error")
	metrics <- prometheus.MustNewConstMetric(c.descMailboxes, prometheus.GaugeValue, float64(atomic.LoadInt64(&c.mailboxesOpen)))
	metrics <- prometheus.MustNewConstMetric(c.descSenders, prometheus.CounterValue, float64(atomic.LoadUint64(&c.sendersStarted)), "started")
	metrics <- prometheus.MustNewConstMetric(c.descSenders, prometheus.CounterValue, float64(atomic.LoadUint64(&c.sendersTerminated)), "terminated")
	metrics <- prometheus.MustNewConstMetric(c.descReceivers, prometheus.CounterValue, float64(atomic.LoadUint64(&c.receiversStarted)), "started")
	metrics <- prometheus.MustNewConstMetric(c.descReceivers, prometheus.CounterValue, float64(atomic.LoadUint64(&c.receiversTerminated)), "terminated")
}

// ObserveSend records a raw socket send attempt's outcome.
func (c *Collector) ObserveSend(err error) {
	if err != nil {
		atomic.AddUint64(&c.sendErrors, 1)
		return
	}
	atomic.AddUint64(&c.sendsOK, 1)
}

// ObserveMailboxOpened records a newly-registered application mailbox.
func (c *Collector) ObserveMailboxOpened() { atomic.AddInt64(&c.mailboxesOpen, 1) }

// ObserveMailboxClosed records a mailbox's removal.
func (c *Collector) ObserveMailboxClosed() { atomic.AddInt64(&c.mailboxesOpen, -1) }

// ObserveSenderStarted records a new per-message sender task.
func (c *Collector) ObserveSenderStarted() { atomic.AddUint64(&c.sendersStarted, 1) }

// ObserveSenderTerminated records a sender task's termination, successful
// or abandoned (spec.md §7 vii covers the abandon case).
func (c *Collector) ObserveSenderTerminated() { atomic.AddUint64(&c.sendersTerminated, 1) }

// ObserveReceiverStarted records a new per-message receiver task.
func (c *Collector) ObserveReceiverStarted() { atomic.AddUint64(&c.receiversStarted, 1) }

// ObserveReceiverTerminated records a receiver task's termination,
// successful or abandoned (spec.md §7 vii covers the abandon case).
func (c *Collector) ObserveReceiverTerminated() { atomic.AddUint64(&c.receiversTerminated, 1) }
