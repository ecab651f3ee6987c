/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package stats

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// PrometheusStats exports engine counters through a prometheus registry.
type PrometheusStats struct {
	registry *prometheus.Registry

	sntpRequests    prometheus.Counter
	sntpResponses   prometheus.Counter
	sntpBadPackets  prometheus.Counter
	sntpKissOfDeath prometheus.Counter

	tftpPackets         prometheus.Counter
	tftpTransfersOpened prometheus.Counter
	tftpTransfersClosed prometheus.Counter
	tftpRetransmits     prometheus.Counter
	tftpErrorsSent      prometheus.Counter
}

// NewPrometheusStats creates the registry and registers all counters.
func NewPrometheusStats() *PrometheusStats {
	s := &PrometheusStats{registry: prometheus.NewRegistry()}

	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
		s.registry.MustRegister(c)
		return c
	}

	s.sntpRequests = counter("netapps_sntp_requests_total", "SNTP requests sent")
	s.sntpResponses = counter("netapps_sntp_responses_total", "Valid SNTP responses received")
	s.sntpBadPackets = counter("netapps_sntp_bad_packets_total", "SNTP responses dropped as invalid")
	s.sntpKissOfDeath = counter("netapps_sntp_kiss_of_death_total", "SNTP kiss o' death responses received")
	s.tftpPackets = counter("netapps_tftp_packets_total", "TFTP datagrams received")
	s.tftpTransfersOpened = counter("netapps_tftp_transfers_opened_total", "TFTP transfers started")
	s.tftpTransfersClosed = counter("netapps_tftp_transfers_closed_total", "TFTP transfers terminated")
	s.tftpRetransmits = counter("netapps_tftp_retransmits_total", "TFTP retransmissions")
	s.tftpErrorsSent = counter("netapps_tftp_errors_sent_total", "TFTP error packets sent to peers")

	return s
}

// Start runs the http listener serving /metrics. It blocks.
func (s *PrometheusStats) Start(monitoringPort int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	addr := fmt.Sprintf(":%d", monitoringPort)
	log.Infof("Starting metrics server on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("Failed to start listener: %v", err)
	}
}

// IncSNTPRequests atomically adds 1 to the counter
func (s *PrometheusStats) IncSNTPRequests() { s.sntpRequests.Inc() }

// IncSNTPResponses atomically adds 1 to the counter
func (s *PrometheusStats) IncSNTPResponses() { s.sntpResponses.Inc() }

// IncSNTPBadPackets atomically adds 1 to the counter
func (s *PrometheusStats) IncSNTPBadPackets() { s.sntpBadPackets.Inc() }

// IncSNTPKissOfDeath atomically adds 1 to the counter
func (s *PrometheusStats) IncSNTPKissOfDeath() { s.sntpKissOfDeath.Inc() }

// IncTFTPPackets atomically adds 1 to the counter
func (s *PrometheusStats) IncTFTPPackets() { s.tftpPackets.Inc() }

// IncTFTPTransfersOpened atomically adds 1 to the counter
func (s *PrometheusStats) IncTFTPTransfersOpened() { s.tftpTransfersOpened.Inc() }

// IncTFTPTransfersClosed atomically adds 1 to the counter
func (s *PrometheusStats) IncTFTPTransfersClosed() { s.tftpTransfersClosed.Inc() }

// IncTFTPRetransmits atomically adds 1 to the counter
func (s *PrometheusStats) IncTFTPRetransmits() { s.tftpRetransmits.Inc() }

// IncTFTPErrorsSent atomically adds 1 to the counter
func (s *PrometheusStats) IncTFTPErrorsSent() { s.tftpErrorsSent.Inc() }
