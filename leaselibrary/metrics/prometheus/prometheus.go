/*
 * Copyright (c) 2021 VMware, Inc.
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy of this software and
 * associated documentation files (the "Software"), to deal in the Software without restriction, including
 * without limitation the rights to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is furnished to do
 * so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all copies or substantial
 * portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR IMPLIED, INCLUDING BUT
 * NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.
 * IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY,
 * WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE
 * SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
 */

// Package prometheus implements the monitoring service by publishing to Prometheus.
package prometheus

import (
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vmware/vmware-go-lease/logger"
)

// MonitoringService publishes lease metrics to Prometheus.
// It might be tricky if the service onboarding with this library already uses Prometheus.
type MonitoringService struct {
	listenAddress string
	namespace     string
	tableName     string
	ownerID       string
	region        string
	logger        logger.Logger

	leasesHeld     *prom.GaugeVec
	leaseRenewals  *prom.CounterVec
	leasesLost     *prom.CounterVec
	writeConflicts *prom.CounterVec
	acquireTime    *prom.HistogramVec
}

// NewMonitoringService returns a monitoring service publishing metrics to Prometheus.
func NewMonitoringService(listenAddress, region string, logger logger.Logger) *MonitoringService {
	return &MonitoringService{
		listenAddress: listenAddress,
		region:        region,
		logger:        logger,
	}
}

func (p *MonitoringService) Init(appName, tableName, ownerID string) error {
	p.namespace = appName
	p.tableName = tableName
	p.ownerID = ownerID

	p.leasesHeld = prom.NewGaugeVec(prom.GaugeOpts{
		Name: p.namespace + `_leases_held`,
		Help: "The number of leases currently held by the owner",
	}, []string{"leaseTable", "leaseKey", "ownerID"})
	p.leaseRenewals = prom.NewCounterVec(prom.CounterOpts{
		Name: p.namespace + `_lease_renewals`,
		Help: "The number of successful lease renewals",
	}, []string{"leaseTable", "leaseKey", "ownerID"})
	p.leasesLost = prom.NewCounterVec(prom.CounterOpts{
		Name: p.namespace + `_leases_lost`,
		Help: "The number of leases lost to another owner",
	}, []string{"leaseTable", "leaseKey", "ownerID"})
	p.writeConflicts = prom.NewCounterVec(prom.CounterOpts{
		Name: p.namespace + `_write_conflicts`,
		Help: "The number of conditional writes lost to a competing owner",
	}, []string{"leaseTable", "leaseKey"})
	p.acquireTime = prom.NewHistogramVec(prom.HistogramOpts{
		Name: p.namespace + `_acquire_duration_seconds`,
		Help: "The time taken to acquire a lease",
	}, []string{"leaseTable", "leaseKey"})

	metrics := []prom.Collector{
		p.leasesHeld,
		p.leaseRenewals,
		p.leasesLost,
		p.writeConflicts,
		p.acquireTime,
	}
	for _, metric := range metrics {
		err := prom.Register(metric)
		if err != nil {
			return err
		}
	}

	return nil
}

func (p *MonitoringService) Start() error {
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		p.logger.Infof("Starting Prometheus listener on %s", p.listenAddress)
		err := http.ListenAndServe(p.listenAddress, nil)
		if err != nil {
			p.logger.Errorf("Error starting Prometheus metrics endpoint. %+v", err)
		}
		p.logger.Infof("Stopped metrics server")
	}()

	return nil
}

func (p *MonitoringService) Shutdown() {}

func (p *MonitoringService) LeaseAcquired(leaseKey string) {
	p.leasesHeld.With(prom.Labels{"leaseTable": p.tableName, "leaseKey": leaseKey, "ownerID": p.ownerID}).Set(1)
}

func (p *MonitoringService) LeaseLost(leaseKey string) {
	p.leasesHeld.With(prom.Labels{"leaseTable": p.tableName, "leaseKey": leaseKey, "ownerID": p.ownerID}).Set(0)
	p.leasesLost.With(prom.Labels{"leaseTable": p.tableName, "leaseKey": leaseKey, "ownerID": p.ownerID}).Inc()
}

func (p *MonitoringService) LeaseReleased(leaseKey string) {
	p.leasesHeld.With(prom.Labels{"leaseTable": p.tableName, "leaseKey": leaseKey, "ownerID": p.ownerID}).Set(0)
}

func (p *MonitoringService) LeaseRenewed(leaseKey string) {
	p.leaseRenewals.With(prom.Labels{"leaseTable": p.tableName, "leaseKey": leaseKey, "ownerID": p.ownerID}).Inc()
}

func (p *MonitoringService) IncrWriteConflict(leaseKey string) {
	p.writeConflicts.With(prom.Labels{"leaseTable": p.tableName, "leaseKey": leaseKey}).Inc()
}

func (p *MonitoringService) RecordAcquireTime(leaseKey string, millis float64) {
	p.acquireTime.With(prom.Labels{"leaseTable": p.tableName, "leaseKey": leaseKey}).Observe(millis / 1000)
}
