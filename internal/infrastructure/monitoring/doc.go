/*
Package monitoring provides performance monitoring and metrics collection.

# Overview

This package implements Prometheus-based metrics collection for the bus
daemon, tracking the send and receive pipelines, policy decisions, reply
deadlines, and the HTTP and websocket surfaces.

# Features

- Message metrics (unicast, broadcast, notification, eavesdrop counts)
- Policy denial metrics by access class
- Reply timeout and quota drop metrics
- Connection and name registry gauges
- Queue depth and pool usage gauges
- HTTP request metrics (latency, throughput)
- WebSocket session metrics
- System metrics (uptime)

# Usage

	// Create metrics collector
	metrics := monitoring.NewMetrics()

	// Add middleware to Gin router
	router.Use(monitoring.Middleware(metrics))

	// Record engine events
	metrics.RecordSend("unicast")
	metrics.SetConnectionsActive(5)

# Metrics Endpoint

Expose metrics via the standard Prometheus endpoint:

	import "github.com/prometheus/client_golang/prometheus/promhttp"
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
*/
package monitoring
