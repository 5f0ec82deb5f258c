package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PoolChannelCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "molerat_pool_channel_created_total",
		Help: "The total number of data channels created by the pool",
	}, []string{"kind"})

	PoolChannelAcquired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "molerat_pool_channel_acquired_total",
		Help: "The total number of data channels handed out by the pool",
	}, []string{"kind"})

	PoolChannelReturned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "molerat_pool_channel_returned_total",
		Help: "The total number of data channels returned to the pool",
	}, []string{"kind"})

	PoolChannelExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "molerat_pool_channel_expired_total",
		Help: "The total number of data channels evicted or discarded by the pool",
	}, []string{"kind"})

	PoolChannelIdle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "molerat_pool_channel_idle",
		Help: "The current number of idle pooled data channels",
	}, []string{"kind"})

	DataChannelSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "molerat_data_channel_sessions_total",
		Help: "The total number of data channel sessions dispatched",
	}, []string{"service", "protocol"})

	UDPSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "molerat_udp_sessions",
		Help: "The current number of live UDP forwarder sessions",
	})

	ControlChannelReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "molerat_control_channel_reconnects_total",
		Help: "The total number of control channel reconnection attempts",
	}, []string{"service"})
)
