package observability

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_http_requests_total",
			Help: "Total number of HTTP requests processed by the realtime service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "realtime_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	grpcClientHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grpc_client_handled_total",
			Help: "Total number of gRPC calls completed by the client.",
		},
		[]string{"grpc_service", "grpc_method", "grpc_code"},
	)
	wsActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
	)
	wsActiveRooms = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_ws_active_rooms",
			Help: "Number of conversation rooms with at least one local socket.",
		},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_ws_events_total",
			Help: "Total number of websocket lifecycle events.",
		},
		[]string{"event"},
	)
	actionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_actions_total",
			Help: "Inbound client actions by type and result code.",
		},
		[]string{"action", "result"},
	)
	deliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_delivered_total",
			Help: "Events enqueued to local sockets by event type.",
		},
		[]string{"type"},
	)
	droppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_dropped_total",
			Help: "Outbound events dropped under backpressure by class.",
		},
		[]string{"class"},
	)
	saturatedDisconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_saturated_disconnects_total",
			Help: "Sockets closed because their outbound queue stayed full.",
		},
	)
	busPublishErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_bus_publish_errors_total",
			Help: "Failed fan-out publishes by event type.",
		},
		[]string{"type"},
	)
	busPublishRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_bus_publish_retries_total",
			Help: "Background publish retries by outcome.",
		},
		[]string{"outcome"},
	)
	presenceErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_presence_errors_total",
			Help: "Presence store failures by operation.",
		},
		[]string{"op"},
	)
	reconciledMessagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_reconciled_messages_total",
			Help: "Missed messages delivered through reconciliation.",
		},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_amqp_publish_errors_total",
			Help: "Total number of AMQP lifecycle event publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		grpcClientHandledTotal,
		wsActiveConnections,
		wsActiveRooms,
		wsEventsTotal,
		actionsTotal,
		deliveredTotal,
		droppedTotal,
		saturatedDisconnects,
		busPublishErrorsTotal,
		busPublishRetriesTotal,
		presenceErrorsTotal,
		reconciledMessagesTotal,
		amqpPublishErrorsTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func GRPCClientMetricsUnaryInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		err := invoker(ctx, method, req, reply, cc, opts...)
		statusInfo := status.Convert(err)
		service, name := splitFullMethod(method)
		grpcClientHandledTotal.WithLabelValues(service, name, statusInfo.Code().String()).Inc()
		return err
	}
}

func splitFullMethod(fullMethod string) (string, string) {
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 3 {
		return "unknown", "unknown"
	}
	return parts[1], parts[2]
}

func IncWSActive() {
	wsActiveConnections.Inc()
}

func DecWSActive() {
	wsActiveConnections.Dec()
}

func SetActiveRooms(n int) {
	wsActiveRooms.Set(float64(n))
}

func IncWSEvent(event string) {
	wsEventsTotal.WithLabelValues(event).Inc()
}

func IncAction(action, result string) {
	actionsTotal.WithLabelValues(action, result).Inc()
}

func IncDelivered(eventType string) {
	deliveredTotal.WithLabelValues(eventType).Inc()
}

func IncDropped(class string) {
	droppedTotal.WithLabelValues(class).Inc()
}

func IncSaturatedDisconnect() {
	saturatedDisconnects.Inc()
}

func IncBusPublishError(eventType string) {
	busPublishErrorsTotal.WithLabelValues(eventType).Inc()
}

func IncBusPublishRetry(outcome string) {
	busPublishRetriesTotal.WithLabelValues(outcome).Inc()
}

func IncPresenceError(op string) {
	presenceErrorsTotal.WithLabelValues(op).Inc()
}

func AddReconciled(n int) {
	reconciledMessagesTotal.Add(float64(n))
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}
