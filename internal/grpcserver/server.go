// Package grpcserver exposes the sync worker over the standard gRPC health protocol.
package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/internal/syncworker"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	// ServiceName is the health service name reported alongside the overall status.
	ServiceName = "creditledger.SyncWorker"

	defaultProbeInterval = 15 * time.Second
	defaultProbeTimeout  = 3 * time.Second
)

// Prober reports the worker's dependency health.
type Prober interface {
	HealthCheck(ctx context.Context) syncworker.Health
}

// HealthReporter keeps a grpc health server in step with the worker.
type HealthReporter struct {
	server   *health.Server
	prober   Prober
	interval time.Duration
	logger   *zap.Logger
	last     healthpb.HealthCheckResponse_ServingStatus
}

// NewHealthReporter starts in NOT_SERVING until the first probe succeeds.
func NewHealthReporter(prober Prober, interval time.Duration, logger *zap.Logger) (*HealthReporter, error) {
	if prober == nil {
		return nil, errors.New("grpcserver: prober is nil")
	}
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	reporter := &HealthReporter{
		server:   health.NewServer(),
		prober:   prober,
		interval: interval,
		logger:   logger,
		last:     healthpb.HealthCheckResponse_UNKNOWN,
	}
	reporter.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return reporter, nil
}

// HealthServer returns the underlying health service implementation.
func (reporter *HealthReporter) HealthServer() healthpb.HealthServer {
	return reporter.server
}

// Refresh probes the worker once and publishes the result.
func (reporter *HealthReporter) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	probeCtx, cancel := context.WithTimeout(ctx, defaultProbeTimeout)
	defer cancel()
	result := reporter.prober.HealthCheck(probeCtx)
	status := healthpb.HealthCheckResponse_SERVING
	if !result.CacheReachable {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	if status != reporter.last {
		reporter.logger.Info("health status changed",
			zap.String("status", status.String()),
			zap.Int64("dirty_count", result.DirtyCount),
			zap.String("cache_error", result.CacheError),
		)
	}
	reporter.set(status)
	return status
}

// Run refreshes on every interval until ctx is done, then reports NOT_SERVING.
func (reporter *HealthReporter) Run(ctx context.Context) {
	ticker := time.NewTicker(reporter.interval)
	defer ticker.Stop()
	reporter.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			reporter.server.Shutdown()
			return
		case <-ticker.C:
			reporter.Refresh(ctx)
		}
	}
}

func (reporter *HealthReporter) set(status healthpb.HealthCheckResponse_ServingStatus) {
	reporter.last = status
	reporter.server.SetServingStatus("", status)
	reporter.server.SetServingStatus(ServiceName, status)
}

// Serve runs a gRPC server with the health service until ctx is cancelled.
func Serve(ctx context.Context, listenAddr string, reporter *HealthReporter, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, reporter.HealthServer())

	reporterCtx, stopReporter := context.WithCancel(ctx)
	defer stopReporter()
	go reporter.Run(reporterCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC health server starting", zap.String("listen_addr", listenAddr))
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		grpcServer.GracefulStop()
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	}
}
