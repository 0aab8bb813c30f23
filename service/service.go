package service

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/ethereum-optimism/infra/op-testhost/metrics"
	"github.com/ethereum/go-ethereum/log"
)

const (
	HealthzHost = "0.0.0.0"
	HealthzPort = "8080"

	MetricsHost = "0.0.0.0"
	MetricsPort = "7300"
)

// Config selects the listen addresses of the service endpoints
type Config struct {
	HealthzAddr string
	MetricsAddr string
}

// DefaultConfig returns the default listen addresses
func DefaultConfig() Config {
	return Config{
		HealthzAddr: net.JoinHostPort(HealthzHost, HealthzPort),
		MetricsAddr: net.JoinHostPort(MetricsHost, MetricsPort),
	}
}

// MetricsAddr joins a host and port as configured by the metrics flags
func MetricsAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

type Service struct {
	Healthz *HealthzServer
	Metrics *MetricsServer

	cfg Config
	log log.Logger
	wg  sync.WaitGroup
}

func New(logger log.Logger, cfg Config) *Service {
	if logger == nil {
		logger = log.New()
	}
	logger = logger.New("component", "service")
	s := &Service{
		Healthz: &HealthzServer{log: logger},
		Metrics: &MetricsServer{},
		cfg:     cfg,
		log:     logger,
	}
	return s
}

func (s *Service) Start(ctx context.Context) {
	s.log.Info("service starting")

	if s.cfg.HealthzAddr != "" {
		addr := s.cfg.HealthzAddr
		s.log.Info("starting healthz server", "addr", addr)
		if err := s.Healthz.Listen(ctx, addr); err != nil {
			s.log.Error("error starting healthz server", "err", err)
			metrics.RecordErrorDetails("error starting healthz server", err)
		} else {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				if err := s.Healthz.Serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					s.log.Error("healthz server failed", "err", err)
					metrics.RecordErrorDetails("healthz server failed", err)
				}
			}()
		}
	}

	if s.cfg.MetricsAddr != "" {
		addr := s.cfg.MetricsAddr
		s.log.Info("starting metrics server", "addr", addr)
		if err := s.Metrics.Listen(ctx, addr); err != nil {
			s.log.Error("error starting metrics server", "err", err)
			metrics.RecordErrorDetails("error starting metrics server", err)
		} else {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				if err := s.Metrics.Serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					s.log.Error("metrics server failed", "err", err)
					metrics.RecordErrorDetails("metrics server failed", err)
				}
			}()
		}
	}

	s.log.Info("service started")
}

func (s *Service) Shutdown() {
	s.log.Info("service shutting down")

	_ = s.Healthz.Shutdown()
	s.log.Info("healthz stopped")

	_ = s.Metrics.Shutdown()
	s.log.Info("metrics stopped")

	s.wg.Wait()
	s.log.Info("service stopped")
}
