package service

import (
	"context"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

// MetricsServer exposes the default Prometheus registry on /metrics
type MetricsServer struct {
	ctx    context.Context
	server *http.Server
	ln     net.Listener
}

// Listen binds addr; Serve must be called to handle requests
func (m *MetricsServer) Listen(ctx context.Context, addr string) error {
	hdlr := http.NewServeMux()
	hdlr.Handle("/metrics", promhttp.Handler())
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
	})
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	m.server = &http.Server{
		Handler: c.Handler(hdlr),
		Addr:    addr,
	}
	m.ln = ln
	m.ctx = ctx
	return nil
}

func (m *MetricsServer) Serve() error {
	return m.server.Serve(m.ln)
}

// Addr returns the bound address
func (m *MetricsServer) Addr() net.Addr {
	if m.ln == nil {
		return nil
	}
	return m.ln.Addr()
}

func (m *MetricsServer) Shutdown() error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(m.ctx)
}
