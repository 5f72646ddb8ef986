package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/xela07ax/botfleet/internal/domain"
)

type CheckKind string

const (
	CheckHealth CheckKind = "health" // основной health-эндпоинт бота
	CheckMesh   CheckKind = "mesh"   // эндпоинт меш-сети
)

type ProbeResult struct {
	StatusCode int `json:"status_code"`
}

// OK — проверка считается пройденной только при 200.
func (r ProbeResult) OK() bool { return r.StatusCode == http.StatusOK }

type Probe interface {
	Probe(ctx context.Context, address string, kind CheckKind, timeout time.Duration) (ProbeResult, error)
}

// HTTPProbe делает GET http://address:port/health.
type HTTPProbe struct {
	client *http.Client
	ports  map[CheckKind]int
}

func NewHTTPProbe(healthPort, meshPort int) *HTTPProbe {
	return &HTTPProbe{
		client: &http.Client{
			// Таймаут задаётся контекстом каждого вызова
			Transport: &http.Transport{
				DisableKeepAlives:   true,
				MaxIdleConnsPerHost: 1,
			},
		},
		ports: map[CheckKind]int{CheckHealth: healthPort, CheckMesh: meshPort},
	}
}

func (p *HTTPProbe) Probe(ctx context.Context, address string, kind CheckKind, timeout time.Duration) (ProbeResult, error) {
	port, ok := p.ports[kind]
	if !ok {
		return ProbeResult{}, &domain.ProbeError{Kind: string(kind), Err: errors.New("unknown check kind")}
	}

	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	url := "http://" + net.JoinHostPort(address, strconv.Itoa(port)) + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ProbeResult{}, &domain.ProbeError{Kind: string(kind), Err: err}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return ProbeResult{}, probeErr(ctx, kind, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return ProbeResult{StatusCode: resp.StatusCode}, nil
}

// GRPCProbe опрашивает стандартный grpc.health.v1 сервис меш-агента.
// SERVING -> 200, любой другой статус -> 503.
type GRPCProbe struct {
	port    int
	service string
}

func NewGRPCProbe(port int, service string) *GRPCProbe {
	return &GRPCProbe{port: port, service: service}
}

func (p *GRPCProbe) Probe(ctx context.Context, address string, kind CheckKind, timeout time.Duration) (ProbeResult, error) {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	conn, err := grpc.NewClient(net.JoinHostPort(address, strconv.Itoa(p.port)),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return ProbeResult{}, &domain.ProbeError{Kind: string(kind), Err: err}
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: p.service})
	if err != nil {
		return ProbeResult{}, probeErr(ctx, kind, err)
	}
	if resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
		return ProbeResult{StatusCode: http.StatusOK}, nil
	}
	return ProbeResult{StatusCode: http.StatusServiceUnavailable}, nil
}

// Router выбирает транспорт по виду проверки.
type Router struct {
	fallback Probe
	routes   map[CheckKind]Probe
}

func NewRouter(fallback Probe) *Router {
	return &Router{fallback: fallback, routes: make(map[CheckKind]Probe)}
}

func (r *Router) Route(kind CheckKind, p Probe) *Router {
	r.routes[kind] = p
	return r
}

func (r *Router) Probe(ctx context.Context, address string, kind CheckKind, timeout time.Duration) (ProbeResult, error) {
	if p, ok := r.routes[kind]; ok {
		return p.Probe(ctx, address, kind, timeout)
	}
	return r.fallback.Probe(ctx, address, kind, timeout)
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func probeErr(ctx context.Context, kind CheckKind, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s check: %w", kind, domain.ErrProbeTimeout)
	}
	return &domain.ProbeError{Kind: string(kind), Err: err}
}
