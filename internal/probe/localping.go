package probe

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptrace"
	"time"

	"github.com/go-ping/ping"

	"github.com/lineopthq/optimizer/pkg/types"
)

// LocalPingConfig holds the static configuration for the local
// transport.
type LocalPingConfig struct {
	Count      int
	Timeout    time.Duration
	Privileged bool
}

// LocalPingDependencies allow test overrides for the HTTP client and
// logging.
type LocalPingDependencies struct {
	HTTPClient *http.Client
	Logger     *log.Logger
}

// LocalPing measures IPs from the local vantage point with ICMP and a
// timed HTTP GET. It ignores the node ID and line semantics of the
// remote service: every probe observes from where the process runs.
// Useful when the measurement service is unreachable; per-ISP results
// are only as meaningful as the local network's routing.
type LocalPing struct {
	count      int
	timeout    time.Duration
	privileged bool
	httpClient *http.Client
	logger     *log.Logger
}

// NewLocalPing builds the local fallback transport.
func NewLocalPing(cfg LocalPingConfig, deps LocalPingDependencies) *LocalPing {
	count := cfg.Count
	if count <= 0 {
		count = 4
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &LocalPing{
		count:      count,
		timeout:    timeout,
		privileged: cfg.Privileged,
		httpClient: httpClient,
		logger:     logger,
	}
}

// ProbePing sends a short ICMP burst and reports average RTT and loss.
func (t *LocalPing) ProbePing(ctx context.Context, ip, nodeID string) (types.RawMeasurement, error) {
	failed := types.Unreachable(ip, "", nodeID)

	pinger, err := ping.NewPinger(ip)
	if err != nil {
		return failed, fmt.Errorf("build pinger for %s: %w", ip, err)
	}
	pinger.Count = t.count
	pinger.Timeout = t.timeout
	pinger.SetPrivileged(t.privileged)

	done := make(chan error, 1)
	go func() { done <- pinger.Run() }()
	select {
	case <-ctx.Done():
		pinger.Stop()
		<-done
		return failed, ctx.Err()
	case err := <-done:
		if err != nil {
			return failed, fmt.Errorf("ping %s: %w", ip, err)
		}
	}

	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return failed, nil
	}
	return types.RawMeasurement{
		IP:        ip,
		NodeID:    nodeID,
		LatencyMs: float64(stats.AvgRtt) / float64(time.Millisecond),
		LossPct:   stats.PacketLoss,
		Available: true,
	}, nil
}

// ProbeHTTP times a plain GET against the IP. The origin only labels
// the result; local probing has no resolver choice to make.
func (t *LocalPing) ProbeHTTP(ctx context.Context, ip string, origin types.Origin) (types.HTTPMeasurement, error) {
	failed := types.UnavailableHTTP(ip, origin)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+ip+"/", nil)
	if err != nil {
		return failed, fmt.Errorf("build http probe for %s: %w", ip, err)
	}

	var start time.Time
	var firstByte time.Duration
	trace := &httptrace.ClientTrace{
		GotFirstResponseByte: func() {
			firstByte = time.Since(start)
		},
	}
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), trace))

	start = time.Now()
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return failed, fmt.Errorf("http probe %s: %w", ip, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	total := time.Since(start)

	if resp.StatusCode <= 0 {
		return failed, nil
	}
	return types.HTTPMeasurement{
		IP:        ip,
		Origin:    origin,
		TTFBMs:    float64(firstByte) / float64(time.Millisecond),
		TotalMs:   float64(total) / float64(time.Millisecond),
		Available: true,
	}, nil
}
