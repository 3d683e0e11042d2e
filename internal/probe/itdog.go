package probe

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lineopthq/optimizer/pkg/types"
)

const (
	guardKeySuffix = "PTNo2n3Ev5"
	taskTokenSalt  = "token_20230313000136kwyktxb0tgspm00yo5"

	batchPingPath = "/batch_ping/"
	httpCheckPath = "/http/"
)

var (
	wssURLRe = regexp.MustCompile(`var wss_url='(.*)';`)
	taskIDRe = regexp.MustCompile(`var task_id='(.*)';`)
)

// ItdogConfig holds the static configuration for the itdog transport.
type ItdogConfig struct {
	BaseURL string
	Timeout time.Duration
}

// ItdogDependencies allow test overrides for HTTP client, websocket
// dialer, clock, and logging.
type ItdogDependencies struct {
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Logger     *log.Logger
	Now        func() time.Time
}

// Itdog probes IPs through the itdog.cn measurement service. Each probe
// drives the site's task workflow: a form POST yields a websocket URL
// and task ID, the task token authenticates the stream, and results
// arrive as JSON messages until a "finished" marker.
type Itdog struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	dialer     *websocket.Dialer
	logger     *log.Logger
	now        func() time.Time
}

// NewItdog builds an itdog transport from configuration and dependencies.
func NewItdog(cfg ItdogConfig, deps ItdogDependencies) (*Itdog, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("itdog base URL is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	httpClient := deps.HTTPClient
	if httpClient == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("build cookie jar: %w", err)
		}
		httpClient = &http.Client{Jar: jar, Timeout: timeout}
	}
	if httpClient.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("build cookie jar: %w", err)
		}
		httpClient.Jar = jar
	}
	dialer := deps.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: timeout}
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Itdog{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		timeout:    timeout,
		httpClient: httpClient,
		dialer:     dialer,
		logger:     logger,
		now:        now,
	}, nil
}

// ProbePing measures ICMP-style latency of an IP from one service node.
func (t *Itdog) ProbePing(ctx context.Context, ip, nodeID string) (types.RawMeasurement, error) {
	failed := types.Unreachable(ip, "", nodeID)

	if err := t.warmup(ctx, batchPingPath); err != nil {
		return failed, err
	}

	form := url.Values{
		"host":       {ip},
		"node_id":    {nodeID},
		"check_mode": {"ping"},
	}
	task, err := t.startTask(ctx, batchPingPath, form)
	if err != nil {
		return failed, err
	}

	latency, ok, err := t.streamPingResult(ctx, task)
	if err != nil {
		return failed, err
	}
	if !ok {
		return failed, nil
	}
	return types.RawMeasurement{
		IP:        ip,
		NodeID:    nodeID,
		LatencyMs: latency,
		LossPct:   0,
		Available: true,
	}, nil
}

// ProbeHTTP measures HTTP reachability of an IP resolved through the
// origin's public DNS server.
func (t *Itdog) ProbeHTTP(ctx context.Context, ip string, origin types.Origin) (types.HTTPMeasurement, error) {
	failed := types.UnavailableHTTP(ip, origin)

	form := url.Values{
		"line":            {""},
		"host":            {ip},
		"host_s":          {ip},
		"check_mode":      {"fast"},
		"ipv4":            {""},
		"method":          {"get"},
		"referer":         {""},
		"ua":              {""},
		"cookies":         {""},
		"redirect_num":    {"5"},
		"dns_server_type": {"custom"},
		"dns_server":      {types.ResolverAddress(origin)},
	}
	task, err := t.startTask(ctx, httpCheckPath, form)
	if err != nil {
		return failed, err
	}

	ttfb, total, ok, err := t.streamHTTPResult(ctx, task)
	if err != nil {
		return failed, err
	}
	if !ok {
		return failed, nil
	}
	return types.HTTPMeasurement{
		IP:        ip,
		Origin:    origin,
		TTFBMs:    ttfb,
		TotalMs:   total,
		Available: true,
	}, nil
}

type itdogTask struct {
	wssURL string
	id     string
	token  string
}

func (t *Itdog) warmup(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build warmup request: %w", err)
	}
	t.setHeaders(req, path)
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("warmup %s: %w", path, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("warmup %s: status %s", path, resp.Status)
	}
	return nil
}

// startTask posts the probe form, solves the guard cookie challenge if
// the service presents one, and extracts the websocket task handle.
func (t *Itdog) startTask(ctx context.Context, path string, form url.Values) (itdogTask, error) {
	body, err := t.postForm(ctx, path, form)
	if err != nil {
		return itdogTask{}, err
	}

	if t.applyGuard(path) {
		body, err = t.postForm(ctx, path, form)
		if err != nil {
			return itdogTask{}, err
		}
	}

	wssMatch := wssURLRe.FindStringSubmatch(body)
	taskMatch := taskIDRe.FindStringSubmatch(body)
	if wssMatch == nil || taskMatch == nil {
		return itdogTask{}, fmt.Errorf("task handle missing from %s response", path)
	}
	taskID := taskMatch[1]
	return itdogTask{
		wssURL: wssMatch[1],
		id:     taskID,
		token:  taskToken(taskID),
	}, nil
}

func (t *Itdog) postForm(ctx context.Context, path string, form url.Values) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build task request: %w", err)
	}
	t.setHeaders(req, path)
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read %s response: %w", path, err)
	}
	return string(data), nil
}

// applyGuard derives the guardret cookie from the guard cookie the
// service set, and reports whether a retry POST is needed.
func (t *Itdog) applyGuard(path string) bool {
	base, err := url.Parse(t.baseURL + path)
	if err != nil {
		return false
	}
	for _, c := range t.httpClient.Jar.Cookies(base) {
		if c.Name == "guard" {
			t.httpClient.Jar.SetCookies(base, []*http.Cookie{{
				Name:  "guardret",
				Value: guardRet(c.Value),
				Path:  "/",
			}})
			return true
		}
	}
	return false
}

func (t *Itdog) setHeaders(req *http.Request, path string) {
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Origin", t.baseURL)
	req.Header.Set("Referer", t.baseURL+path)
	req.Header.Set("User-Agent", "Mozilla/5.0")
}

func (t *Itdog) streamPingResult(ctx context.Context, task itdogTask) (float64, bool, error) {
	conn, err := t.dial(ctx, task)
	if err != nil {
		return 0, false, err
	}
	defer conn.Close()

	for {
		msg, err := t.readMessage(conn)
		if err != nil {
			return 0, false, nil
		}
		if latency := toFloat(msg["result"]); latency > 0 {
			return latency, true, nil
		}
		if msgType, _ := msg["type"].(string); msgType == "finished" {
			return 0, false, nil
		}
		if err := ctx.Err(); err != nil {
			return 0, false, err
		}
	}
}

// streamHTTPResult keeps the best (fastest total time) success message
// seen before the stream finishes.
func (t *Itdog) streamHTTPResult(ctx context.Context, task itdogTask) (ttfb, total float64, ok bool, err error) {
	conn, err := t.dial(ctx, task)
	if err != nil {
		return 0, 0, false, err
	}
	defer conn.Close()

	bestTotal := -1.0
	bestTTFB := 0.0
	for {
		msg, err := t.readMessage(conn)
		if err != nil {
			break
		}
		msgType, _ := msg["type"].(string)
		if msgType == "finished" {
			break
		}
		if msgType == "success" && toFloat(msg["http_code"]) > 0 {
			allTime := toFloat(msg["all_time"])
			if allTime > 0 && (bestTotal < 0 || allTime < bestTotal) {
				bestTotal = allTime
				bestTTFB = toFloat(msg["connect_time"])
			}
		}
		if err := ctx.Err(); err != nil {
			return 0, 0, false, err
		}
	}
	if bestTotal < 0 {
		return 0, 0, false, nil
	}
	return bestTTFB, bestTotal, true, nil
}

func (t *Itdog) dial(ctx context.Context, task itdogTask) (*websocket.Conn, error) {
	conn, _, err := t.dialer.DialContext(ctx, task.wssURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial task stream: %w", err)
	}
	payload, err := json.Marshal(map[string]string{
		"task_id":    task.id,
		"task_token": task.token,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("marshal task handshake: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send task handshake: %w", err)
	}
	return conn, nil
}

func (t *Itdog) readMessage(conn *websocket.Conn) (map[string]any, error) {
	if err := conn.SetReadDeadline(t.now().Add(t.timeout)); err != nil {
		return nil, err
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// guardXOR applies the service's rolling XOR with the guard key suffix
// appended to the per-session key prefix.
func guardXOR(input, key string) string {
	key += guardKeySuffix
	out := make([]rune, 0, len(input))
	keyRunes := []rune(key)
	for i, r := range input {
		out = append(out, r^keyRunes[i%len(keyRunes)])
	}
	return string(out)
}

// guardRet derives the guardret cookie value from the guard cookie.
func guardRet(guard string) string {
	prefix := guard
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	num := 0
	if len(guard) > 12 {
		if parsed, err := strconv.Atoi(guard[12:]); err == nil {
			num = parsed
		}
	}
	val := num*2 + 18 - 2
	encrypted := guardXOR(strconv.Itoa(val), prefix)
	return base64.StdEncoding.EncodeToString([]byte(encrypted))
}

// taskToken derives the stream token from a task ID: salted MD5 hex
// with the first and last 8 characters stripped.
func taskToken(taskID string) string {
	sum := md5.Sum([]byte(taskID + taskTokenSalt))
	digest := hex.EncodeToString(sum[:])
	return digest[8 : len(digest)-8]
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0
		}
		return parsed
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0
		}
		return parsed
	}
	return 0
}
