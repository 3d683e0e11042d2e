package dnspub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lineopthq/optimizer/pkg/types"
)

const defaultRecordsPath = "/api/dns/v1/records"

// GatewayConfig holds the static configuration for a Gateway provider.
type GatewayConfig struct {
	GatewayURL string
	Token      string
}

// GatewayDependencies allow test overrides for HTTP client and logging.
type GatewayDependencies struct {
	HTTPClient  *http.Client
	Logger      *log.Logger
	RecordsPath string
}

// Gateway speaks to an HTTP JSON DNS gateway that fronts the actual
// vendor API. Canonical line names are translated to vendor codes at
// this boundary and nowhere else.
type Gateway struct {
	recordsURL string
	token      string
	httpClient *http.Client
	logger     *log.Logger
}

// NewGateway builds a gateway provider from configuration and dependencies.
func NewGateway(cfg GatewayConfig, deps GatewayDependencies) (*Gateway, error) {
	if cfg.GatewayURL == "" {
		return nil, fmt.Errorf("gateway URL is required")
	}
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	recordsPath := deps.RecordsPath
	if recordsPath == "" {
		recordsPath = defaultRecordsPath
	}
	return &Gateway{
		recordsURL: strings.TrimRight(cfg.GatewayURL, "/") + recordsPath,
		token:      cfg.Token,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

type wireRecord struct {
	ID    string `json:"id"`
	Sub   string `json:"sub_domain"`
	Value string `json:"value"`
	Type  string `json:"type"`
	Line  string `json:"line"`
	TTL   int    `json:"ttl"`
}

type listResponse struct {
	Records []wireRecord `json:"records"`
}

type createRequest struct {
	Domain string `json:"domain"`
	Sub    string `json:"sub_domain"`
	Value  string `json:"value"`
	Type   string `json:"type"`
	Line   string `json:"line"`
	TTL    int    `json:"ttl"`
}

type createResponse struct {
	ID string `json:"id"`
}

// ListRecords fetches the current records for a (domain, sub, type)
// triple. Records with unknown vendor line codes are skipped.
func (g *Gateway) ListRecords(ctx context.Context, domain, sub, recordType string) ([]Record, error) {
	query := url.Values{
		"domain":     {domain},
		"sub_domain": {sub},
		"type":       {recordType},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.recordsURL+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build list request: %w", err)
	}
	g.setHeaders(req)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("list records: status %s", resp.Status)
	}

	var payload listResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode record list: %w", err)
	}

	records := make([]Record, 0, len(payload.Records))
	for _, w := range payload.Records {
		line, ok := lineFromVendor(w.Line)
		if !ok {
			g.logger.Printf("skipping record %s with unknown line code %q", w.ID, w.Line)
			continue
		}
		records = append(records, Record{
			ID:    w.ID,
			Value: w.Value,
			Type:  w.Type,
			Line:  line,
			TTL:   w.TTL,
		})
	}
	return records, nil
}

// CreateRecord publishes one record and returns its ID.
func (g *Gateway) CreateRecord(ctx context.Context, domain, sub, value, recordType string, line types.Line, ttl int) (string, error) {
	payload, err := json.Marshal(createRequest{
		Domain: domain,
		Sub:    sub,
		Value:  value,
		Type:   recordType,
		Line:   vendorLineCode(line),
		TTL:    ttl,
	})
	if err != nil {
		return "", fmt.Errorf("marshal create request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.recordsURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build create request: %w", err)
	}
	g.setHeaders(req)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("create record: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("create record: status %s", resp.Status)
	}

	var created createResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("decode create response: %w", err)
	}
	return created.ID, nil
}

// DeleteRecord removes one record by ID.
func (g *Gateway) DeleteRecord(ctx context.Context, domain, id string) error {
	query := url.Values{"domain": {domain}}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, g.recordsURL+"/"+id+"?"+query.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build delete request: %w", err)
	}
	g.setHeaders(req)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete record %s: %w", id, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("delete record %s: status %s", id, resp.Status)
	}
	return nil
}

func (g *Gateway) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
}
