package trace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// IngestPath is appended to the exporter base URL.
const IngestPath = "/api/thread/traces/ingest"

// HTTPExporterOptions configure an HTTPExporter.
type HTTPExporterOptions struct {
	ProjectID string
	Token     string
	Client    *http.Client
}

// HTTPExporter posts record batches as JSON {projectId, events} to an
// ingestion endpoint.
type HTTPExporter struct {
	endpoint string
	opts     HTTPExporterOptions
}

var _ Exporter = (*HTTPExporter)(nil)

// NewHTTPExporter creates an exporter for baseURL.
func NewHTTPExporter(baseURL string, optFns ...func(o *HTTPExporterOptions)) *HTTPExporter {
	opts := HTTPExporterOptions{Client: &http.Client{Timeout: 10 * time.Second}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &HTTPExporter{endpoint: strings.TrimRight(baseURL, "/") + IngestPath, opts: opts}
}

type ingestRequest struct {
	ProjectID string   `json:"projectId,omitempty"`
	Events    []Record `json:"events"`
}

// Export implements Exporter.
func (e *HTTPExporter) Export(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	body, err := json.Marshal(ingestRequest{ProjectID: e.opts.ProjectID, Events: records})
	if err != nil {
		return fmt.Errorf("encode trace batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+e.opts.Token)
	}
	resp, err := e.opts.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post trace batch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("trace ingest failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
