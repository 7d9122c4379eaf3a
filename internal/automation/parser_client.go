package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vendra/field-sales/erp-orchestrator/internal/models"
)

// ParserClient is the ExportParser backed by the document parser service. The
// ERP's exports are PDF documents; turning them into structured records is a
// separate service with its own release cycle, reached over HTTP.
type ParserClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewParserClient creates a client for the parser service at baseURL.
func NewParserClient(baseURL string) *ParserClient {
	return &ParserClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// parseResponse is the parser service's response format.
type parseResponse struct {
	Records []struct {
		Key    string                 `json:"key"`
		Hash   string                 `json:"hash"`
		Fields map[string]interface{} `json:"fields"`
	} `json:"records"`
	Declared int  `json:"declared"`
	Complete bool `json:"complete"`
}

// Parse implements ExportParser by posting the raw export document to the
// parser service. A document the service flags as truncated comes back as an
// IncompleteExportError so the sync executor can abort before deleting.
func (c *ParserClient) Parse(syncType models.SyncType, data []byte) ([]models.Record, int, error) {
	return c.ParseContext(context.Background(), syncType, data)
}

// ParseContext is Parse with an explicit context.
func (c *ParserClient) ParseContext(ctx context.Context, syncType models.SyncType, data []byte) ([]models.Record, int, error) {
	url := fmt.Sprintf("%s/parse/%s", c.baseURL, syncType)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(data))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create parse request: %w", err)
	}
	req.Header.Set("Content-Type", "application/pdf")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, &NetworkError{Op: "parse " + string(syncType), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, 0, fmt.Errorf("parser returned status %d (failed to read body: %w)", resp.StatusCode, readErr)
		}
		if resp.StatusCode >= 500 {
			return nil, 0, &NetworkError{Op: "parse " + string(syncType),
				Err: fmt.Errorf("parser returned status %d: %s", resp.StatusCode, string(bodyBytes))}
		}
		return nil, 0, &ValidationError{Reason: fmt.Sprintf("parser returned status %d: %s", resp.StatusCode, string(bodyBytes))}
	}

	var parsed parseResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, 0, fmt.Errorf("failed to decode parser response: %w", err)
	}

	if !parsed.Complete {
		return nil, 0, &IncompleteExportError{Got: len(parsed.Records), Expected: parsed.Declared}
	}

	records := make([]models.Record, 0, len(parsed.Records))
	kind := string(syncType)
	for _, r := range parsed.Records {
		records = append(records, models.Record{
			Kind:   kind,
			Key:    r.Key,
			Hash:   r.Hash,
			Fields: r.Fields,
		})
	}
	return records, parsed.Declared, nil
}
