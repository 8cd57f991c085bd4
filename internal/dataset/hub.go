package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultHubEndpoint is the public Hugging Face datasets-server API.
const DefaultHubEndpoint = "https://datasets-server.huggingface.co"

const hubPageSize = 100

// maxBlobBytes caps a single fetched payload; anything larger is almost
// certainly not a document image and would bloat the request queue.
const maxBlobBytes = 64 << 20

// HubSource streams dataset rows through the datasets-server rows API,
// one page at a time, without ever materializing a split. It implements
// both RecordSource and BlobFetcher.
type HubSource struct {
	endpoint   string
	collection string
	token      string
	httpClient *http.Client
}

// HubOptions configures a HubSource.
type HubOptions struct {
	// Endpoint overrides the datasets-server base URL; tests point it at a
	// local stub.
	Endpoint string
	// Token is an optional access token for gated collections.
	Token string
	// RequestTimeout bounds one page or blob fetch.
	RequestTimeout time.Duration
}

// NewHubSource creates a source for one collection.
func NewHubSource(collection string, opts HubOptions) *HubSource {
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = DefaultHubEndpoint
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HubSource{
		endpoint:   strings.TrimRight(endpoint, "/"),
		collection: collection,
		token:      opts.Token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type rowsPage struct {
	Rows []struct {
		RowIdx int64          `json:"row_idx"`
		Row    map[string]any `json:"row"`
	} `json:"rows"`
	NumRowsTotal int64 `json:"num_rows_total"`
}

// Rows pages through the split in order, invoking fn once per row.
func (h *HubSource) Rows(ctx context.Context, subset, split string, fn func(Row) error) error {
	var offset int64
	for {
		page, err := h.fetchPage(ctx, subset, split, offset)
		if err != nil {
			return err
		}
		if len(page.Rows) == 0 {
			return nil
		}
		for _, r := range page.Rows {
			if err := fn(Row{Index: r.RowIdx, Values: r.Row}); err != nil {
				return err
			}
		}
		offset += int64(len(page.Rows))
		if page.NumRowsTotal > 0 && offset >= page.NumRowsTotal {
			return nil
		}
	}
}

// FetchBlob downloads an indirect payload referenced by a row.
func (h *HubSource) FetchBlob(ctx context.Context, blobURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, blobURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build blob request: %w", err)
	}
	h.authorize(req)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch blob: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch blob: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBlobBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	if len(data) > maxBlobBytes {
		return nil, fmt.Errorf("blob exceeds %d bytes", maxBlobBytes)
	}
	return data, nil
}

func (h *HubSource) fetchPage(ctx context.Context, subset, split string, offset int64) (*rowsPage, error) {
	q := url.Values{}
	q.Set("dataset", h.collection)
	q.Set("config", subset)
	q.Set("split", split)
	q.Set("offset", fmt.Sprintf("%d", offset))
	q.Set("length", fmt.Sprintf("%d", hubPageSize))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.endpoint+"/rows?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build rows request: %w", err)
	}
	h.authorize(req)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch rows %s/%s offset %d: %w", subset, split, offset, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("fetch rows %s/%s offset %d: status %d: %s",
			subset, split, offset, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var page rowsPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode rows page: %w", err)
	}
	return &page, nil
}

func (h *HubSource) authorize(req *http.Request) {
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
}
