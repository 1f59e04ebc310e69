package search

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/opensearch-project/opensearch-go/v4"
	"github.com/opensearch-project/opensearch-go/v4/opensearchapi"
)

// Config is the configuration for the opensearch client.
type Config struct {
	// URL is the address of the opensearch cluster.
	URL string
	// Username and Password are optional basic auth credentials.
	Username string
	Password string
}

// Client talks to an opensearch cluster. It implements Indexer.
type Client struct {
	client *opensearchapi.Client
}

var _ Indexer = (*Client)(nil)

// NewClient creates a client for the configured opensearch cluster.
func NewClient(config Config) (*Client, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("opensearch URL is required")
	}
	client, err := opensearchapi.NewClient(opensearchapi.Config{
		Client: opensearch.Config{
			Addresses: []string{config.URL},
			Username:  config.Username,
			Password:  config.Password,
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   10,
				ResponseHeaderTimeout: 10 * time.Second,
				DialContext:           (&net.Dialer{Timeout: 3 * time.Second}).DialContext,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("cannot create opensearch client: %w", err)
	}
	return &Client{client: client}, nil
}

// EnsureIndex creates the index with the given mapping body if it does
// not exist yet. An already existing index is left untouched.
func (c *Client) EnsureIndex(ctx context.Context, index string, body map[string]interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.client.Indices.Create(ctx, opensearchapi.IndicesCreateReq{
		Index: index,
		Body:  bytes.NewReader(data),
	})
	if err != nil {
		if resp != nil && resp.Inspect().Response != nil &&
			resp.Inspect().Response.StatusCode == http.StatusBadRequest {
			// index exists already
			return nil
		}
		return fmt.Errorf("cannot create index %s: %w", index, err)
	}
	return nil
}

// IndexDocument creates or replaces a document.
func (c *Client) IndexDocument(ctx context.Context, index, id string, doc map[string]interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = c.client.Index(ctx, opensearchapi.IndexReq{
		Index:      index,
		DocumentID: id,
		Body:       bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("cannot index document %s/%s: %w", index, id, err)
	}
	return nil
}

// DeleteDocument removes a document. Deleting a document that does not
// exist is not an error.
func (c *Client) DeleteDocument(ctx context.Context, index, id string) error {
	resp, err := c.client.Document.Delete(ctx, opensearchapi.DocumentDeleteReq{
		Index:      index,
		DocumentID: id,
	})
	if err != nil {
		if resp != nil && resp.Inspect().Response != nil &&
			resp.Inspect().Response.StatusCode == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("cannot delete document %s/%s: %w", index, id, err)
	}
	return nil
}

// Search executes the request body and returns the window of hits
// selected by from and size.
func (c *Client) Search(ctx context.Context, index string, body map[string]interface{}, from, size int) (*Result, error) {
	request := make(map[string]interface{}, len(body)+2)
	for key, value := range body {
		request[key] = value
	}
	request["from"] = from
	request["size"] = size
	data, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Search(ctx, &opensearchapi.SearchReq{
		Indices: []string{index},
		Body:    bytes.NewReader(data),
	})
	if err != nil {
		return nil, fmt.Errorf("search on %s failed: %w", index, err)
	}
	if resp.Errors {
		return nil, fmt.Errorf("search on %s returned errors", index)
	}

	result := &Result{
		Total: int64(resp.Hits.Total.Value),
		Hits:  make([]Hit, len(resp.Hits.Hits)),
	}
	for i, hit := range resp.Hits.Hits {
		result.Hits[i] = Hit{
			ID:     hit.ID,
			Source: json.RawMessage(hit.Source),
		}
	}
	return result, nil
}
