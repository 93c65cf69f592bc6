// Package archive persists normalized events and flushed aggregates in
// OpenSearch for retrospective search. Archiving is best-effort: a write
// failure never blocks routing.
package archive

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"

	"github.com/opsrelay-systems/opsrelay/internal/logging"
	"github.com/opsrelay-systems/opsrelay/internal/models"
)

// Archiver stores processed records.
type Archiver interface {
	IndexEvent(ctx context.Context, event *models.Event) error
	IndexAggregate(ctx context.Context, agg *models.AggregateNotification) error
}

// Noop discards everything. Used when no archive backend is configured.
type Noop struct{}

func (Noop) IndexEvent(context.Context, *models.Event) error                     { return nil }
func (Noop) IndexAggregate(context.Context, *models.AggregateNotification) error { return nil }

// Config holds OpenSearch connection and index settings.
type Config struct {
	URL           string
	Username      string
	Password      string
	TLSSkipVerify bool
	EventIndex    string
	ShardCount    int
	ReplicaCount  int
}

// DefaultConfig returns development defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "https://localhost:9200",
		Username:      "admin",
		Password:      "admin",
		TLSSkipVerify: true,
		EventIndex:    "opsrelay-events",
		ShardCount:    1,
		ReplicaCount:  0,
	}
}

// Client archives records into OpenSearch indices.
type Client struct {
	osClient *opensearch.Client
	config   Config
	logger   *logging.Logger
}

// NewClient creates an OpenSearch-backed archiver.
func NewClient(cfg Config, logger *logging.Logger) (*Client, error) {
	if logger == nil {
		logger = logging.Default()
	}

	osCfg := opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.TLSSkipVerify},
		},
	}

	client, err := opensearch.NewClient(osCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	return &Client{
		osClient: client,
		config:   cfg,
		logger:   logger.WithComponent("archive"),
	}, nil
}

// Initialize verifies connectivity and installs the index template.
func (c *Client) Initialize(ctx context.Context) error {
	info, err := c.osClient.Info()
	if err != nil {
		return fmt.Errorf("failed to connect to opensearch: %w", err)
	}
	defer info.Body.Close()
	if info.IsError() {
		return fmt.Errorf("opensearch returned error: %s", info.Status())
	}

	if err := c.createIndexTemplate(ctx); err != nil {
		return fmt.Errorf("failed to create index template: %w", err)
	}

	c.logger.Info("archive initialized", "event_index", c.config.EventIndex)
	return nil
}

// aggregateIndex derives the aggregate index name from the event index.
func (c *Client) aggregateIndex() string {
	return c.config.EventIndex + "-aggregates"
}

// IndexEvent stores a normalized event keyed by its event ID, so replays
// overwrite rather than duplicate.
func (c *Client) IndexEvent(ctx context.Context, event *models.Event) error {
	return c.index(ctx, c.config.EventIndex, event.EventID, event)
}

// IndexAggregate stores a flushed correlation group.
func (c *Client) IndexAggregate(ctx context.Context, agg *models.AggregateNotification) error {
	docID := fmt.Sprintf("%s-%d", agg.GroupKey, agg.WindowStart.UnixNano())
	return c.index(ctx, c.aggregateIndex(), docID, agg)
}

func (c *Client) index(ctx context.Context, indexName, docID string, doc interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	res, err := c.osClient.Index(
		indexName,
		bytes.NewReader(data),
		c.osClient.Index.WithDocumentID(docID),
		c.osClient.Index.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("index document: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return fmt.Errorf("index document: %s - %s", res.Status(), string(body))
	}
	return nil
}

func (c *Client) createIndexTemplate(ctx context.Context) error {
	template := map[string]interface{}{
		"index_patterns": []string{c.config.EventIndex + "*"},
		"template": map[string]interface{}{
			"settings": map[string]interface{}{
				"number_of_shards":   c.config.ShardCount,
				"number_of_replicas": c.config.ReplicaCount,
				"codec":              "best_compression",
			},
			"mappings": eventMappings(),
		},
		"priority": 100,
	}

	body, err := json.Marshal(template)
	if err != nil {
		return err
	}

	res, err := c.osClient.Indices.PutIndexTemplate(
		c.config.EventIndex+"-template",
		bytes.NewReader(body),
		c.osClient.Indices.PutIndexTemplate.WithContext(ctx),
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		return fmt.Errorf("put index template: %s - %s", res.Status(), string(bodyBytes))
	}
	return nil
}

func eventMappings() map[string]interface{} {
	return map[string]interface{}{
		"dynamic": true,
		"dynamic_templates": []map[string]interface{}{
			{
				"strings_as_keywords": map[string]interface{}{
					"match_mapping_type": "string",
					"mapping": map[string]interface{}{
						"type": "text",
						"fields": map[string]interface{}{
							"keyword": map[string]interface{}{
								"type":         "keyword",
								"ignore_above": 256,
							},
						},
					},
				},
			},
		},
		"properties": map[string]interface{}{
			"event_id":   map[string]interface{}{"type": "keyword"},
			"event_type": map[string]interface{}{"type": "keyword"},
			"severity":   map[string]interface{}{"type": "keyword"},
			"source":     map[string]interface{}{"type": "keyword"},
			"timestamp":  map[string]interface{}{"type": "date"},
			"title":      map[string]interface{}{"type": "text"},
			"description": map[string]interface{}{
				"type":  "text",
				"index": false,
			},
			"metadata": map[string]interface{}{"type": "object"},
			// Aggregate fields share the template.
			"group_key":        map[string]interface{}{"type": "keyword"},
			"member_count":     map[string]interface{}{"type": "integer"},
			"max_severity":     map[string]interface{}{"type": "keyword"},
			"window_start":     map[string]interface{}{"type": "date"},
			"window_end":       map[string]interface{}{"type": "date"},
			"member_event_ids": map[string]interface{}{"type": "keyword"},
		},
	}
}

// Ping reports backend reachability for health checks.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	res, err := c.osClient.Ping(c.osClient.Ping.WithContext(ctx))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("opensearch ping: %s", res.Status())
	}
	return nil
}
