package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// WeaviateRetriever runs a nearText query against a Weaviate class with
// `content` and `source` properties.
type WeaviateRetriever struct {
	client *weaviate.Client
	class  string
}

func NewWeaviateRetriever(rawURL, class string) (*WeaviateRetriever, error) {
	cfg := weaviate.Config{Host: rawURL, Scheme: "http"}
	switch {
	case strings.HasPrefix(rawURL, "https://"):
		cfg.Scheme = "https"
		cfg.Host = strings.TrimPrefix(rawURL, "https://")
	case strings.HasPrefix(rawURL, "http://"):
		cfg.Host = strings.TrimPrefix(rawURL, "http://")
	}
	cfg.Host = strings.TrimSuffix(cfg.Host, "/")

	client, err := weaviate.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	return &WeaviateRetriever{client: client, class: class}, nil
}

func (r *WeaviateRetriever) Retrieve(ctx context.Context, query string, k int) ([]Passage, error) {
	if k <= 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}

	nearText := r.client.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{query})

	fields := []graphql.Field{
		{Name: "content"},
		{Name: "source"},
		{Name: "_additional { certainty distance }"},
	}

	result, err := r.client.GraphQL().Get().
		WithClassName(r.class).
		WithFields(fields...).
		WithNearText(nearText).
		WithLimit(k).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", r.class, err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("query error: %s", result.Errors[0].Message)
	}

	return parsePassages(result, r.class), nil
}

func parsePassages(result *models.GraphQLResponse, class string) []Passage {
	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	objects, ok := data[class].([]interface{})
	if !ok {
		return nil
	}

	passages := make([]Passage, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}
		content, _ := m["content"].(string)
		if strings.TrimSpace(content) == "" {
			continue
		}
		meta := map[string]any{}
		if source, ok := m["source"].(string); ok && source != "" {
			meta["source"] = source
		}
		if extra, ok := m["_additional"].(map[string]interface{}); ok {
			if c, ok := extra["certainty"].(float64); ok {
				meta["certainty"] = c
			}
			if d, ok := extra["distance"].(float64); ok {
				meta["distance"] = d
			}
		}
		passages = append(passages, Passage{Text: content, Metadata: meta})
	}
	return passages
}
