package search

import (
	"context"
	"fmt"

	"device-trust-service/internal/client"
	"device-trust-service/internal/models"
)

var threatMapping = map[string]interface{}{
	"mappings": map[string]interface{}{
		"properties": map[string]interface{}{
			"id":          map[string]string{"type": "keyword"},
			"device_id":   map[string]string{"type": "keyword"},
			"threat_type": map[string]string{"type": "keyword"},
			"severity":    map[string]string{"type": "keyword"},
			"status":      map[string]string{"type": "keyword"},
			"description": map[string]string{"type": "text"},
			"notes":       map[string]string{"type": "text"},
			"resolved_by": map[string]string{"type": "keyword"},
			"detected_at": map[string]string{"type": "date"},
			"resolved_at": map[string]string{"type": "date"},
		},
	},
}

// ThreatIndex stores one document per threat event, keyed by threat id, so a
// resolution overwrites the detection document.
type ThreatIndex struct {
	es    *client.ESClient
	index string
}

func NewThreatIndex(ctx context.Context, es *client.ESClient, index string) (*ThreatIndex, error) {
	if err := es.EnsureIndex(ctx, index, threatMapping); err != nil {
		return nil, fmt.Errorf("failed to ensure threat index: %w", err)
	}
	return &ThreatIndex{es: es, index: index}, nil
}

func (i *ThreatIndex) IndexThreat(ctx context.Context, t *models.ThreatEvent) error {
	res, err := i.es.IndexDocument(ctx, i.index, t.ID, t)
	if err != nil {
		return err
	}
	return i.es.ParseResponse(res, nil)
}

type searchResponse struct {
	Hits struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []struct {
			Source models.ThreatEvent `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func (i *ThreatIndex) Search(ctx context.Context, q ThreatQuery) (*ThreatResult, error) {
	res, err := i.es.Search(ctx, i.index, buildQuery(q))
	if err != nil {
		return nil, err
	}
	var parsed searchResponse
	if err := i.es.ParseResponse(res, &parsed); err != nil {
		return nil, err
	}

	out := &ThreatResult{
		Total:   parsed.Hits.Total.Value,
		Threats: make([]*models.ThreatEvent, 0, len(parsed.Hits.Hits)),
	}
	for idx := range parsed.Hits.Hits {
		t := parsed.Hits.Hits[idx].Source
		out.Threats = append(out.Threats, &t)
	}
	return out, nil
}

func buildQuery(q ThreatQuery) map[string]interface{} {
	filters := make([]interface{}, 0, 3)
	term := func(field, value string) {
		if value != "" {
			filters = append(filters, map[string]interface{}{
				"term": map[string]interface{}{field: value},
			})
		}
	}
	term("device_id", q.DeviceID)
	term("severity", string(q.Severity))
	term("status", string(q.Status))

	boolQuery := map[string]interface{}{"filter": filters}
	if q.Text != "" {
		boolQuery["must"] = []interface{}{
			map[string]interface{}{
				"multi_match": map[string]interface{}{
					"query":  q.Text,
					"fields": []string{"description^2", "notes", "threat_type"},
				},
			},
		}
	}

	return map[string]interface{}{
		"size":  q.size(),
		"query": map[string]interface{}{"bool": boolQuery},
		"sort": []interface{}{
			map[string]interface{}{"detected_at": map[string]string{"order": "desc"}},
		},
	}
}
