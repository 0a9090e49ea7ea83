package vectorstore

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/qdrant/go-client/qdrant"

	"memtier/internal/memory"
)

// Index wraps the qdrant collection holding memory embeddings.
type Index struct {
	client     *qdrant.Client
	collection string
	dimensions uint64
}

// New connects to qdrant and ensures the collection exists.
func New(qdrantURL, collection, apiKey string, dimensions int) (*Index, error) {
	qdrantURL = strings.TrimPrefix(qdrantURL, "http://")
	qdrantURL = strings.TrimPrefix(qdrantURL, "https://")

	host := qdrantURL
	if idx := strings.Index(qdrantURL, ":"); idx != -1 {
		host = qdrantURL[:idx]
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   6334, // gRPC port
		APIKey: apiKey,
		UseTLS: false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	if dimensions <= 0 {
		dimensions = 384
	}
	ix := &Index{
		client:     client,
		collection: collection,
		dimensions: uint64(dimensions),
	}
	if err := ix.ensureCollection(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ensure collection: %w", err)
	}
	return ix, nil
}

func (ix *Index) ensureCollection(ctx context.Context) error {
	exists, err := ix.client.CollectionExists(ctx, ix.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = ix.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: ix.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     ix.dimensions,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	// Payload indexes for the filters used on every search.
	indexes := []struct {
		field string
		typ   qdrant.PayloadSchemaType
	}{
		{"user_id", qdrant.PayloadSchemaType_Keyword},
		{"tier", qdrant.PayloadSchemaType_Keyword},
		{"status", qdrant.PayloadSchemaType_Keyword},
		{"importance", qdrant.PayloadSchemaType_Float},
		{"created_at", qdrant.PayloadSchemaType_Integer},
	}
	for _, idx := range indexes {
		fieldType := qdrant.FieldType(idx.typ)
		_, err = ix.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: ix.collection,
			FieldName:      idx.field,
			FieldType:      &fieldType,
			Wait:           qdrant.PtrOf(true),
		})
		if err != nil {
			return fmt.Errorf("failed to create index for %s: %w", idx.field, err)
		}
	}
	return nil
}

// Upsert writes an item's embedding and the filterable payload fields.
func (ix *Index) Upsert(ctx context.Context, item *memory.Item, embedding []float32) error {
	payload := map[string]*qdrant.Value{
		"memory_id":  qdrant.NewValueString(item.ID),
		"user_id":    qdrant.NewValueString(item.UserID),
		"tier":       qdrant.NewValueString(string(item.Tier)),
		"status":     qdrant.NewValueString(string(item.Status)),
		"importance": qdrant.NewValueDouble(item.Importance),
		"created_at": qdrant.NewValueInt(item.CreatedAt.Unix()),
	}
	point := &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(item.ID),
		Vectors: qdrant.NewVectors(embedding...),
		Payload: payload,
	}
	_, err := ix.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: ix.collection,
		Points:         []*qdrant.PointStruct{point},
	})
	if err != nil {
		return fmt.Errorf("failed to upsert point: %w", err)
	}
	return nil
}

// SetStatus updates the status payload field so ghosted/archived items
// drop out of candidate generation without losing their vectors.
func (ix *Index) SetStatus(ctx context.Context, id string, status memory.Status) error {
	_, err := ix.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
		CollectionName: ix.collection,
		Payload: map[string]*qdrant.Value{
			"status": qdrant.NewValueString(string(status)),
		},
		PointsSelector: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: []*qdrant.PointId{qdrant.NewIDUUID(id)},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to set status payload: %w", err)
	}
	return nil
}

// Delete removes points for hard-deleted items.
func (ix *Index) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewIDUUID(id)
	}
	_, err := ix.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: ix.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete points: %w", err)
	}
	return nil
}

// Search returns distance-ranked active candidates for one user and tier.
// Distances are lower-is-closer; conversion to similarity happens in the
// quality enforcer, not here.
func (ix *Index) Search(ctx context.Context, userID string, tier memory.Tier, embedding []float32, limit int) ([]memory.VectorHit, error) {
	if limit <= 0 {
		limit = 20
	}
	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewMatch("user_id", userID),
			qdrant.NewMatch("tier", string(tier)),
			qdrant.NewMatch("status", string(memory.StatusActive)),
		},
	}
	result, err := ix.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: ix.collection,
		Query:          qdrant.NewQuery(embedding...),
		Filter:         filter,
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	hits := make([]memory.VectorHit, 0, len(result))
	for _, point := range result {
		id := payloadString(point.Payload, "memory_id")
		if id == "" {
			log.Printf("[VectorStore] Point missing memory_id payload, skipping")
			continue
		}
		// Cosine scores are similarities; the candidate contract is a
		// distance, lower = closer.
		hits = append(hits, memory.VectorHit{ID: id, Distance: 1 - float64(point.Score)})
	}
	return hits, nil
}

func payloadString(payload map[string]*qdrant.Value, key string) string {
	if val, ok := payload[key]; ok {
		return val.GetStringValue()
	}
	return ""
}
