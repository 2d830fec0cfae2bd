package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// QdrantStore is a Store backed by a Qdrant collection with cosine
// distance, shared across processes.
type QdrantStore struct {
	conn        *grpc.ClientConn
	collections pb.CollectionsClient
	points      pb.PointsClient
	collection  string
	threshold   float64
	logger      *zap.Logger
}

// QdrantConfig holds connection settings for a Qdrant instance.
type QdrantConfig struct {
	Host       string
	Port       int
	Collection string
	Dimension  uint64
	Threshold  float64
}

// NewQdrantStore dials the Qdrant gRPC endpoint and ensures the cache
// collection exists.
func NewQdrantStore(ctx context.Context, cfg QdrantConfig, logger *zap.Logger) (*QdrantStore, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect %s: %w", addr, err)
	}
	s := &QdrantStore{
		conn:        conn,
		collections: pb.NewCollectionsClient(conn),
		points:      pb.NewPointsClient(conn),
		collection:  cfg.Collection,
		threshold:   cfg.Threshold,
		logger:      logger,
	}
	if err := s.ensureCollection(ctx, cfg.Dimension); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context, dimension uint64) error {
	_, err := s.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: s.collection})
	if err == nil {
		return nil
	}
	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     dimension,
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", s.collection, err)
	}
	return nil
}

// pointID derives a stable point UUID from a fingerprint, so re-storing
// the same fingerprint overwrites rather than duplicates.
func pointID(fingerprint string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fingerprint)).String()
}

// Lookup searches the nearest stored embedding; a hit increments the
// entry's hit counter in the point payload.
func (s *QdrantStore) Lookup(ctx context.Context, fingerprint string, emb []float32) (*Entry, bool, error) {
	resp, err := s.points.Search(ctx, &pb.SearchPoints{
		CollectionName: s.collection,
		Vector:         emb,
		Limit:          1,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, false, fmt.Errorf("cache search: %w", err)
	}
	if len(resp.Result) == 0 {
		return nil, false, nil
	}

	hit := resp.Result[0]
	if float64(hit.Score) < s.threshold {
		return nil, false, nil
	}

	entry := &Entry{Fingerprint: fingerprint}
	var createdAt string
	for k, v := range hit.Payload {
		switch k {
		case "fingerprint":
			entry.Fingerprint = v.GetStringValue()
		case "response":
			entry.Response = v.GetStringValue()
		case "created_at":
			createdAt = v.GetStringValue()
		case "hit_count":
			entry.HitCount = v.GetIntegerValue()
		}
	}
	if t, parseErr := time.Parse(time.RFC3339, createdAt); parseErr == nil {
		entry.CreatedAt = t
	}

	entry.HitCount++
	if err := s.setHitCount(ctx, hit.Id, entry.HitCount); err != nil {
		// The response is still valid; only the counter update failed.
		s.logger.Warn("cache hit_count update failed", zap.Error(err))
	}

	s.logger.Debug("cache hit",
		zap.Float64("similarity", float64(hit.Score)),
		zap.Int64("hits", entry.HitCount))
	return entry, true, nil
}

func (s *QdrantStore) setHitCount(ctx context.Context, id *pb.PointId, count int64) error {
	_, err := s.points.SetPayload(ctx, &pb.SetPayloadPoints{
		CollectionName: s.collection,
		Payload: map[string]*pb.Value{
			"hit_count": {Kind: &pb.Value_IntegerValue{IntegerValue: count}},
		},
		PointsSelector: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{Ids: []*pb.PointId{id}},
			},
		},
	})
	return err
}

// Put upserts a query/response pair keyed by fingerprint.
func (s *QdrantStore) Put(ctx context.Context, fingerprint string, emb []float32, response string) error {
	_, err := s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.collection,
		Points: []*pb.PointStruct{
			{
				Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: pointID(fingerprint)}},
				Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: emb}}},
				Payload: map[string]*pb.Value{
					"fingerprint": {Kind: &pb.Value_StringValue{StringValue: fingerprint}},
					"response":    {Kind: &pb.Value_StringValue{StringValue: response}},
					"created_at":  {Kind: &pb.Value_StringValue{StringValue: time.Now().UTC().Format(time.RFC3339)}},
					"hit_count":   {Kind: &pb.Value_IntegerValue{IntegerValue: 0}},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("cache upsert %s: %w", fingerprint[:12], err)
	}
	return nil
}

// Close tears down the underlying gRPC connection.
func (s *QdrantStore) Close() error {
	return s.conn.Close()
}

var _ Store = (*QdrantStore)(nil)
