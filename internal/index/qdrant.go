package index

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var qdrantTracer = otel.Tracer("gatewayd.index.qdrant")

// pointNamespace derives stable point UUIDs from chunk and document IDs.
var pointNamespace = uuid.MustParse("6f1c6c3e-6a55-4b43-9b8e-3c9a1b2f7d10")

const (
	payloadChunkID = "chunk_id"
	payloadText    = "text"
	payloadACL     = "acl"
)

// QdrantConfig holds Qdrant gRPC connection settings.
type QdrantConfig struct {
	Host       string
	Port       int // gRPC port, not the REST port
	UseTLS     bool
	APIKey     string
	Collection string
	VectorSize uint64

	// MaxRetries bounds retries of transient gRPC failures.
	MaxRetries   uint
	RetryBackoff time.Duration
}

// Validate checks required fields.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	if !collectionNamePattern.MatchString(c.Collection) {
		return fmt.Errorf("%w: collection name must match ^[a-z0-9_]{1,64}$, got %q", ErrInvalidConfig, c.Collection)
	}
	if c.VectorSize == 0 {
		return fmt.Errorf("%w: vector size required", ErrInvalidConfig)
	}
	return nil
}

// QdrantStore keeps chunks in a remote Qdrant collection.
//
// ACL tags are stored as a keyword list payload and every search carries a
// match-any filter on it, so Qdrant never scores an invisible chunk.
// Document metadata lives in the same collection as points without an acl
// payload, which keeps them out of every search.
type QdrantStore struct {
	mu     sync.RWMutex
	client *qdrant.Client
	config QdrantConfig
}

// NewQdrantStore connects, health-checks and creates the collection if needed.
func NewQdrantStore(ctx context.Context, cfg QdrantConfig) (*QdrantStore, error) {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		APIKey: cfg.APIKey,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(50*1024*1024),
				grpc.MaxCallSendMsgSize(50*1024*1024),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to qdrant: %w", err)
	}
	s := &QdrantStore{client: client, config: cfg}

	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(hctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("qdrant health check failed: %w", err)
	}
	if err := s.ensureCollection(hctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.config.Collection)
	if err != nil {
		return fmt.Errorf("checking collection %s: %w", s.config.Collection, err)
	}
	if exists {
		return nil
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.config.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     s.config.VectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", s.config.Collection, err)
	}
	return nil
}

// IsTransientError reports whether a gRPC error is worth retrying.
func IsTransientError(err error) bool {
	st, ok := status.FromError(err)
	if !ok || err == nil {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

func (s *QdrantStore) retry(ctx context.Context, op func() error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		if err != nil && !IsTransientError(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(&backoff.ExponentialBackOff{
			InitialInterval:     s.config.RetryBackoff,
			RandomizationFactor: 0.1,
			Multiplier:          2,
			MaxInterval:         5 * time.Second,
		}),
		backoff.WithMaxTries(s.config.MaxRetries+1),
	)
	return err
}

// UpsertDocument stores document metadata as a payload-only point.
func (s *QdrantStore) UpsertDocument(ctx context.Context, doc Document) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.UpsertDocument")
	defer span.End()

	point := &qdrant.PointStruct{
		Id:      pointID("doc:" + doc.ID),
		Vectors: qdrant.NewVectors(unitVector(int(s.config.VectorSize))...),
		Payload: documentPayload(doc),
	}
	err := s.retry(ctx, func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.config.Collection,
			Wait:           qdrant.PtrOf(true),
			Points:         []*qdrant.PointStruct{point},
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("storing document %s: %w", doc.ID, err)
	}
	return nil
}

// UpsertChunks deletes the document's chunk points and upserts the new set.
func (s *QdrantStore) UpsertChunks(ctx context.Context, documentID string, chunks []Chunk) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.UpsertChunks")
	defer span.End()
	span.SetAttributes(attribute.String("document_id", documentID), attribute.Int("chunk_count", len(chunks)))

	if err := validateChunks(documentID, chunks, int(s.config.VectorSize)); err != nil {
		return err
	}
	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for _, c := range chunks {
		points = append(points, &qdrant.PointStruct{
			Id:      pointID(c.ChunkID),
			Vectors: qdrant.NewVectors(c.Embedding...),
			Payload: chunkPayload(c),
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.deleteChunks(ctx, documentID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if len(points) == 0 {
		return nil
	}
	err := s.retry(ctx, func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.config.Collection,
			Wait:           qdrant.PtrOf(true),
			Points:         points,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upserting chunks for %s: %w", documentID, err)
	}
	return nil
}

func (s *QdrantStore) deleteChunks(ctx context.Context, documentID string) error {
	err := s.retry(ctx, func() error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: s.config.Collection,
			Wait:           qdrant.PtrOf(true),
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
					Filter: chunksOfDocument(documentID),
				},
			},
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("deleting chunks for %s: %w", documentID, err)
	}
	return nil
}

// DeleteDocument removes the chunk points and the document point.
func (s *QdrantStore) DeleteDocument(ctx context.Context, documentID string) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.DeleteDocument")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.deleteChunks(ctx, documentID); err != nil {
		return err
	}
	err := s.retry(ctx, func() error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: s.config.Collection,
			Wait:           qdrant.PtrOf(true),
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Points{
					Points: &qdrant.PointsIdsList{Ids: []*qdrant.PointId{pointID("doc:" + documentID)}},
				},
			},
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("deleting document %s: %w", documentID, err)
	}
	return nil
}

// Search queries with an ACL match-any filter.
func (s *QdrantStore) Search(ctx context.Context, embedding []float32, k int, aclAllow []string) ([]Hit, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Search")
	defer span.End()

	allow := NormalizeTags(aclAllow)
	if k <= 0 || len(allow) == 0 || IsZero(embedding) {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var points []*qdrant.ScoredPoint
	err := s.retry(ctx, func() error {
		var err error
		points, err = s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: s.config.Collection,
			Query:          qdrant.NewQuery(embedding...),
			Limit:          qdrant.PtrOf(uint64(k)),
			WithPayload:    qdrant.NewWithPayload(true),
			Filter:         aclFilter(allow),
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying %s: %w", s.config.Collection, err)
	}

	hits := make([]Hit, 0, len(points))
	for _, p := range points {
		hits = append(hits, Hit{Chunk: chunkFromPayload(p.GetPayload()), Score: float64(p.GetScore())})
	}
	sortHits(hits)
	span.SetAttributes(attribute.Int("results_count", len(hits)))
	return hits, nil
}

// Document fetches the document point.
func (s *QdrantStore) Document(ctx context.Context, documentID string) (Document, bool, error) {
	var points []*qdrant.RetrievedPoint
	err := s.retry(ctx, func() error {
		var err error
		points, err = s.client.Get(ctx, &qdrant.GetPoints{
			CollectionName: s.config.Collection,
			Ids:            []*qdrant.PointId{pointID("doc:" + documentID)},
			WithPayload:    qdrant.NewWithPayload(true),
		})
		return err
	})
	if err != nil {
		return Document{}, false, fmt.Errorf("fetching document %s: %w", documentID, err)
	}
	if len(points) == 0 {
		return Document{}, false, nil
	}
	return documentFromPayload(points[0].GetPayload()), true, nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

func pointID(key string) *qdrant.PointId {
	return qdrant.NewIDUUID(uuid.NewSHA1(pointNamespace, []byte(key)).String())
}

func stringValue(s string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
}

func listValue(items []string) *qdrant.Value {
	values := make([]*qdrant.Value, 0, len(items))
	for _, it := range items {
		values = append(values, stringValue(it))
	}
	return &qdrant.Value{Kind: &qdrant.Value_ListValue{ListValue: &qdrant.ListValue{Values: values}}}
}

func keywordCondition(key string, keywords ...string) *qdrant.Condition {
	match := &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: keywords[0]}}
	if len(keywords) > 1 {
		match = &qdrant.Match{MatchValue: &qdrant.Match_Keywords{Keywords: &qdrant.RepeatedStrings{Strings: keywords}}}
	}
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{Key: key, Match: match},
		},
	}
}

func aclFilter(allow []string) *qdrant.Filter {
	return &qdrant.Filter{Must: []*qdrant.Condition{
		keywordCondition(metaKind, kindChunk),
		keywordCondition(payloadACL, allow...),
	}}
}

func chunksOfDocument(documentID string) *qdrant.Filter {
	return &qdrant.Filter{Must: []*qdrant.Condition{
		keywordCondition(metaKind, kindChunk),
		keywordCondition(metaDocumentID, documentID),
	}}
}

func chunkPayload(c Chunk) map[string]*qdrant.Value {
	tags := NormalizeTags(c.ACLTags)
	return map[string]*qdrant.Value{
		metaKind:       stringValue(kindChunk),
		payloadChunkID: stringValue(c.ChunkID),
		metaDocumentID: stringValue(c.DocumentID),
		payloadText:    stringValue(c.Text),
		payloadACL:     listValue(tags),
		metaACLHash:    stringValue(ACLHash(tags)),
		metaUpdatedAt:  stringValue(c.UpdatedAt.UTC().Format(time.RFC3339Nano)),
	}
}

func chunkFromPayload(p map[string]*qdrant.Value) Chunk {
	updated, _ := time.Parse(time.RFC3339Nano, p[metaUpdatedAt].GetStringValue())
	var tags []string
	for _, v := range p[payloadACL].GetListValue().GetValues() {
		tags = append(tags, v.GetStringValue())
	}
	return Chunk{
		ChunkID:    p[payloadChunkID].GetStringValue(),
		DocumentID: p[metaDocumentID].GetStringValue(),
		Text:       p[payloadText].GetStringValue(),
		ACLTags:    tags,
		ACLHash:    p[metaACLHash].GetStringValue(),
		UpdatedAt:  updated,
	}
}

func documentPayload(doc Document) map[string]*qdrant.Value {
	return map[string]*qdrant.Value{
		metaKind:       stringValue(kindDocument),
		metaDocumentID: stringValue(doc.ID),
		metaSource:     stringValue(doc.SourceSystem),
		metaSourceID:   stringValue(doc.SourceID),
		metaHash:       stringValue(doc.ContentHash),
		metaACLTags:    listValue(NormalizeTags(doc.ACLTags)),
		metaUpdatedAt:  stringValue(doc.UpdatedAt.UTC().Format(time.RFC3339Nano)),
	}
}

func documentFromPayload(p map[string]*qdrant.Value) Document {
	updated, _ := time.Parse(time.RFC3339Nano, p[metaUpdatedAt].GetStringValue())
	var tags []string
	for _, v := range p[metaACLTags].GetListValue().GetValues() {
		tags = append(tags, v.GetStringValue())
	}
	return Document{
		ID:           p[metaDocumentID].GetStringValue(),
		SourceSystem: p[metaSource].GetStringValue(),
		SourceID:     p[metaSourceID].GetStringValue(),
		ContentHash:  p[metaHash].GetStringValue(),
		ACLTags:      tags,
		UpdatedAt:    updated,
	}
}
