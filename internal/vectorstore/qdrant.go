package vectorstore

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/yuelin/studydesk/internal/domain"
)

// QdrantConfig holds connection settings for the embedding backend.
type QdrantConfig struct {
	Host   string
	Port   int
	APIKey string // Qdrant Cloud API key (enables TLS automatically)
	UseTLS bool   // explicit TLS without an API key
}

// apiKeyInterceptor adds the API key to outgoing request metadata.
func apiKeyInterceptor(apiKey string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, "api-key", apiKey)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// QdrantStore implements VectorStore on a Qdrant instance, one collection per
// (modality, dimension) pair.
type QdrantStore struct {
	conn          *grpc.ClientConn
	pointsClient  pb.PointsClient
	collectClient pb.CollectionsClient
}

// NewQdrantStore connects to Qdrant. Supports both local (insecure) and
// Qdrant Cloud (TLS + API key).
func NewQdrantStore(cfg *QdrantConfig) (*QdrantStore, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	var opts []grpc.DialOption
	useTLS := cfg.UseTLS || cfg.APIKey != ""
	if useTLS {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
		if cfg.APIKey != "" {
			opts = append(opts, grpc.WithUnaryInterceptor(apiKeyInterceptor(cfg.APIKey)))
		}
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
	}

	return &QdrantStore{
		conn:          conn,
		pointsClient:  pb.NewPointsClient(conn),
		collectClient: pb.NewCollectionsClient(conn),
	}, nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	return s.conn.Close()
}

// EnsureTable creates the collection for (modality, dim) if it doesn't exist
// and rejects a dimension mismatch on an existing one.
func (s *QdrantStore) EnsureTable(ctx context.Context, modality domain.Modality, dim int) error {
	if err := domain.ValidateDimension(dim); err != nil {
		return err
	}
	name := domain.LanceTableName(modality, dim)

	info, err := s.collectClient.Get(ctx, &pb.GetCollectionInfoRequest{
		CollectionName: name,
	})
	if err == nil {
		if size, ok := collectionVectorSize(info.GetResult()); ok && size != uint64(dim) {
			return fmt.Errorf("collection %s has vector size %d, expected %d", name, size, dim)
		}
		return nil
	}

	_, err = s.collectClient.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dim),
					Distance: pb.Distance_Cosine,
				},
			},
		},
		HnswConfig: &pb.HnswConfigDiff{
			M:                 optionalUint64(16),
			EfConstruct:       optionalUint64(128),
			FullScanThreshold: optionalUint64(10000),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection %s: %w", name, err)
	}
	return nil
}

func optionalUint64(v uint64) *uint64 {
	return &v
}

func collectionVectorSize(info *pb.CollectionInfo) (uint64, bool) {
	if info == nil {
		return 0, false
	}
	config := info.GetConfig()
	if config == nil {
		return 0, false
	}
	params := config.GetParams()
	if params == nil {
		return 0, false
	}
	vectors := params.GetVectorsConfig()
	if vectors == nil {
		return 0, false
	}
	if single := vectors.GetParams(); single != nil {
		if size := single.GetSize(); size > 0 {
			return size, true
		}
	}
	if paramsMap := vectors.GetParamsMap(); paramsMap != nil {
		for _, vectorParams := range paramsMap.GetMap() {
			if vectorParams == nil {
				continue
			}
			if size := vectorParams.GetSize(); size > 0 {
				return size, true
			}
		}
	}
	return 0, false
}

// Insert adds chunk vectors and returns generated row IDs in input order.
func (s *QdrantStore) Insert(ctx context.Context, modality domain.Modality, dim int, rows []InsertRow) ([]string, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	name := domain.LanceTableName(modality, dim)

	rowIDs := make([]string, len(rows))
	points := make([]*pb.PointStruct, len(rows))
	for i, row := range rows {
		if len(row.Vector) != dim {
			return nil, domain.Validationf("vector has %d dimensions, table %s expects %d", len(row.Vector), name, dim)
		}
		rowIDs[i] = uuid.New().String()
		points[i] = &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: rowIDs[i]},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: row.Vector},
				},
			},
			Payload: map[string]*pb.Value{
				"resource_id": {Kind: &pb.Value_StringValue{StringValue: row.ResourceID}},
				"unit_id":     {Kind: &pb.Value_StringValue{StringValue: row.UnitID}},
				"chunk_index": {Kind: &pb.Value_IntegerValue{IntegerValue: int64(row.ChunkIndex)}},
				"page_index":  {Kind: &pb.Value_IntegerValue{IntegerValue: int64(row.PageIndex)}},
				"text":        {Kind: &pb.Value_StringValue{StringValue: row.Text}},
			},
		}
	}

	_, err := s.pointsClient.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: name,
		Points:         points,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert points: %w", err)
	}
	return rowIDs, nil
}

// Search runs a cosine similarity query over one collection.
func (s *QdrantStore) Search(ctx context.Context, modality domain.Modality, dim int, vector []float32, topK int, filter *Filter) ([]Hit, error) {
	name := domain.LanceTableName(modality, dim)
	req := &pb.SearchPoints{
		CollectionName: name,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload: &pb.WithPayloadSelector{
			SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
		},
	}
	if filter != nil {
		req.Filter = buildFilter(filter)
	}

	resp, err := s.pointsClient.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", name, err)
	}

	hits := make([]Hit, len(resp.Result))
	for i, scored := range resp.Result {
		hits[i] = Hit{
			RowID: scored.Id.GetUuid(),
			Score: scored.Score,
		}
		fillHitPayload(&hits[i], scored.Payload)
	}
	return hits, nil
}

func buildFilter(filter *Filter) *pb.Filter {
	if len(filter.ResourceIDs) == 0 {
		return nil
	}
	keywords := make([]string, len(filter.ResourceIDs))
	copy(keywords, filter.ResourceIDs)
	return &pb.Filter{
		Must: []*pb.Condition{
			{
				ConditionOneOf: &pb.Condition_Field{
					Field: &pb.FieldCondition{
						Key: "resource_id",
						Match: &pb.Match{
							MatchValue: &pb.Match_Keywords{
								Keywords: &pb.RepeatedStrings{Strings: keywords},
							},
						},
					},
				},
			},
		},
	}
}

func fillHitPayload(hit *Hit, payload map[string]*pb.Value) {
	if payload == nil {
		return
	}
	if v, ok := payload["resource_id"]; ok {
		hit.ResourceID = v.GetStringValue()
	}
	if v, ok := payload["unit_id"]; ok {
		hit.UnitID = v.GetStringValue()
	}
	if v, ok := payload["chunk_index"]; ok {
		hit.ChunkIndex = int(v.GetIntegerValue())
	}
	if v, ok := payload["page_index"]; ok {
		hit.PageIndex = int(v.GetIntegerValue())
	}
	if v, ok := payload["text"]; ok {
		hit.Text = v.GetStringValue()
	}
}

// DeleteByResource removes every row for a resource from one collection.
func (s *QdrantStore) DeleteByResource(ctx context.Context, modality domain.Modality, dim int, resourceID string) error {
	name := domain.LanceTableName(modality, dim)
	_, err := s.pointsClient.Delete(ctx, &pb.DeletePoints{
		CollectionName: name,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{
					Must: []*pb.Condition{
						{
							ConditionOneOf: &pb.Condition_Field{
								Field: &pb.FieldCondition{
									Key: "resource_id",
									Match: &pb.Match{
										MatchValue: &pb.Match_Keyword{Keyword: resourceID},
									},
								},
							},
						},
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete resource rows from %s: %w", name, err)
	}
	return nil
}

// DeleteRows removes specific rows by ID.
func (s *QdrantStore) DeleteRows(ctx context.Context, modality domain.Modality, dim int, rowIDs []string) error {
	if len(rowIDs) == 0 {
		return nil
	}
	name := domain.LanceTableName(modality, dim)
	ids := make([]*pb.PointId, 0, len(rowIDs))
	for _, rowID := range rowIDs {
		uid, err := uuid.Parse(rowID)
		if err != nil {
			return fmt.Errorf("invalid row ID %q: %w", rowID, err)
		}
		ids = append(ids, &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: uid.String()}})
	}

	_, err := s.pointsClient.Delete(ctx, &pb.DeletePoints{
		CollectionName: name,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{Ids: ids},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete rows from %s: %w", name, err)
	}
	return nil
}

// DropTable removes the whole (modality, dimension) collection.
func (s *QdrantStore) DropTable(ctx context.Context, modality domain.Modality, dim int) error {
	name := domain.LanceTableName(modality, dim)
	_, err := s.collectClient.Delete(ctx, &pb.DeleteCollection{
		CollectionName: name,
	})
	if err != nil {
		return fmt.Errorf("failed to drop collection %s: %w", name, err)
	}
	return nil
}
