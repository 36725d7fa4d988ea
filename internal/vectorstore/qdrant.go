package vectorstore

import (
	"context"
	"fmt"

	"github.com/nidhogg/sentio/internal/memory"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// QdrantConfig holds connection settings for a Qdrant instance.
type QdrantConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Collection string `json:"collection"`
}

// Client wraps gRPC connections to Qdrant's collections and points services.
type Client struct {
	conn        *grpc.ClientConn
	collections pb.CollectionsClient
	points      pb.PointsClient
}

// NewClient dials the Qdrant gRPC endpoint and returns a ready Client.
func NewClient(cfg QdrantConfig) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect %s: %w", addr, err)
	}
	return &Client{
		conn:        conn,
		collections: pb.NewCollectionsClient(conn),
		points:      pb.NewPointsClient(conn),
	}, nil
}

// Close tears down the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// EnsureCollection creates the named cosine collection if it does not exist.
func (c *Client) EnsureCollection(ctx context.Context, name string, dimension uint64) error {
	if _, err := c.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: name}); err == nil {
		return nil
	}
	_, err := c.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{Size: dimension, Distance: pb.Distance_Cosine},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	return nil
}

// Index adapts one Qdrant collection to memory.VectorIndex. Item ids must
// be UUIDs.
type Index struct {
	client     *Client
	collection string
}

var _ memory.VectorIndex = (*Index)(nil)

// NewIndex ensures the collection exists and returns an index over it.
func NewIndex(ctx context.Context, client *Client, collection string, dimension int) (*Index, error) {
	if collection == "" {
		collection = "memories"
	}
	if err := client.EnsureCollection(ctx, collection, uint64(dimension)); err != nil {
		return nil, err
	}
	return &Index{client: client, collection: collection}, nil
}

func (x *Index) Upsert(ctx context.Context, id string, vec []float32) error {
	wait := true
	_, err := x.client.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: x.collection,
		Wait:           &wait,
		Points: []*pb.PointStruct{{
			Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: vec}}},
		}},
	})
	if err != nil {
		return fmt.Errorf("upsert %s: %w", id, err)
	}
	return nil
}

func (x *Index) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	pids := make([]*pb.PointId, len(ids))
	for i, id := range ids {
		pids[i] = &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}}
	}
	wait := true
	_, err := x.client.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: x.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{Points: &pb.PointsIdsList{Ids: pids}},
		},
	})
	if err != nil {
		return fmt.Errorf("delete %d points: %w", len(ids), err)
	}
	return nil
}

func (x *Index) Search(ctx context.Context, vec []float32, limit int, threshold float64) ([]memory.Hit, error) {
	if limit <= 0 {
		limit = 10
	}
	th := float32(threshold)
	resp, err := x.client.points.Search(ctx, &pb.SearchPoints{
		CollectionName: x.collection,
		Vector:         vec,
		Limit:          uint64(limit),
		ScoreThreshold: &th,
	})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", x.collection, err)
	}
	hits := make([]memory.Hit, 0, len(resp.Result))
	for _, r := range resp.Result {
		hits = append(hits, memory.Hit{ID: r.Id.GetUuid(), Score: float64(r.Score)})
	}
	return hits, nil
}
