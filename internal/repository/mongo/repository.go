package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"downpour/internal/domain"
)

// ResultRepository persists finished download results for the history API.
type ResultRepository struct {
	collection *mongo.Collection
}

type resultDoc struct {
	ID                    string `bson:"_id"`
	FilePath              string `bson:"filePath"`
	TotalLength           int64  `bson:"totalLength"`
	URI                   string `bson:"uri"`
	NumURI                int    `bson:"numUri"`
	SessionDownloadLength int64  `bson:"sessionDownloadLength"`
	SessionTimeMs         int64  `bson:"sessionTimeMs"`
	Result                string `bson:"result"`
	CreatedAt             int64  `bson:"createdAt"`
}

func NewResultRepository(client *mongo.Client, dbName, collectionName string) *ResultRepository {
	return &ResultRepository{collection: client.Database(dbName).Collection(collectionName)}
}

func Connect(ctx context.Context, uri string, extra ...*options.ClientOptions) (*mongo.Client, error) {
	opts := append([]*options.ClientOptions{options.Client().ApplyURI(uri)}, extra...)
	client, err := mongo.Connect(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (r *ResultRepository) EnsureIndexes(ctx context.Context) error {
	if r == nil || r.collection == nil {
		return nil
	}
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "result", Value: 1}}},
	}
	_, err := r.collection.Indexes().CreateMany(ctx, models)
	return err
}

func (r *ResultRepository) Create(ctx context.Context, result domain.DownloadResult) error {
	doc := toDoc(result)
	doc.CreatedAt = time.Now().UnixMilli()
	_, err := r.collection.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return domain.ErrAlreadyExists
	}
	return err
}

func (r *ResultRepository) Get(ctx context.Context, id string) (domain.DownloadResult, error) {
	var doc resultDoc
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.DownloadResult{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.DownloadResult{}, err
	}
	return fromDoc(doc), nil
}

func (r *ResultRepository) List(ctx context.Context, limit int) ([]domain.DownloadResult, error) {
	if limit <= 0 {
		limit = 50
	}
	findOpts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}}).
		SetLimit(int64(limit))
	cursor, err := r.collection.Find(ctx, bson.M{}, findOpts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var results []domain.DownloadResult
	for cursor.Next(ctx) {
		var doc resultDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		results = append(results, fromDoc(doc))
	}
	return results, cursor.Err()
}

func toDoc(r domain.DownloadResult) resultDoc {
	return resultDoc{
		ID:                    r.ID,
		FilePath:              r.FilePath,
		TotalLength:           r.TotalLength,
		URI:                   r.URI,
		NumURI:                r.NumURI,
		SessionDownloadLength: r.SessionDownloadLength,
		SessionTimeMs:         r.SessionTime.Milliseconds(),
		Result:                string(r.Result),
	}
}

func fromDoc(doc resultDoc) domain.DownloadResult {
	return domain.DownloadResult{
		ID:                    doc.ID,
		FilePath:              doc.FilePath,
		TotalLength:           doc.TotalLength,
		URI:                   doc.URI,
		NumURI:                doc.NumURI,
		SessionDownloadLength: doc.SessionDownloadLength,
		SessionTime:           time.Duration(doc.SessionTimeMs) * time.Millisecond,
		Result:                domain.ResultKind(doc.Result),
	}
}
