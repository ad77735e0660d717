package mongodb

import (
	"context"
	"encoding/json"
	"time"

	"github.com/modelguard/relay/internal/history"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type entryDocument struct {
	Id         bson.ObjectID `bson:"_id"`
	CreateTime time.Time     `bson:"createTime"`
	Room       string        `bson:"room"`
	ActorId    string        `bson:"actorId"`
	Method     string        `bson:"method"`
	Payload    string        `bson:"payload"`
}

type Engine struct {
	collection *mongo.Collection
}

func NewEngine(client *mongo.Client) *Engine {
	database := client.Database("relay")
	collection := database.Collection("events")

	return &Engine{
		collection,
	}
}

var _ history.Engine = (*Engine)(nil)

func (e *Engine) Setup(ctx context.Context) error {
	ttlIndexModel := mongo.IndexModel{
		Keys:    bson.D{{Key: "createTime", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(7 * 24 * 60 * 60),
	}

	roomIndexModel := mongo.IndexModel{
		Keys: bson.D{
			{Key: "room", Value: 1},
			{Key: "_id", Value: -1},
		},
	}

	_, err := e.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{ttlIndexModel, roomIndexModel})

	return err
}

func (e *Engine) Save(ctx context.Context, entry history.Entry) (history.Entry, error) {
	createTime := time.Now()

	payloadJson, err := json.Marshal(entry.Payload)
	if err != nil {
		return history.Entry{}, err
	}

	result, err := e.collection.InsertOne(ctx, bson.D{
		{Key: "createTime", Value: createTime},
		{Key: "room", Value: entry.Room},
		{Key: "actorId", Value: entry.ActorId},
		{Key: "method", Value: entry.Method},
		{Key: "payload", Value: string(payloadJson)},
	})
	if err != nil {
		return history.Entry{}, err
	}

	saved := entry
	saved.Id = result.InsertedID.(bson.ObjectID).Hex()
	saved.CreateTime = createTime

	return saved, nil
}

func (e *Engine) List(ctx context.Context, room string, lastSeenId string) ([]history.Entry, error) {
	filter := bson.M{
		"room": room,
	}

	if lastSeenId != "" {
		lastSeenObjectId, err := bson.ObjectIDFromHex(lastSeenId)
		if err != nil {
			return nil, err
		}

		filter["_id"] = bson.M{"$gt": lastSeenObjectId}
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: -1}}).
		SetLimit(101)

	result, err := e.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}

	var documents []entryDocument
	err = result.All(ctx, &documents)
	if err != nil {
		return nil, err
	}

	entries := make([]history.Entry, len(documents))
	for i, document := range documents {
		var payload any
		err := json.Unmarshal([]byte(document.Payload), &payload)
		if err != nil {
			return nil, err
		}

		entries[i] = history.Entry{
			Id:         document.Id.Hex(),
			CreateTime: document.CreateTime,
			Room:       document.Room,
			ActorId:    document.ActorId,
			Method:     document.Method,
			Payload:    payload,
		}
	}

	return entries, nil
}
