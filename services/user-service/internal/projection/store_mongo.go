package projection

import (
	"context"
	"errors"
	"fmt"

	"github.com/md-rashed-zaman/userhub/libs/mongox"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const Collection = "users"

// MongoStore keeps one document per user in the users collection.
type MongoStore struct {
	coll *mongo.Collection
}

func NewMongoStore(client *mongox.Client) *MongoStore {
	return &MongoStore{coll: client.Collection(Collection)}
}

// EnsureIndexes creates the keyset index used by List.
func EnsureIndexes(ctx context.Context, client *mongox.Client) error {
	return client.EnsureIndexes(ctx, Collection, mongo.IndexModel{
		Keys:    bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}},
		Options: options.Index().SetName("created_at_id"),
	})
}

func (s *MongoStore) Apply(ctx context.Context, m Mutation) error {
	filter := bson.M{"_id": m.ID}
	switch m.Op {
	case OpNone:
		return nil
	case OpDelete:
		if _, err := s.coll.DeleteOne(ctx, filter); err != nil {
			return fmt.Errorf("delete user %s: %w", m.ID, err)
		}
		return nil
	case OpUpsert:
		_, err := s.coll.UpdateOne(ctx, filter, upsertPipeline(m), options.Update().SetUpsert(true))
		if err != nil {
			return fmt.Errorf("upsert user %s: %w", m.ID, err)
		}
		return nil
	}
	return fmt.Errorf("unknown mutation op %d", m.Op)
}

// upsertPipeline renders an upsert mutation as a single $set stage. Every
// expression reads the stored document as it was before the update, so the
// profile guard and the role merge see consistent values.
func upsertPipeline(m Mutation) mongo.Pipeline {
	set := bson.D{}
	if m.Profile != nil {
		newer := bson.D{{Key: "$or", Value: bson.A{
			bson.D{{Key: "$eq", Value: bson.A{bson.D{{Key: "$type", Value: "$profile_at"}}, "missing"}}},
			bson.D{{Key: "$gte", Value: bson.A{m.ProfileAt, "$profile_at"}}},
		}}}
		pick := func(v any, field string) bson.D {
			return bson.D{{Key: "$cond", Value: bson.A{newer, v, field}}}
		}
		set = append(set,
			bson.E{Key: "username", Value: pick(bson.D{{Key: "$literal", Value: m.Profile.Username}}, "$username")},
			bson.E{Key: "email", Value: pick(bson.D{{Key: "$literal", Value: m.Profile.Email}}, "$email")},
			bson.E{Key: "profile_at", Value: pick(m.ProfileAt, "$profile_at")},
		)
	}
	if !m.CreatedAt.IsZero() {
		set = append(set, bson.E{Key: "created_at", Value: bson.D{{Key: "$min", Value: bson.A{"$created_at", m.CreatedAt}}}})
	}
	if !m.UpdatedAt.IsZero() {
		set = append(set, bson.E{Key: "updated_at", Value: bson.D{{Key: "$max", Value: bson.A{"$updated_at", m.UpdatedAt}}}})
	}
	if len(m.AddRoles) > 0 {
		current := bson.D{{Key: "$ifNull", Value: bson.A{"$roles", bson.A{}}}}
		set = append(set, bson.E{Key: "roles", Value: bson.D{{Key: "$concatArrays", Value: bson.A{
			current,
			bson.D{{Key: "$filter", Value: bson.D{
				{Key: "input", Value: bson.D{{Key: "$literal", Value: m.AddRoles}}},
				{Key: "cond", Value: bson.D{{Key: "$not", Value: bson.A{
					bson.D{{Key: "$in", Value: bson.A{"$$this", current}}},
				}}}},
			}}},
		}}}})
	}
	return mongo.Pipeline{{{Key: "$set", Value: set}}}
}

func (s *MongoStore) FindByID(ctx context.Context, id string) (Document, error) {
	var doc Document
	err := s.coll.FindOne(ctx, bson.M{"_id": id, "created_at": bson.M{"$exists": true}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("find user %s: %w", id, err)
	}
	if doc.Roles == nil {
		doc.Roles = []string{}
	}
	return doc, nil
}

func (s *MongoStore) List(ctx context.Context, page Page) ([]Document, error) {
	filter := bson.M{"created_at": bson.M{"$exists": true}}
	if page.hasCursor() {
		filter = bson.M{"$or": bson.A{
			bson.M{"created_at": bson.M{"$gt": page.AfterCreatedAt}},
			bson.M{"created_at": page.AfterCreatedAt, "_id": bson.M{"$gt": page.AfterID}},
		}}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(ClampPageSize(page.Size)))

	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer cur.Close(ctx)

	docs := []Document{}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	for i := range docs {
		if docs[i].Roles == nil {
			docs[i].Roles = []string{}
		}
	}
	return docs, nil
}
