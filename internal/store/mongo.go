package store

import (
	"context"
	"errors"
	"fmt"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"log/slog"
	"time"
)

const (
	mongoFiles       = "files"
	mongoActiveFiles = "active_files"
	mongoConfig      = "config"

	mongoSettingsKey    = "settings"
	mongoLegacyDelayKey = "del_time"
	mongoPingTimeout    = 10 * time.Second
)

// Mongo stores the records in the collections of the original bot deployment. Rows it wrote
// are read as well: files with a single message_id, deliveries keyed by user_id and the
// del_time retention.
type Mongo struct {
	client   *mongo.Client
	files    *mongo.Collection
	active   *mongo.Collection
	settings *mongo.Collection
}

type mongoSettingsDoc struct {
	Key      string   `bson:"key"`
	Settings Settings `bson:"value"`
}

type mongoEntryDoc struct {
	Key        string    `bson:"unique_id"`
	MessageIds []int64   `bson:"message_ids"`
	MessageId  int64     `bson:"message_id"`
	IsBatch    bool      `bson:"is_batch"`
	CreatedAt  time.Time `bson:"created_at"`
}

func (doc *mongoEntryDoc) entry() *ArchiveEntry {
	ids := doc.MessageIds
	if len(ids) == 0 && doc.MessageId != 0 {
		ids = []int64{doc.MessageId}
	}
	return &ArchiveEntry{Key: doc.Key, MessageIds: ids, IsBatch: doc.IsBatch, CreatedAt: doc.CreatedAt}
}

type mongoDeliveryDoc struct {
	ChatId    int64 `bson:"chat_id"`
	UserId    int64 `bson:"user_id"`
	MessageId int64 `bson:"message_id"`
	DeleteAt  int64 `bson:"delete_at"`
}

func (doc *mongoDeliveryDoc) record() DeliveryRecord {
	chatId := doc.ChatId
	if chatId == 0 {
		chatId = doc.UserId
	}
	return DeliveryRecord{ChatId: chatId, MessageId: doc.MessageId, ExpiresAt: doc.DeleteAt}
}

func mongoDeliveryFilter(chatId int64, messageId int64) bson.M {
	return bson.M{
		"message_id": messageId,
		"$or":        bson.A{bson.M{"chat_id": chatId}, bson.M{"user_id": chatId}},
	}
}

func OpenMongo(ctx context.Context, url string, database string) (*Mongo, error) {
	if url == "" {
		return nil, fmt.Errorf("store: open mongo, empty url")
	}
	if database == "" {
		database = "filestore_bot"
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(url))
	if err != nil {
		return nil, fmt.Errorf("store: connect mongo, %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, mongoPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("store: ping mongo, %w", err)
	}

	db := client.Database(database)
	m := &Mongo{
		client:   client,
		files:    db.Collection(mongoFiles),
		active:   db.Collection(mongoActiveFiles),
		settings: db.Collection(mongoConfig),
	}
	if err := m.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	slog.Info("store#mongo_open", "database", database)
	return m, nil
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	if _, err := m.files.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "unique_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("store: mongo index %s, %w", mongoFiles, err)
	}
	if _, err := m.active.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "chat_id", Value: 1}, {Key: "message_id", Value: 1}},
			// legacy rows have no chat_id and may share a message_id
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"chat_id": bson.M{"$exists": true}}),
		},
		{Keys: bson.D{{Key: "delete_at", Value: 1}}},
	}); err != nil {
		return fmt.Errorf("store: mongo index %s, %w", mongoActiveFiles, err)
	}
	return nil
}

func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), mongoPingTimeout)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (m *Mongo) PutEntry(ctx context.Context, entry *ArchiveEntry) error {
	if err := validEntry(entry); err != nil {
		return err
	}
	if _, err := m.files.InsertOne(ctx, entry); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w (%s)", ErrKeyExists, entry.Key)
		}
		return fmt.Errorf("store: put entry, %w (%s)", err, entry.Key)
	}
	return nil
}

func (m *Mongo) GetEntry(ctx context.Context, key string) (*ArchiveEntry, error) {
	var doc mongoEntryDoc
	err := m.files.FindOne(ctx, bson.M{"unique_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get entry, %w (%s)", err, key)
	}
	entry := doc.entry()
	if len(entry.MessageIds) == 0 {
		return nil, fmt.Errorf("store: get entry, no message ids (%s)", key)
	}
	return entry, nil
}

func (m *Mongo) Schedule(ctx context.Context, rec DeliveryRecord) error {
	_, err := m.active.ReplaceOne(ctx,
		bson.M{"chat_id": rec.ChatId, "message_id": rec.MessageId},
		rec,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("store: schedule, %w (%d:%d)", err, rec.ChatId, rec.MessageId)
	}
	return nil
}

func (m *Mongo) PollExpired(ctx context.Context, now time.Time, limit int) ([]DeliveryRecord, error) {
	opts := options.Find()
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := m.active.Find(ctx, bson.M{"delete_at": bson.M{"$lt": now.Unix()}}, opts)
	if err != nil {
		return nil, fmt.Errorf("store: poll expired, %w", err)
	}
	docs := make([]mongoDeliveryDoc, 0)
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("store: poll expired, decode, %w", err)
	}
	result := make([]DeliveryRecord, len(docs))
	for i := range docs {
		result[i] = docs[i].record()
	}
	return result, nil
}

func (m *Mongo) Remove(ctx context.Context, chatId int64, messageId int64) error {
	if _, err := m.active.DeleteOne(ctx, mongoDeliveryFilter(chatId, messageId)); err != nil {
		return fmt.Errorf("store: remove, %w (%d:%d)", err, chatId, messageId)
	}
	return nil
}

func (m *Mongo) Pending(ctx context.Context) (int, error) {
	count, err := m.active.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("store: pending, %w", err)
	}
	return int(count), nil
}

func (m *Mongo) LoadSettings(ctx context.Context, defaults Settings) (Settings, error) {
	doc := mongoSettingsDoc{Settings: defaults}
	err := m.settings.FindOne(ctx, bson.M{"key": mongoSettingsKey}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return m.legacySettings(ctx, defaults)
	}
	if err != nil {
		return defaults, fmt.Errorf("store: load settings, %w", err)
	}
	return doc.Settings, nil
}

// legacySettings reads the retention the original deployment kept under del_time.
func (m *Mongo) legacySettings(ctx context.Context, defaults Settings) (Settings, error) {
	var legacy struct {
		Seconds int `bson:"value"`
	}
	err := m.settings.FindOne(ctx, bson.M{"key": mongoLegacyDelayKey}).Decode(&legacy)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return defaults, nil
	}
	if err != nil {
		return defaults, fmt.Errorf("store: load legacy settings, %w", err)
	}
	if legacy.Seconds > 0 {
		defaults.DeleteDelaySeconds = legacy.Seconds
	}
	return defaults, nil
}

func (m *Mongo) SaveSettings(ctx context.Context, settings Settings) error {
	_, err := m.settings.UpdateOne(ctx,
		bson.M{"key": mongoSettingsKey},
		bson.M{"$set": bson.M{"value": settings}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("store: save settings, %w", err)
	}
	return nil
}
