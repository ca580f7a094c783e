package mongo

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/conversation-service/internal/config"
	"github.com/chirino/conversation-service/internal/model"
	registrymigrate "github.com/chirino/conversation-service/internal/registry/migrate"
	registrystore "github.com/chirino/conversation-service/internal/registry/store"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readconcern"
	"go.mongodb.org/mongo-driver/v2/mongo/writeconcern"
)

const dbName = "conversation_service"

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "mongo",
		Loader: func(ctx context.Context) (registrystore.Store, error) {
			cfg := config.FromContext(ctx)
			opts := options.Client().ApplyURI(cfg.DBURL)
			if cfg.DBMaxOpenConns > 0 {
				opts.SetMaxPoolSize(uint64(cfg.DBMaxOpenConns))
			}
			if cfg.DBMaxIdleConns > 0 {
				opts.SetMinPoolSize(uint64(cfg.DBMaxIdleConns))
			}
			client, err := mongo.Connect(opts)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
			}
			if err := client.Ping(ctx, nil); err != nil {
				return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
			}
			return New(client), nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Datastore: "mongo", Migrator: &mongoMigrator{}})
}

type mongoMigrator struct{}

func (m *mongoMigrator) Name() string { return "mongo-schema" }
func (m *mongoMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return fmt.Errorf("mongo migration: no configuration in context")
	}

	log.Info("Running migration", "name", m.Name())
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.DBURL))
	if err != nil {
		return fmt.Errorf("mongo migration: failed to connect: %w", err)
	}
	defer client.Disconnect(ctx)

	db := client.Database(dbName)

	collections := map[string][]mongo.IndexModel{
		colGroups: {
			{Keys: bson.D{{Key: "type", Value: 1}}},
		},
		colGroupProps: {
			{
				Keys:    bson.D{{Key: "group_id", Value: 1}, {Key: "key", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "key", Value: 1}, {Key: "value", Value: 1}}},
		},
		colGroupUsers: {
			{
				Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "group_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "group_id", Value: 1}}},
		},
		colGroupUserProps: {
			{
				Keys:    bson.D{{Key: "group_user_id", Value: 1}, {Key: "key", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		colMessages: {
			{Keys: bson.D{{Key: "group_id", Value: 1}, {Key: "sent_time", Value: -1}}},
			{Keys: bson.D{{Key: "group_id", Value: 1}, {Key: "created_date", Value: -1}, {Key: "_id", Value: -1}}},
		},
		colMessageProps: {
			{
				Keys:    bson.D{{Key: "message_id", Value: 1}, {Key: "key", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "key", Value: 1}, {Key: "value", Value: 1}}},
		},
		colTasks: {
			{Keys: bson.D{{Key: "retry_at", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "processing_at", Value: 1}}},
		},
	}

	for name, indexes := range collections {
		// Collections must exist before they can be written inside a transaction.
		db.CreateCollection(ctx, name)
		if len(indexes) > 0 {
			if _, err := db.Collection(name).Indexes().CreateMany(ctx, indexes); err != nil {
				return fmt.Errorf("mongo migration: failed to create indexes for %s: %w", name, err)
			}
		}
	}

	log.Info("MongoDB schema migration complete")
	return nil
}

const (
	colGroups         = "groups"
	colGroupProps     = "group_custom_properties"
	colGroupUsers     = "group_users"
	colGroupUserProps = "group_user_custom_properties"
	colMessages       = "messages"
	colMessageProps   = "message_custom_properties"
	colTasks          = "tasks"
)

// MongoStore implements registrystore.Store using MongoDB. Transactions need a replica set.
type MongoStore struct {
	mongoOps
	client *mongo.Client
}

// New wraps a connected client.
func New(client *mongo.Client) *MongoStore {
	return &MongoStore{
		mongoOps: mongoOps{db: client.Database(dbName)},
		client:   client,
	}
}

func (s *MongoStore) Begin(ctx context.Context) (registrystore.Tx, error) {
	sess, err := s.client.StartSession()
	if err != nil {
		return nil, classify("start session", err)
	}
	txOpts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())
	if err := sess.StartTransaction(txOpts); err != nil {
		sess.EndSession(ctx)
		return nil, classify("begin transaction", err)
	}
	return &mongoTx{mongoOps: mongoOps{db: s.db, sess: sess}}, nil
}

type mongoTx struct {
	mongoOps
	done bool
}

func (t *mongoTx) Commit(ctx context.Context) error {
	if t.done {
		return errors.New("transaction has already been committed or rolled back")
	}
	t.done = true
	defer t.sess.EndSession(ctx)
	return classify("commit", t.sess.CommitTransaction(ctx))
}

func (t *mongoTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.sess.EndSession(ctx)
	return t.sess.AbortTransaction(ctx)
}

type mongoOps struct {
	db   *mongo.Database
	sess *mongo.Session
}

// c binds ctx to the transaction session, if any.
func (s mongoOps) c(ctx context.Context) context.Context {
	if s.sess == nil {
		return ctx
	}
	return mongo.NewSessionContext(ctx, s.sess)
}

func (s mongoOps) col(name string) *mongo.Collection { return s.db.Collection(name) }

// writeConflictCode is the server's WriteConflict error code.
const writeConflictCode = 112

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return &registrystore.ConflictError{
			Message: fmt.Sprintf("failed to %s: duplicate key", op),
			Code:    "duplicate_key",
		}
	}
	var se mongo.ServerError
	if errors.As(err, &se) && (se.HasErrorLabel("TransientTransactionError") || se.HasErrorCode(writeConflictCode)) {
		return &registrystore.WriteConflictError{Op: op, Err: err}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// --- MongoDB document types ---

type groupDoc struct {
	ID          string    `bson:"_id"`
	Name        string    `bson:"name"`
	Type        int       `bson:"type"`
	CreatedBy   string    `bson:"created_by"`
	CreatedDate time.Time `bson:"created_date"`
}

type groupPropDoc struct {
	ID      string `bson:"_id"`
	GroupID string `bson:"group_id"`
	Key     string `bson:"key"`
	Value   string `bson:"value"`
}

type groupUserDoc struct {
	ID           string     `bson:"_id"`
	UserID       string     `bson:"user_id"`
	GroupID      string     `bson:"group_id"`
	UnreadCount  int        `bson:"unread_count"`
	LastReadTime *time.Time `bson:"last_read_time,omitempty"`
	IsMaster     bool       `bson:"is_master"`
	IsAdmin      bool       `bson:"is_admin"`
	CreatedDate  time.Time  `bson:"created_date"`
}

type groupUserPropDoc struct {
	ID          string `bson:"_id"`
	GroupUserID string `bson:"group_user_id"`
	Key         string `bson:"key"`
	Value       string `bson:"value"`
}

type messageDoc struct {
	ID          string    `bson:"_id"`
	GroupID     string    `bson:"group_id"`
	Content     string    `bson:"content"`
	Type        int       `bson:"type"`
	SentBy      string    `bson:"sent_by"`
	SentTime    time.Time `bson:"sent_time"`
	CreatedBy   string    `bson:"created_by"`
	CreatedDate time.Time `bson:"created_date"`
	IsRevoked   bool      `bson:"is_revoked"`
	IsSystem    bool      `bson:"is_system"`
	Payload     string    `bson:"payload"`
}

type messagePropDoc struct {
	ID        string `bson:"_id"`
	MessageID string `bson:"message_id"`
	Key       string `bson:"key"`
	Value     string `bson:"value"`
}

type taskDoc struct {
	ID           string         `bson:"_id"`
	TaskType     string         `bson:"task_type"`
	TaskBody     map[string]any `bson:"task_body"`
	CreatedAt    time.Time      `bson:"created_at"`
	RetryAt      time.Time      `bson:"retry_at"`
	ProcessingAt *time.Time     `bson:"processing_at"`
	LastError    *string        `bson:"last_error,omitempty"`
	RetryCount   int            `bson:"retry_count"`
}

func (d groupDoc) toModel() model.Group {
	return model.Group{ID: d.ID, Name: d.Name, Type: d.Type, CreatedBy: d.CreatedBy, CreatedDate: d.CreatedDate}
}

func (d groupUserDoc) toModel() model.GroupUser {
	return model.GroupUser{
		ID: d.ID, UserID: d.UserID, GroupID: d.GroupID, UnreadCount: d.UnreadCount,
		LastReadTime: d.LastReadTime, IsMaster: d.IsMaster, IsAdmin: d.IsAdmin, CreatedDate: d.CreatedDate,
	}
}

func messageToDoc(m model.Message) messageDoc {
	return messageDoc{
		ID: m.ID, GroupID: m.GroupID, Content: m.Content, Type: int(m.Type), SentBy: m.SentBy,
		SentTime: m.SentTime, CreatedBy: m.CreatedBy, CreatedDate: m.CreatedDate,
		IsRevoked: m.IsRevoked, IsSystem: m.IsSystem, Payload: m.Payload,
	}
}

func (d messageDoc) toModel() model.Message {
	return model.Message{
		ID: d.ID, GroupID: d.GroupID, Content: d.Content, Type: model.MessageType(d.Type), SentBy: d.SentBy,
		SentTime: d.SentTime, CreatedBy: d.CreatedBy, CreatedDate: d.CreatedDate,
		IsRevoked: d.IsRevoked, IsSystem: d.IsSystem, Payload: d.Payload,
	}
}

func messagesToModel(docs []messageDoc) []model.Message {
	out := make([]model.Message, len(docs))
	for i, d := range docs {
		out[i] = d.toModel()
	}
	return out
}

func (d taskDoc) toModel() model.Task {
	id, _ := uuid.Parse(d.ID)
	body := d.TaskBody
	if body == nil {
		body = map[string]any{}
	}
	return model.Task{
		ID: id, TaskType: d.TaskType, TaskBody: body, CreatedAt: d.CreatedAt,
		RetryAt: d.RetryAt, LastError: d.LastError, RetryCount: d.RetryCount,
	}
}

func in(ids []string) bson.M { return bson.M{"$in": ids} }

// --- Groups ---

func (s mongoOps) InsertGroup(ctx context.Context, group *model.Group) error {
	_, err := s.col(colGroups).InsertOne(s.c(ctx), groupDoc{
		ID: group.ID, Name: group.Name, Type: group.Type, CreatedBy: group.CreatedBy, CreatedDate: group.CreatedDate,
	})
	return classify("insert group", err)
}

func (s mongoOps) GetGroups(ctx context.Context, groupIDs []string) ([]model.Group, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	var docs []groupDoc
	if err := s.find(ctx, colGroups, bson.M{"_id": in(groupIDs)}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}), &docs); err != nil {
		return nil, classify("get groups", err)
	}
	out := make([]model.Group, len(docs))
	for i, d := range docs {
		out[i] = d.toModel()
	}
	return out, nil
}

func (s mongoOps) InsertGroupCustomProperties(ctx context.Context, props []model.GroupCustomProperty) error {
	if len(props) == 0 {
		return nil
	}
	docs := make([]any, len(props))
	for i, p := range props {
		docs[i] = groupPropDoc{ID: p.ID, GroupID: p.GroupID, Key: p.Key, Value: p.Value}
	}
	_, err := s.col(colGroupProps).InsertMany(s.c(ctx), docs)
	return classify("insert group properties", err)
}

func (s mongoOps) GetGroupCustomProperties(ctx context.Context, groupIDs []string) ([]model.GroupCustomProperty, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	var docs []groupPropDoc
	if err := s.find(ctx, colGroupProps, bson.M{"group_id": in(groupIDs)}, sortByID(), &docs); err != nil {
		return nil, classify("get group properties", err)
	}
	out := make([]model.GroupCustomProperty, len(docs))
	for i, d := range docs {
		out[i] = model.GroupCustomProperty{ID: d.ID, GroupID: d.GroupID, Key: d.Key, Value: d.Value}
	}
	return out, nil
}

// --- Memberships ---

func (s mongoOps) InsertGroupUsers(ctx context.Context, users []model.GroupUser) error {
	if len(users) == 0 {
		return nil
	}
	docs := make([]any, len(users))
	for i, u := range users {
		docs[i] = groupUserDoc{
			ID: u.ID, UserID: u.UserID, GroupID: u.GroupID, UnreadCount: u.UnreadCount,
			LastReadTime: u.LastReadTime, IsMaster: u.IsMaster, IsAdmin: u.IsAdmin, CreatedDate: u.CreatedDate,
		}
	}
	_, err := s.col(colGroupUsers).InsertMany(s.c(ctx), docs)
	return classify("insert group users", err)
}

func (s mongoOps) GetGroupUser(ctx context.Context, userID string, groupID string) (*model.GroupUser, error) {
	var doc groupUserDoc
	err := s.col(colGroupUsers).FindOne(s.c(ctx), bson.M{"user_id": userID, "group_id": groupID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, registrystore.NewNotFound("group user", userID, groupID)
	}
	if err != nil {
		return nil, classify("get group user", err)
	}
	gu := doc.toModel()
	return &gu, nil
}

func (s mongoOps) ListMemberships(ctx context.Context, userID string, groupIDs []string) ([]model.GroupUser, error) {
	if groupIDs != nil && len(groupIDs) == 0 {
		return nil, nil
	}
	filter := bson.M{"user_id": userID}
	if groupIDs != nil {
		filter["group_id"] = in(groupIDs)
	}
	return s.findGroupUsers(ctx, "list memberships", filter, bson.D{{Key: "group_id", Value: 1}})
}

func (s mongoOps) ListGroupMembers(ctx context.Context, groupID string) ([]model.GroupUser, error) {
	return s.findGroupUsers(ctx, "list group members", bson.M{"group_id": groupID}, bson.D{{Key: "_id", Value: 1}})
}

func (s mongoOps) findGroupUsers(ctx context.Context, op string, filter bson.M, sort bson.D) ([]model.GroupUser, error) {
	var docs []groupUserDoc
	if err := s.find(ctx, colGroupUsers, filter, options.Find().SetSort(sort), &docs); err != nil {
		return nil, classify(op, err)
	}
	out := make([]model.GroupUser, len(docs))
	for i, d := range docs {
		out[i] = d.toModel()
	}
	return out, nil
}

func (s mongoOps) IncrementUnreadCounts(ctx context.Context, groupUserIDs []string) error {
	if len(groupUserIDs) == 0 {
		return nil
	}
	_, err := s.col(colGroupUsers).UpdateMany(s.c(ctx),
		bson.M{"_id": in(groupUserIDs)},
		bson.M{"$inc": bson.M{"unread_count": 1}},
	)
	return classify("increment unread counts", err)
}

func (s mongoOps) MarkRead(ctx context.Context, groupID string, userIDs []string, readAt time.Time) (int64, error) {
	if len(userIDs) == 0 {
		return 0, nil
	}
	res, err := s.col(colGroupUsers).UpdateMany(s.c(ctx),
		bson.M{"group_id": groupID, "user_id": in(userIDs)},
		bson.M{"$set": bson.M{"unread_count": 0, "last_read_time": readAt}},
	)
	if err != nil {
		return 0, classify("mark read", err)
	}
	return res.MatchedCount, nil
}

func (s mongoOps) DeleteGroupUser(ctx context.Context, groupUserID string) error {
	res, err := s.col(colGroupUsers).DeleteOne(s.c(ctx), bson.M{"_id": groupUserID})
	if err != nil {
		return classify("delete group user", err)
	}
	if res.DeletedCount == 0 {
		return registrystore.NewNotFound("group user", groupUserID)
	}
	_, err = s.col(colGroupUserProps).DeleteMany(s.c(ctx), bson.M{"group_user_id": groupUserID})
	return classify("delete group user properties", err)
}

func (s mongoOps) InsertGroupUserCustomProperties(ctx context.Context, props []model.GroupUserCustomProperty) error {
	if len(props) == 0 {
		return nil
	}
	docs := make([]any, len(props))
	for i, p := range props {
		docs[i] = groupUserPropDoc{ID: p.ID, GroupUserID: p.GroupUserID, Key: p.Key, Value: p.Value}
	}
	_, err := s.col(colGroupUserProps).InsertMany(s.c(ctx), docs)
	return classify("insert group user properties", err)
}

func (s mongoOps) GetGroupUserCustomProperties(ctx context.Context, groupUserIDs []string) ([]model.GroupUserCustomProperty, error) {
	if len(groupUserIDs) == 0 {
		return nil, nil
	}
	var docs []groupUserPropDoc
	if err := s.find(ctx, colGroupUserProps, bson.M{"group_user_id": in(groupUserIDs)}, sortByID(), &docs); err != nil {
		return nil, classify("get group user properties", err)
	}
	out := make([]model.GroupUserCustomProperty, len(docs))
	for i, d := range docs {
		out[i] = model.GroupUserCustomProperty{ID: d.ID, GroupUserID: d.GroupUserID, Key: d.Key, Value: d.Value}
	}
	return out, nil
}

// --- Messages ---

func (s mongoOps) InsertMessage(ctx context.Context, msg *model.Message) error {
	_, err := s.col(colMessages).InsertOne(s.c(ctx), messageToDoc(*msg))
	return classify("insert message", err)
}

func (s mongoOps) GetMessage(ctx context.Context, messageID string) (*model.Message, error) {
	var doc messageDoc
	err := s.col(colMessages).FindOne(s.c(ctx), bson.M{"_id": messageID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, registrystore.NewNotFound("message", messageID)
	}
	if err != nil {
		return nil, classify("get message", err)
	}
	m := doc.toModel()
	return &m, nil
}

func (s mongoOps) GetMessages(ctx context.Context, messageIDs []string) ([]model.Message, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	var docs []messageDoc
	if err := s.find(ctx, colMessages, bson.M{"_id": in(messageIDs)}, nil, &docs); err != nil {
		return nil, classify("get messages", err)
	}
	return messagesToModel(docs), nil
}

func (s mongoOps) UpdateMessages(ctx context.Context, msgs []model.Message) error {
	for _, m := range msgs {
		res, err := s.col(colMessages).UpdateByID(s.c(ctx), m.ID, bson.M{"$set": bson.M{
			"content":    m.Content,
			"type":       int(m.Type),
			"is_revoked": m.IsRevoked,
			"is_system":  m.IsSystem,
			"payload":    m.Payload,
		}})
		if err != nil {
			return classify("update message", err)
		}
		if res.MatchedCount == 0 {
			return registrystore.NewNotFound("message", m.ID)
		}
	}
	return nil
}

var pageOrder = bson.D{{Key: "created_date", Value: -1}, {Key: "_id", Value: -1}}

func (s mongoOps) ListMessages(ctx context.Context, q registrystore.MessagePageQuery) ([]model.Message, error) {
	filter := bson.M{"group_id": q.GroupID}
	if q.After != nil {
		filter["$or"] = bson.A{
			bson.M{"created_date": bson.M{"$lt": q.After.CreatedDate}},
			bson.M{"created_date": q.After.CreatedDate, "_id": bson.M{"$lt": q.After.ID}},
		}
	}
	opts := options.Find().SetSort(pageOrder)
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	var docs []messageDoc
	if err := s.find(ctx, colMessages, filter, opts, &docs); err != nil {
		return nil, classify("list messages", err)
	}
	return messagesToModel(docs), nil
}

func (s mongoOps) LastMessages(ctx context.Context, groupIDs []string) ([]model.Message, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"group_id": in(groupIDs)}}},
		{{Key: "$sort", Value: bson.D{{Key: "group_id", Value: 1}, {Key: "sent_time", Value: -1}, {Key: "_id", Value: -1}}}},
		{{Key: "$group", Value: bson.M{"_id": "$group_id", "doc": bson.M{"$first": "$$ROOT"}}}},
		{{Key: "$replaceRoot", Value: bson.M{"newRoot": "$doc"}}},
		{{Key: "$sort", Value: bson.D{{Key: "group_id", Value: 1}}}},
	}
	var docs []messageDoc
	if err := s.aggregate(ctx, colMessages, pipeline, &docs); err != nil {
		return nil, classify("get last messages", err)
	}
	return messagesToModel(docs), nil
}

func (s mongoOps) CountUnread(ctx context.Context, q registrystore.UnreadQuery) ([]model.GroupUnread, error) {
	if len(q.GroupIDs) == 0 {
		return nil, nil
	}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"group_id": in(q.GroupIDs)}}},
		{{Key: "$lookup", Value: bson.M{
			"from": colGroupUsers,
			"let":  bson.M{"gid": "$group_id"},
			"pipeline": bson.A{
				bson.M{"$match": bson.M{
					"$expr":   bson.M{"$eq": bson.A{"$group_id", "$$gid"}},
					"user_id": q.UserID,
				}},
			},
			"as": "member",
		}}},
		{{Key: "$unwind", Value: "$member"}},
	}

	unread := bson.A{
		bson.M{"$ne": bson.A{"$sent_by", q.UserID}},
		bson.M{"$or": bson.A{
			bson.M{"$eq": bson.A{bson.M{"$ifNull": bson.A{"$member.last_read_time", nil}}, nil}},
			bson.M{"$gt": bson.A{"$sent_time", "$member.last_read_time"}},
		}},
	}
	if len(q.ExcludeMessageProperties) > 0 {
		var pairs bson.A
		for k, v := range q.ExcludeMessageProperties {
			pairs = append(pairs, bson.M{"key": k, "value": v})
		}
		pipeline = append(pipeline, bson.D{{Key: "$lookup", Value: bson.M{
			"from": colMessageProps,
			"let":  bson.M{"mid": "$_id"},
			"pipeline": bson.A{
				bson.M{"$match": bson.M{
					"$expr": bson.M{"$eq": bson.A{"$message_id", "$$mid"}},
					"$or":   pairs,
				}},
				bson.M{"$limit": 1},
			},
			"as": "excluded",
		}}})
		unread = append(unread, bson.M{"$eq": bson.A{bson.M{"$size": "$excluded"}, 0}})
	}
	pipeline = append(pipeline,
		bson.D{{Key: "$group", Value: bson.M{
			"_id":            "$group_id",
			"last_sent_time": bson.M{"$max": "$sent_time"},
			"unread_count":   bson.M{"$sum": bson.M{"$cond": bson.A{bson.M{"$and": unread}, 1, 0}}},
		}}},
		bson.D{{Key: "$sort", Value: bson.D{{Key: "_id", Value: 1}}}},
	)

	var rows []struct {
		GroupID      string     `bson:"_id"`
		UnreadCount  int        `bson:"unread_count"`
		LastSentTime *time.Time `bson:"last_sent_time"`
	}
	if err := s.aggregate(ctx, colMessages, pipeline, &rows); err != nil {
		return nil, classify("count unread", err)
	}
	out := make([]model.GroupUnread, len(rows))
	for i, r := range rows {
		out[i] = model.GroupUnread{GroupID: r.GroupID, UnreadCount: r.UnreadCount, LastSentTime: r.LastSentTime}
	}
	return out, nil
}

func (s mongoOps) InsertMessageCustomProperties(ctx context.Context, props []model.MessageCustomProperty) error {
	if len(props) == 0 {
		return nil
	}
	docs := make([]any, len(props))
	for i, p := range props {
		docs[i] = messagePropDoc{ID: p.ID, MessageID: p.MessageID, Key: p.Key, Value: p.Value}
	}
	_, err := s.col(colMessageProps).InsertMany(s.c(ctx), docs)
	return classify("insert message properties", err)
}

func (s mongoOps) GetMessageCustomProperties(ctx context.Context, messageIDs []string) ([]model.MessageCustomProperty, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	var docs []messagePropDoc
	if err := s.find(ctx, colMessageProps, bson.M{"message_id": in(messageIDs)}, sortByID(), &docs); err != nil {
		return nil, classify("get message properties", err)
	}
	out := make([]model.MessageCustomProperty, len(docs))
	for i, d := range docs {
		out[i] = model.MessageCustomProperty{ID: d.ID, MessageID: d.MessageID, Key: d.Key, Value: d.Value}
	}
	return out, nil
}

func (s mongoOps) DeleteMessageCustomProperties(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	_, err := s.col(colMessageProps).DeleteMany(s.c(ctx), bson.M{"message_id": in(messageIDs)})
	return classify("delete message properties", err)
}

// --- Search ---

func valueFilter(m registrystore.PropertyMatch) any {
	if m.Exact {
		return m.Value
	}
	return bson.M{"$regex": regexp.QuoteMeta(m.Value)}
}

func (s mongoOps) MatchGroups(ctx context.Context, m registrystore.PropertyMatch) ([]string, error) {
	if m.GroupIDs != nil && len(m.GroupIDs) == 0 {
		return []string{}, nil
	}

	var pipeline mongo.Pipeline
	var from string
	switch m.Target {
	case registrystore.TargetGroupProperty:
		from = colGroupProps
		match := bson.M{"key": m.Key, "value": valueFilter(m)}
		if m.GroupIDs != nil {
			match["group_id"] = in(m.GroupIDs)
		}
		pipeline = mongo.Pipeline{{{Key: "$match", Value: match}}}
	case registrystore.TargetMessageProperty:
		from = colMessageProps
		pipeline = mongo.Pipeline{
			{{Key: "$match", Value: bson.M{"key": m.Key, "value": valueFilter(m)}}},
			{{Key: "$lookup", Value: bson.M{
				"from":         colMessages,
				"localField":   "message_id",
				"foreignField": "_id",
				"as":           "message",
			}}},
			{{Key: "$unwind", Value: "$message"}},
			{{Key: "$set", Value: bson.M{"group_id": "$message.group_id"}}},
		}
		if m.GroupIDs != nil {
			pipeline = append(pipeline, bson.D{{Key: "$match", Value: bson.M{"group_id": in(m.GroupIDs)}}})
		}
	case registrystore.TargetMessageContent:
		from = colMessages
		match := bson.M{"content": valueFilter(m)}
		if m.GroupIDs != nil {
			match["group_id"] = in(m.GroupIDs)
		}
		pipeline = mongo.Pipeline{{{Key: "$match", Value: match}}}
	default:
		return nil, &registrystore.ValidationError{Field: "target", Message: "unsupported match target " + m.Target.String()}
	}
	pipeline = append(pipeline,
		bson.D{{Key: "$group", Value: bson.M{"_id": "$group_id"}}},
		bson.D{{Key: "$sort", Value: bson.D{{Key: "_id", Value: 1}}}},
	)

	var rows []struct {
		GroupID string `bson:"_id"`
	}
	if err := s.aggregate(ctx, from, pipeline, &rows); err != nil {
		return nil, classify("match groups", err)
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.GroupID
	}
	return ids, nil
}

// --- Outbox task queue ---

func (s mongoOps) CreateTask(ctx context.Context, taskType string, taskBody map[string]any) error {
	now := time.Now()
	_, err := s.col(colTasks).InsertOne(s.c(ctx), taskDoc{
		ID:        uuid.New().String(),
		TaskType:  taskType,
		TaskBody:  taskBody,
		CreatedAt: now,
		RetryAt:   now,
	})
	return classify("create task", err)
}

func (s mongoOps) ClaimReadyTasks(ctx context.Context, limit int) ([]model.Task, error) {
	var tasks []model.Task
	now := time.Now()
	staleClaimCutoff := now.Add(-5 * time.Minute)

	for i := 0; i < limit; i++ {
		filter := bson.M{
			"retry_at": bson.M{"$lte": now},
			"$or": []bson.M{
				{"processing_at": bson.M{"$exists": false}},
				{"processing_at": nil},
				{"processing_at": bson.M{"$lt": staleClaimCutoff}},
			},
		}
		update := bson.M{
			"$set": bson.M{
				"processing_at": now,
				"retry_at":      now.Add(5 * time.Minute),
			},
		}
		opts := options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "retry_at", Value: 1}, {Key: "created_at", Value: 1}}).
			SetReturnDocument(options.After)

		var doc taskDoc
		err := s.col(colTasks).FindOneAndUpdate(s.c(ctx), filter, update, opts).Decode(&doc)
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				break
			}
			return nil, classify("claim ready tasks", err)
		}
		tasks = append(tasks, doc.toModel())
	}
	return tasks, nil
}

func (s mongoOps) DeleteTask(ctx context.Context, taskID uuid.UUID) error {
	_, err := s.col(colTasks).DeleteOne(s.c(ctx), bson.M{"_id": taskID.String()})
	return classify("delete task", err)
}

func (s mongoOps) FailTask(ctx context.Context, taskID uuid.UUID, errMsg string, retryDelay time.Duration) error {
	_, err := s.col(colTasks).UpdateByID(s.c(ctx), taskID.String(), bson.M{
		"$inc": bson.M{"retry_count": 1},
		"$set": bson.M{
			"retry_at":      time.Now().Add(retryDelay),
			"last_error":    errMsg,
			"processing_at": nil,
		},
	})
	return classify("fail task", err)
}

// --- helpers ---

func sortByID() *options.FindOptionsBuilder {
	return options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
}

func (s mongoOps) find(ctx context.Context, collection string, filter any, opts *options.FindOptionsBuilder, out any) error {
	var cursor *mongo.Cursor
	var err error
	if opts != nil {
		cursor, err = s.col(collection).Find(s.c(ctx), filter, opts)
	} else {
		cursor, err = s.col(collection).Find(s.c(ctx), filter)
	}
	if err != nil {
		return err
	}
	return cursor.All(s.c(ctx), out)
}

func (s mongoOps) aggregate(ctx context.Context, collection string, pipeline mongo.Pipeline, out any) error {
	cursor, err := s.col(collection).Aggregate(s.c(ctx), pipeline)
	if err != nil {
		return err
	}
	return cursor.All(s.c(ctx), out)
}

var (
	_ registrystore.Store = (*MongoStore)(nil)
	_ registrystore.Tx    = (*mongoTx)(nil)
)
