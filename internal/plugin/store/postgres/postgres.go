package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chirino/conversation-service/internal/config"
	"github.com/chirino/conversation-service/internal/model"
	registrystore "github.com/chirino/conversation-service/internal/registry/store"
	"github.com/chirino/conversation-service/internal/security"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "postgres",
		Loader: func(ctx context.Context) (registrystore.Store, error) {
			cfg := config.FromContext(ctx)
			db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{})
			if err != nil {
				return nil, fmt.Errorf("failed to connect to postgres: %w", err)
			}
			sqlDB, err := db.DB()
			if err != nil {
				return nil, fmt.Errorf("failed to get underlying db: %w", err)
			}
			sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
			sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
			if security.DBPoolMaxConnections != nil {
				security.DBPoolMaxConnections.Set(float64(cfg.DBMaxOpenConns))
			}

			// Periodically update the open connections gauge.
			go func() {
				ticker := time.NewTicker(15 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if security.DBPoolOpenConnections != nil {
							security.DBPoolOpenConnections.Set(float64(sqlDB.Stats().OpenConnections))
						}
					}
				}
			}()

			return New(db), nil
		},
	})
}

// PostgresStore implements registrystore.Store using GORM + PostgreSQL.
type PostgresStore struct {
	pgOps
}

// New wraps an open gorm connection.
func New(db *gorm.DB) *PostgresStore {
	return &PostgresStore{pgOps{db: db}}
}

// Begin opens a serializable transaction. Serialization failures surface as
// WriteConflictError so callers can retry the whole unit of work.
func (s *PostgresStore) Begin(ctx context.Context) (registrystore.Tx, error) {
	tx := s.db.WithContext(ctx).Begin(&sql.TxOptions{Isolation: sql.LevelSerializable})
	if tx.Error != nil {
		return nil, classify("begin transaction", tx.Error)
	}
	return &pgTx{pgOps{db: tx}}, nil
}

type pgTx struct {
	pgOps
}

func (t *pgTx) Commit(ctx context.Context) error {
	if err := t.db.Commit().Error; err != nil {
		return classify("commit", err)
	}
	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.db.Rollback().Error
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// pgOps runs every operation against db, which is either the pool or an open transaction.
type pgOps struct {
	db *gorm.DB
}

// classify maps driver errors onto the store error types.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return &registrystore.WriteConflictError{Op: op, Err: err}
		case "23505": // unique_violation
			return &registrystore.ConflictError{
				Message: fmt.Sprintf("failed to %s: duplicate %s", op, pgErr.ConstraintName),
				Code:    "duplicate_key",
				Details: map[string]interface{}{"constraint": pgErr.ConstraintName},
			}
		}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// --- Groups ---

func (s pgOps) InsertGroup(ctx context.Context, group *model.Group) error {
	return classify("insert group", s.db.WithContext(ctx).Create(group).Error)
}

func (s pgOps) GetGroups(ctx context.Context, groupIDs []string) ([]model.Group, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	var groups []model.Group
	err := s.db.WithContext(ctx).Where("id IN ?", groupIDs).Order("id").Find(&groups).Error
	return groups, classify("get groups", err)
}

func (s pgOps) InsertGroupCustomProperties(ctx context.Context, props []model.GroupCustomProperty) error {
	if len(props) == 0 {
		return nil
	}
	return classify("insert group properties", s.db.WithContext(ctx).Create(&props).Error)
}

func (s pgOps) GetGroupCustomProperties(ctx context.Context, groupIDs []string) ([]model.GroupCustomProperty, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	var props []model.GroupCustomProperty
	err := s.db.WithContext(ctx).Where("group_id IN ?", groupIDs).Order("id").Find(&props).Error
	return props, classify("get group properties", err)
}

// --- Memberships ---

func (s pgOps) InsertGroupUsers(ctx context.Context, users []model.GroupUser) error {
	if len(users) == 0 {
		return nil
	}
	return classify("insert group users", s.db.WithContext(ctx).Create(&users).Error)
}

func (s pgOps) GetGroupUser(ctx context.Context, userID string, groupID string) (*model.GroupUser, error) {
	var gu model.GroupUser
	result := s.db.WithContext(ctx).Where("user_id = ? AND group_id = ?", userID, groupID).Limit(1).Find(&gu)
	if result.Error != nil {
		return nil, classify("get group user", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, registrystore.NewNotFound("group user", userID, groupID)
	}
	return &gu, nil
}

func (s pgOps) ListMemberships(ctx context.Context, userID string, groupIDs []string) ([]model.GroupUser, error) {
	if groupIDs != nil && len(groupIDs) == 0 {
		return nil, nil
	}
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if groupIDs != nil {
		q = q.Where("group_id IN ?", groupIDs)
	}
	var users []model.GroupUser
	err := q.Order("group_id").Find(&users).Error
	return users, classify("list memberships", err)
}

func (s pgOps) ListGroupMembers(ctx context.Context, groupID string) ([]model.GroupUser, error) {
	var users []model.GroupUser
	err := s.db.WithContext(ctx).Where("group_id = ?", groupID).Order("id").Find(&users).Error
	return users, classify("list group members", err)
}

func (s pgOps) IncrementUnreadCounts(ctx context.Context, groupUserIDs []string) error {
	if len(groupUserIDs) == 0 {
		return nil
	}
	// Rows are locked in id order so concurrent fan-outs into the same group cannot deadlock.
	err := s.db.WithContext(ctx).Exec(`
		UPDATE group_users SET unread_count = unread_count + 1
		WHERE id IN (SELECT id FROM group_users WHERE id IN ? ORDER BY id FOR UPDATE)
	`, groupUserIDs).Error
	return classify("increment unread counts", err)
}

func (s pgOps) MarkRead(ctx context.Context, groupID string, userIDs []string, readAt time.Time) (int64, error) {
	if len(userIDs) == 0 {
		return 0, nil
	}
	result := s.db.WithContext(ctx).Model(&model.GroupUser{}).
		Where("group_id = ? AND user_id IN ?", groupID, userIDs).
		Updates(map[string]interface{}{
			"unread_count":   0,
			"last_read_time": readAt,
		})
	return result.RowsAffected, classify("mark read", result.Error)
}

func (s pgOps) DeleteGroupUser(ctx context.Context, groupUserID string) error {
	result := s.db.WithContext(ctx).Where("id = ?", groupUserID).Delete(&model.GroupUser{})
	if result.Error != nil {
		return classify("delete group user", result.Error)
	}
	if result.RowsAffected == 0 {
		return registrystore.NewNotFound("group user", groupUserID)
	}
	return nil
}

func (s pgOps) InsertGroupUserCustomProperties(ctx context.Context, props []model.GroupUserCustomProperty) error {
	if len(props) == 0 {
		return nil
	}
	return classify("insert group user properties", s.db.WithContext(ctx).Create(&props).Error)
}

func (s pgOps) GetGroupUserCustomProperties(ctx context.Context, groupUserIDs []string) ([]model.GroupUserCustomProperty, error) {
	if len(groupUserIDs) == 0 {
		return nil, nil
	}
	var props []model.GroupUserCustomProperty
	err := s.db.WithContext(ctx).Where("group_user_id IN ?", groupUserIDs).Order("id").Find(&props).Error
	return props, classify("get group user properties", err)
}

// --- Messages ---

func (s pgOps) InsertMessage(ctx context.Context, msg *model.Message) error {
	return classify("insert message", s.db.WithContext(ctx).Create(msg).Error)
}

func (s pgOps) GetMessage(ctx context.Context, messageID string) (*model.Message, error) {
	var msg model.Message
	result := s.db.WithContext(ctx).Where("id = ?", messageID).Limit(1).Find(&msg)
	if result.Error != nil {
		return nil, classify("get message", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, registrystore.NewNotFound("message", messageID)
	}
	return &msg, nil
}

func (s pgOps) GetMessages(ctx context.Context, messageIDs []string) ([]model.Message, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	var msgs []model.Message
	err := s.db.WithContext(ctx).Where("id IN ?", messageIDs).Find(&msgs).Error
	return msgs, classify("get messages", err)
}

func (s pgOps) UpdateMessages(ctx context.Context, msgs []model.Message) error {
	for i := range msgs {
		result := s.db.WithContext(ctx).Model(&model.Message{}).Where("id = ?", msgs[i].ID).
			Select("content", "type", "is_revoked", "is_system", "payload").
			Updates(&msgs[i])
		if result.Error != nil {
			return classify("update message", result.Error)
		}
		if result.RowsAffected == 0 {
			return registrystore.NewNotFound("message", msgs[i].ID)
		}
	}
	return nil
}

func (s pgOps) ListMessages(ctx context.Context, q registrystore.MessagePageQuery) ([]model.Message, error) {
	query := s.db.WithContext(ctx).Where("group_id = ?", q.GroupID)
	if q.After != nil {
		query = query.Where("(created_date, id) < (?, ?)", q.After.CreatedDate, q.After.ID)
	}
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}
	var msgs []model.Message
	err := query.Order("created_date DESC, id DESC").Find(&msgs).Error
	return msgs, classify("list messages", err)
}

func (s pgOps) LastMessages(ctx context.Context, groupIDs []string) ([]model.Message, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	var msgs []model.Message
	err := s.db.WithContext(ctx).Raw(`
		SELECT DISTINCT ON (group_id) *
		FROM messages
		WHERE group_id IN ?
		ORDER BY group_id, sent_time DESC, id DESC
	`, groupIDs).Scan(&msgs).Error
	return msgs, classify("get last messages", err)
}

func (s pgOps) CountUnread(ctx context.Context, q registrystore.UnreadQuery) ([]model.GroupUnread, error) {
	if len(q.GroupIDs) == 0 {
		return nil, nil
	}
	args := []interface{}{q.UserID}
	exclude := ""
	if len(q.ExcludeMessageProperties) > 0 {
		var clauses []string
		for k, v := range q.ExcludeMessageProperties {
			clauses = append(clauses, "(p.key = ? AND p.value = ?)")
			args = append(args, k, v)
		}
		exclude = ` AND NOT EXISTS (
			SELECT 1 FROM message_custom_properties p
			WHERE p.message_id = m.id AND (` + strings.Join(clauses, " OR ") + `))`
	}
	args = append(args, q.UserID, q.GroupIDs)

	var rows []struct {
		GroupID      string
		UnreadCount  int
		LastSentTime *time.Time
	}
	err := s.db.WithContext(ctx).Raw(`
		SELECT m.group_id AS group_id,
		       COUNT(*) FILTER (
		           WHERE m.sent_by <> ?
		             AND (gu.last_read_time IS NULL OR m.sent_time > gu.last_read_time)`+exclude+`
		       ) AS unread_count,
		       MAX(m.sent_time) AS last_sent_time
		FROM messages m
		JOIN group_users gu ON gu.group_id = m.group_id AND gu.user_id = ?
		WHERE m.group_id IN ?
		GROUP BY m.group_id
		ORDER BY m.group_id
	`, args...).Scan(&rows).Error
	if err != nil {
		return nil, classify("count unread", err)
	}
	result := make([]model.GroupUnread, len(rows))
	for i, r := range rows {
		result[i] = model.GroupUnread{GroupID: r.GroupID, UnreadCount: r.UnreadCount, LastSentTime: r.LastSentTime}
	}
	return result, nil
}

func (s pgOps) InsertMessageCustomProperties(ctx context.Context, props []model.MessageCustomProperty) error {
	if len(props) == 0 {
		return nil
	}
	return classify("insert message properties", s.db.WithContext(ctx).Create(&props).Error)
}

func (s pgOps) GetMessageCustomProperties(ctx context.Context, messageIDs []string) ([]model.MessageCustomProperty, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	var props []model.MessageCustomProperty
	err := s.db.WithContext(ctx).Where("message_id IN ?", messageIDs).Order("id").Find(&props).Error
	return props, classify("get message properties", err)
}

func (s pgOps) DeleteMessageCustomProperties(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Where("message_id IN ?", messageIDs).Delete(&model.MessageCustomProperty{}).Error
	return classify("delete message properties", err)
}

// --- Search ---

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (s pgOps) MatchGroups(ctx context.Context, m registrystore.PropertyMatch) ([]string, error) {
	if m.GroupIDs != nil && len(m.GroupIDs) == 0 {
		return []string{}, nil
	}

	var column string
	var q *gorm.DB
	switch m.Target {
	case registrystore.TargetGroupProperty:
		q = s.db.WithContext(ctx).Table("group_custom_properties").Select("DISTINCT group_id").Where("key = ?", m.Key)
		column = "value"
	case registrystore.TargetMessageProperty:
		q = s.db.WithContext(ctx).Table("message_custom_properties p").
			Joins("JOIN messages m ON m.id = p.message_id").
			Select("DISTINCT m.group_id").Where("p.key = ?", m.Key)
		column = "p.value"
	case registrystore.TargetMessageContent:
		q = s.db.WithContext(ctx).Table("messages").Select("DISTINCT group_id")
		column = "content"
	default:
		return nil, &registrystore.ValidationError{Field: "target", Message: "unsupported match target " + m.Target.String()}
	}

	if m.Exact {
		q = q.Where(column+" = ?", m.Value)
	} else {
		q = q.Where(column+` LIKE ? ESCAPE '\'`, "%"+likeEscaper.Replace(m.Value)+"%")
	}
	if m.GroupIDs != nil {
		groupColumn := "group_id"
		if m.Target == registrystore.TargetMessageProperty {
			groupColumn = "m.group_id"
		}
		q = q.Where(groupColumn+" IN ?", m.GroupIDs)
	}

	ids := []string{}
	if err := q.Order("1").Pluck("group_id", &ids).Error; err != nil {
		return nil, classify("match groups", err)
	}
	return ids, nil
}

// --- Outbox task queue ---

func (s pgOps) CreateTask(ctx context.Context, taskType string, taskBody map[string]interface{}) error {
	task := model.Task{
		ID:       uuid.New(),
		TaskType: taskType,
		TaskBody: taskBody,
	}
	return classify("create task", s.db.WithContext(ctx).Create(&task).Error)
}

func (s pgOps) ClaimReadyTasks(ctx context.Context, limit int) ([]model.Task, error) {
	var tasks []model.Task
	err := s.db.WithContext(ctx).Raw(`
		WITH claimed AS (
			SELECT id
			FROM tasks
			WHERE retry_at <= NOW()
			ORDER BY retry_at, created_at
			LIMIT ?
			FOR UPDATE SKIP LOCKED
		)
		UPDATE tasks t
		SET retry_at = NOW() + INTERVAL '5 minutes'
		FROM claimed
		WHERE t.id = claimed.id
		RETURNING t.*
	`, limit).
		Scan(&tasks).Error
	return tasks, classify("claim tasks", err)
}

func (s pgOps) DeleteTask(ctx context.Context, taskID uuid.UUID) error {
	return classify("delete task", s.db.WithContext(ctx).Where("id = ?", taskID).Delete(&model.Task{}).Error)
}

func (s pgOps) FailTask(ctx context.Context, taskID uuid.UUID, errMsg string, retryDelay time.Duration) error {
	return classify("fail task", s.db.WithContext(ctx).Model(&model.Task{}).Where("id = ?", taskID).Updates(map[string]interface{}{
		"retry_count": gorm.Expr("retry_count + 1"),
		"retry_at":    time.Now().Add(retryDelay),
		"last_error":  errMsg,
	}).Error)
}

var (
	_ registrystore.Store = (*PostgresStore)(nil)
	_ registrystore.Tx    = (*pgTx)(nil)
)
