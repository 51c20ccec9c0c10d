package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"flownote/pkg/domain"
)

const migrateLockID int64 = 51966021

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &ConversationModel{}, &MessageModel{}, &PrintModel{}, &EventModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				DELETE FROM message_models m
				WHERE NOT EXISTS (SELECT 1 FROM conversation_models c WHERE c.id = m.conversation_id);
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'message_models'
					AND constraint_name = 'message_models_conversation_id_fkey'
				) THEN
					ALTER TABLE message_models
					ADD CONSTRAINT message_models_conversation_id_fkey
					FOREIGN KEY (conversation_id) REFERENCES conversation_models(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure message foreign keys: %w", err)
		}
		if err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_conversation_participants ON conversation_models USING GIN (participants)`).Error; err != nil {
			return fmt.Errorf("ensure participants index: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

// jsonArrayOf encodes id as a one-element JSON array for @> containment,
// which the GIN index on participants can serve.
func jsonArrayOf(id string) string {
	b, _ := json.Marshal([]string{id})
	return string(b)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveUser registers or updates a user.
func (s *GormStore) SaveUser(ctx context.Context, u domain.User) error {
	model := userToModel(u)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "name", "password_hash", "role", "school_id", "updated_at"}),
	}).Create(&model).Error
	// the id conflict is absorbed by the upsert, so a unique violation here is the email index
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateEmail
	}
	return err
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// HasUserEmail checks if email exists.
func (s *GormStore) HasUserEmail(ctx context.Context, email string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&UserModel{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListUsersBySchool returns a school's users ordered by name; an empty role
// matches every role.
func (s *GormStore) ListUsersBySchool(ctx context.Context, schoolID string, role domain.UserRole) ([]domain.User, error) {
	tx := s.db.WithContext(ctx).Where("school_id = ?", schoolID)
	if role != "" {
		tx = tx.Where("role = ?", string(role))
	}
	var models []UserModel
	if err := tx.Order("name ASC").Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	return usersFromModels(models), nil
}

// SearchUsersByName matches a case-insensitive name prefix within a school.
func (s *GormStore) SearchUsersByName(ctx context.Context, schoolID, prefix string, limit int) ([]domain.User, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := escapeLike(strings.ToLower(prefix)) + "%"
	var models []UserModel
	if err := s.db.WithContext(ctx).
		Where("school_id = ? AND lower(name) LIKE ? ESCAPE '\\'", schoolID, pattern).
		Order("name ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	return usersFromModels(models), nil
}

// CreateConversationIfAbsent inserts the conversation unless a row with the
// same id already exists. It reports whether a row was created.
func (s *GormStore) CreateConversationIfAbsent(ctx context.Context, c domain.Conversation) (bool, error) {
	model, err := conversationToModel(c)
	if err != nil {
		return false, err
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(&model)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// GetConversation returns one conversation by ID.
func (s *GormStore) GetConversation(ctx context.Context, id string) (domain.Conversation, bool, error) {
	var model ConversationModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, err
	}
	conversation, err := conversationFromModel(model)
	if err != nil {
		return domain.Conversation{}, false, err
	}
	return conversation, true, nil
}

// ListConversationsByParticipant returns conversations containing userID,
// most recent activity first.
func (s *GormStore) ListConversationsByParticipant(ctx context.Context, userID string) ([]domain.Conversation, error) {
	var models []ConversationModel
	if err := s.db.WithContext(ctx).
		Where("participants @> CAST(? AS jsonb)", jsonArrayOf(userID)).
		Order("last_message_at DESC").
		Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]domain.Conversation, 0, len(models))
	for _, model := range models {
		conversation, err := conversationFromModel(model)
		if err != nil {
			return nil, err
		}
		items = append(items, conversation)
	}
	return items, nil
}

// AppendMessage records a message and refreshes the owning conversation's
// last-message snapshot in one transaction.
func (s *GormStore) AppendMessage(ctx context.Context, msg domain.Message) error {
	model, err := messageToModel(msg)
	if err != nil {
		return err
	}
	snapshot, err := json.Marshal(snapshotOf(msg))
	if err != nil {
		return fmt.Errorf("encode last message: %w", err)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			if errors.Is(err, gorm.ErrForeignKeyViolated) {
				return ErrNotFound
			}
			return err
		}
		res := tx.Model(&ConversationModel{}).
			Where("id = ?", msg.ConversationID).
			Updates(map[string]any{
				"last_message":    datatypes.JSON(snapshot),
				"last_message_at": msg.CreatedAt.UTC(),
				"updated_at":      time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ListConversationMessages returns the latest limit messages of a conversation
// in chronological order. A non-positive limit returns every message.
func (s *GormStore) ListConversationMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	query := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID).
		Order("created_at DESC").
		Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var models []MessageModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for i := len(models) - 1; i >= 0; i-- {
		msg, err := messageFromModel(models[i])
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// MarkConversationRead adds userID to readBy of every message that lacks it.
func (s *GormStore) MarkConversationRead(ctx context.Context, conversationID, userID string) (int64, error) {
	res := s.db.WithContext(ctx).Model(&MessageModel{}).
		Where("conversation_id = ? AND NOT (read_by @> CAST(? AS jsonb))", conversationID, jsonArrayOf(userID)).
		Updates(map[string]any{
			"read_by":    gorm.Expr("read_by || jsonb_build_array(CAST(? AS text))", userID),
			"is_read":    true,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// CountUnread counts messages in a conversation that userID has not read.
func (s *GormStore) CountUnread(ctx context.Context, conversationID, userID string) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&MessageModel{}).
		Where("conversation_id = ? AND NOT (read_by @> CAST(? AS jsonb))", conversationID, jsonArrayOf(userID)).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// SavePrint stores or updates a print.
func (s *GormStore) SavePrint(ctx context.Context, p domain.Print) error {
	model := printToModel(p)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "description", "category", "updated_at"}),
	}).Create(&model).Error
}

// GetPrint retrieves a print.
func (s *GormStore) GetPrint(ctx context.Context, id string) (domain.Print, bool, error) {
	var model PrintModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Print{}, false, nil
		}
		return domain.Print{}, false, err
	}
	return printFromModel(model), true, nil
}

// ListPrints returns a school's prints, newest first.
func (s *GormStore) ListPrints(ctx context.Context, filter PrintFilter) ([]domain.Print, error) {
	tx := s.db.WithContext(ctx).Where("school_id = ?", filter.SchoolID)
	if filter.Category != "" {
		tx = tx.Where("category = ?", filter.Category)
	}
	if filter.Limit > 0 {
		tx = tx.Limit(filter.Limit)
	}
	var models []PrintModel
	if err := tx.Order("created_at DESC").Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Print, 0, len(models))
	for _, m := range models {
		res = append(res, printFromModel(m))
	}
	return res, nil
}

// ListPrintCategories returns the distinct non-empty categories of a school, sorted.
func (s *GormStore) ListPrintCategories(ctx context.Context, schoolID string) ([]string, error) {
	var categories []string
	if err := s.db.WithContext(ctx).Model(&PrintModel{}).
		Where("school_id = ? AND category <> ''", schoolID).
		Distinct("category").
		Order("category ASC").
		Pluck("category", &categories).Error; err != nil {
		return nil, err
	}
	return categories, nil
}

// DeletePrint removes a print row.
func (s *GormStore) DeletePrint(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&PrintModel{}, "id = ?", id).Error
}

// SaveEvent stores or updates an event.
func (s *GormStore) SaveEvent(ctx context.Context, e domain.Event) error {
	model, err := eventToModel(e)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "description", "date", "location", "items", "updated_at"}),
	}).Create(&model).Error
}

// GetEvent retrieves an event.
func (s *GormStore) GetEvent(ctx context.Context, id string) (domain.Event, bool, error) {
	var model EventModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Event{}, false, nil
		}
		return domain.Event{}, false, err
	}
	event, err := eventFromModel(model)
	if err != nil {
		return domain.Event{}, false, err
	}
	return event, true, nil
}

// ListEvents returns a school's events within the filter's date range.
func (s *GormStore) ListEvents(ctx context.Context, filter EventFilter) ([]domain.Event, error) {
	tx := s.db.WithContext(ctx).Where("school_id = ?", filter.SchoolID)
	if filter.From != nil {
		tx = tx.Where("date >= ?", filter.From.UTC())
	}
	if filter.To != nil {
		tx = tx.Where("date <= ?", filter.To.UTC())
	}
	if filter.Descending {
		tx = tx.Order("date DESC")
	} else {
		tx = tx.Order("date ASC")
	}
	if filter.Limit > 0 {
		tx = tx.Limit(filter.Limit)
	}
	var models []EventModel
	if err := tx.Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Event, 0, len(models))
	for _, m := range models {
		event, err := eventFromModel(m)
		if err != nil {
			return nil, err
		}
		res = append(res, event)
	}
	return res, nil
}

// DeleteEvent removes an event row.
func (s *GormStore) DeleteEvent(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&EventModel{}, "id = ?", id).Error
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}
