package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/yuelin/studydesk/internal/catalog"
	"github.com/yuelin/studydesk/internal/domain"
	"github.com/yuelin/studydesk/internal/logger"
)

// Store owns the chat database: sessions, messages, blocks, and the
// per-session sequence counters.
type Store struct {
	db        *gorm.DB
	resources *catalog.ResourceRepo
	logger    *logger.Logger
}

// NewStore creates the chat store. resources is the catalog handle used for
// retrieval-reference accounting on purge.
func NewStore(db *gorm.DB, resources *catalog.ResourceRepo, log *logger.Logger) *Store {
	return &Store{db: db, resources: resources, logger: log}
}

// DB exposes the underlying handle.
func (s *Store) DB() *gorm.DB { return s.db }

// CreateSession inserts a new session. The ID prefix decides the session
// class: sess_ for user chats, agent_/subagent_ for worker sessions.
func (s *Store) CreateSession(ctx context.Context, prefix, mode string, metadata domain.JSONMap) (*domain.ChatSession, error) {
	if prefix != domain.PrefixSession && prefix != domain.PrefixAgent && prefix != domain.PrefixSubagent {
		return nil, domain.Validationf("invalid session prefix %q", prefix)
	}
	if strings.TrimSpace(mode) == "" {
		return nil, domain.Validationf("session mode is empty")
	}
	now := time.Now()
	session := &domain.ChatSession{
		ID:            domain.NewID(prefix),
		Mode:          mode,
		PersistStatus: domain.SessionActive,
		Metadata:      metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return nil, domain.WrapDatabase(err, "create session")
	}
	return session, nil
}

// GetSession loads a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*domain.ChatSession, error) {
	if !domain.SessionIDValid(id) {
		return nil, domain.Validationf("invalid session id %q", id)
	}
	var session domain.ChatSession
	if err := s.db.WithContext(ctx).First(&session, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NotFoundf("session", id)
		}
		return nil, domain.WrapDatabase(err, "get session")
	}
	return &session, nil
}

// ListSessions returns sessions by status, most recent first.
func (s *Store) ListSessions(ctx context.Context, status domain.PersistStatus, limit, offset int) ([]domain.ChatSession, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Model(&domain.ChatSession{})
	if status != "" {
		q = q.Where("persist_status = ?", status)
	}
	var sessions []domain.ChatSession
	if err := q.Order("updated_at DESC").Limit(limit).Offset(offset).Find(&sessions).Error; err != nil {
		return nil, domain.WrapDatabase(err, "list sessions")
	}
	return sessions, nil
}

// UpdateSessionSummary persists the generated title/description and the
// content hash that produced them.
func (s *Store) UpdateSessionSummary(ctx context.Context, id, title, description, summaryHash string) error {
	return s.updateSession(ctx, id, map[string]interface{}{
		"title":        title,
		"description":  description,
		"summary_hash": summaryHash,
	})
}

// UpdateSessionTags persists generated tags and their content hash.
func (s *Store) UpdateSessionTags(ctx context.Context, id string, tags []string, tagsHash string) error {
	return s.updateSession(ctx, id, map[string]interface{}{
		"tags":      domain.StringArray(tags),
		"tags_hash": tagsHash,
	})
}

func (s *Store) updateSession(ctx context.Context, id string, updates map[string]interface{}) error {
	if !domain.SessionIDValid(id) {
		return domain.Validationf("invalid session id %q", id)
	}
	updates["updated_at"] = time.Now()
	res := s.db.WithContext(ctx).Model(&domain.ChatSession{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return domain.WrapDatabase(res.Error, "update session")
	}
	if res.RowsAffected == 0 {
		return domain.NotFoundf("session", id)
	}
	return nil
}

// SoftDeleteSession marks a session deleted without touching its rows.
func (s *Store) SoftDeleteSession(ctx context.Context, id string) error {
	return s.updateSession(ctx, id, map[string]interface{}{"persist_status": domain.SessionDeleted})
}

// RestoreSession brings a soft-deleted session back to active.
func (s *Store) RestoreSession(ctx context.Context, id string) error {
	return s.updateSession(ctx, id, map[string]interface{}{"persist_status": domain.SessionActive})
}

// NextSequence atomically reserves the next message sequence for a session.
func (s *Store) NextSequence(ctx context.Context, sessionID string) (int64, error) {
	var seq int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		counter := &domain.SessionSequence{SessionID: sessionID}
		if err := tx.FirstOrCreate(counter, "session_id = ?", sessionID).Error; err != nil {
			return err
		}
		counter.NextSeq++
		seq = counter.NextSeq
		return tx.Model(&domain.SessionSequence{}).
			Where("session_id = ?", sessionID).
			Update("next_seq", counter.NextSeq).Error
	})
	if err != nil {
		return 0, domain.WrapDatabase(err, "next sequence")
	}
	return seq, nil
}

// AppendMessage inserts a message with the next sequence number.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, role domain.MessageRole, meta domain.MessageMeta) (*domain.ChatMessage, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	seq, err := s.NextSequence(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	msg := &domain.ChatMessage{
		ID:        domain.NewID(domain.PrefixMessage),
		SessionID: sessionID,
		Role:      role,
		Sequence:  seq,
		Meta:      meta,
		CreatedAt: time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, domain.WrapDatabase(err, "append message")
	}
	return msg, nil
}

// UpdateMessageMeta replaces a message's persisted metadata.
func (s *Store) UpdateMessageMeta(ctx context.Context, messageID string, meta domain.MessageMeta) error {
	if err := domain.ValidateID(messageID, domain.PrefixMessage); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&domain.ChatMessage{}).
		Where("id = ?", messageID).
		Update("meta", meta)
	if res.Error != nil {
		return domain.WrapDatabase(res.Error, "update message meta")
	}
	if res.RowsAffected == 0 {
		return domain.NotFoundf("message", messageID)
	}
	return nil
}

// ListMessages returns the most recent messages in ascending sequence order.
func (s *Store) ListMessages(ctx context.Context, sessionID string, limit int) ([]domain.ChatMessage, error) {
	if !domain.SessionIDValid(sessionID) {
		return nil, domain.Validationf("invalid session id %q", sessionID)
	}
	if limit <= 0 {
		limit = 50
	}
	var messages []domain.ChatMessage
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("sequence DESC").
		Limit(limit).
		Find(&messages).Error; err != nil {
		return nil, domain.WrapDatabase(err, "list messages")
	}
	// Reverse into ascending order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// SaveBlock persists a block under a message. Called synchronously from the
// pipeline and from tool executors so blocks survive a mid-stream crash.
func (s *Store) SaveBlock(ctx context.Context, block *domain.MessageBlock) error {
	if err := domain.ValidateID(block.MessageID, domain.PrefixMessage); err != nil {
		return err
	}
	if block.ID == "" {
		block.ID = domain.NewID(domain.PrefixBlock)
	}
	if err := domain.ValidateID(block.ID, domain.PrefixBlock); err != nil {
		return err
	}
	if block.CreatedAt.IsZero() {
		block.CreatedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(block).Error; err != nil {
		return domain.WrapDatabase(err, "save block")
	}
	return nil
}

// UpdateBlock replaces a block's content and metadata.
func (s *Store) UpdateBlock(ctx context.Context, blockID, content string, metadata domain.JSONMap) error {
	if err := domain.ValidateID(blockID, domain.PrefixBlock); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&domain.MessageBlock{}).
		Where("id = ?", blockID).
		Updates(map[string]interface{}{"content": content, "metadata": metadata})
	if res.Error != nil {
		return domain.WrapDatabase(res.Error, "update block")
	}
	if res.RowsAffected == 0 {
		return domain.NotFoundf("block", blockID)
	}
	return nil
}

// ListBlocks returns a message's blocks in order.
func (s *Store) ListBlocks(ctx context.Context, messageID string) ([]domain.MessageBlock, error) {
	var blocks []domain.MessageBlock
	if err := s.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("block_index ASC").
		Find(&blocks).Error; err != nil {
		return nil, domain.WrapDatabase(err, "list blocks")
	}
	return blocks, nil
}

// DeleteMessage hard-deletes one message and its blocks. The pipeline uses
// this to drop the assistant row when a cancel arrives before any output.
func (s *Store) DeleteMessage(ctx context.Context, messageID string) error {
	if err := domain.ValidateID(messageID, domain.PrefixMessage); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("message_id = ?", messageID).Delete(&domain.MessageBlock{}).Error; err != nil {
			return err
		}
		return tx.Delete(&domain.ChatMessage{}, "id = ?", messageID).Error
	})
	if err != nil {
		return domain.WrapDatabase(err, "delete message")
	}
	return nil
}

// PurgeSession hard-deletes a session and everything under it. Every resource
// referenced in any message's context snapshot gets one ref decrement per
// occurrence, mirroring the increments made when the refs were attached.
// Ref-accounting failures are logged, never fatal.
func (s *Store) PurgeSession(ctx context.Context, id string) error {
	if !domain.SessionIDValid(id) {
		return domain.Validationf("invalid session id %q", id)
	}

	var messages []domain.ChatMessage
	if err := s.db.WithContext(ctx).Where("session_id = ?", id).Find(&messages).Error; err != nil {
		return domain.WrapDatabase(err, "load messages for purge")
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Delete(&domain.MessageBlock{}).Error; err != nil {
			return err
		}
		if err := tx.Where("session_id = ?", id).Delete(&domain.ChatMessage{}).Error; err != nil {
			return err
		}
		if err := tx.Where("session_id = ?", id).Delete(&domain.SessionSequence{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&domain.ChatSession{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.NotFoundf("session", id)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return domain.WrapDatabase(err, "purge session")
	}

	// Decrement once per occurrence, duplicates included.
	for i := range messages {
		for _, ref := range messages[i].Meta.ContextSnapshot.AllRefs() {
			if ref.ResourceID == "" {
				continue
			}
			if _, err := s.resources.DecrementRef(ctx, ref.ResourceID); err != nil {
				s.logger.WithFields(logger.Fields{
					logger.FieldSessionID:  id,
					logger.FieldResourceID: ref.ResourceID,
				}).WithError(err).Warn("Failed to decrement retrieval ref on purge")
			}
		}
	}
	return nil
}

// CreateSubagentTask records a spawned child session.
func (s *Store) CreateSubagentTask(ctx context.Context, parentID, childID, prompt string, depth int) (*domain.SubagentTask, error) {
	task := &domain.SubagentTask{
		ID:              domain.NewID("task_"),
		ParentSessionID: parentID,
		ChildSessionID:  childID,
		Depth:           depth,
		Prompt:          prompt,
		Status:          "pending",
		CreatedAt:       time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(task).Error; err != nil {
		return nil, domain.WrapDatabase(err, "create subagent task")
	}
	return task, nil
}

// SessionDepth walks the subagent chain upward and reports nesting depth.
// Errors fail closed: callers must treat an error as "depth limit reached".
func (s *Store) SessionDepth(ctx context.Context, sessionID string) (int, error) {
	depth := 0
	current := sessionID
	for depth < 10 {
		var task domain.SubagentTask
		err := s.db.WithContext(ctx).
			Where("child_session_id = ?", current).
			First(&task).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return depth, nil
		}
		if err != nil {
			return depth, domain.WrapDatabase(err, "walk subagent chain")
		}
		depth++
		current = task.ParentSessionID
	}
	return depth, nil
}
