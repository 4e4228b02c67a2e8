package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// PersistStatus is the lifecycle state of a chat session.
type PersistStatus string

const (
	SessionActive   PersistStatus = "active"
	SessionArchived PersistStatus = "archived"
	SessionDeleted  PersistStatus = "deleted"
)

// MessageRole enumerates chat message roles.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
	RoleSystem    MessageRole = "system"
)

// BlockType enumerates the structured block kinds inside a message.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockThinking   BlockType = "thinking"
	BlockRetrieval  BlockType = "retrieval"
	BlockToolCall   BlockType = "tool_call"
	BlockToolResult BlockType = "tool_result"
	BlockImage      BlockType = "image"
	BlockFile       BlockType = "file"
)

// ChatSession is one conversation. IDs carry the sess_/agent_/subagent_ prefix.
type ChatSession struct {
	ID            string        `gorm:"type:text;primaryKey" json:"id"`
	Mode          string        `gorm:"type:text;not null" json:"mode"`
	Title         string        `gorm:"type:text" json:"title,omitempty"`
	Description   string        `gorm:"type:text" json:"description,omitempty"`
	PersistStatus PersistStatus `gorm:"type:text;not null;default:active;index:idx_sessions_status" json:"persist_status"`
	Metadata      JSONMap       `gorm:"type:text" json:"metadata,omitempty"`
	GroupID       string        `gorm:"type:text;index:idx_sessions_group" json:"group_id,omitempty"`
	SummaryHash   string        `gorm:"type:text" json:"summary_hash,omitempty"`
	TagsHash      string        `gorm:"type:text" json:"tags_hash,omitempty"`
	Tags          StringArray   `gorm:"type:text" json:"tags,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// TableName returns the database table name for ChatSession.
func (ChatSession) TableName() string {
	return "chat_sessions"
}

// ContextRef links a message to a resource it depended on.
type ContextRef struct {
	ResourceID  string `json:"resource_id"`
	ContentHash string `json:"content_hash"`
	Kind        string `json:"kind"`
}

// ContextSnapshot carries the refs a message was generated against.
type ContextSnapshot struct {
	RetrievalRefs []ContextRef `json:"retrievalRefs,omitempty"`
	MemoryRefs    []ContextRef `json:"memoryRefs,omitempty"`
}

// AllRefs returns every ref in the snapshot, duplicates preserved.
func (s *ContextSnapshot) AllRefs() []ContextRef {
	if s == nil {
		return nil
	}
	refs := make([]ContextRef, 0, len(s.RetrievalRefs)+len(s.MemoryRefs))
	refs = append(refs, s.RetrievalRefs...)
	refs = append(refs, s.MemoryRefs...)
	return refs
}

// MessageMeta is the persisted metadata of a message.
type MessageMeta struct {
	ContextSnapshot *ContextSnapshot       `json:"context_snapshot,omitempty"`
	Extra           map[string]interface{} `json:"extra,omitempty"`
}

// Value implements the driver.Valuer interface.
func (m MessageMeta) Value() (driver.Value, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface.
func (m *MessageMeta) Scan(value interface{}) error {
	if value == nil {
		*m = MessageMeta{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan MessageMeta")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, m)
}

// ChatMessage is one append-only message within a session, totally ordered
// by Sequence.
type ChatMessage struct {
	ID        string      `gorm:"type:text;primaryKey" json:"id"`
	SessionID string      `gorm:"type:text;not null;index:idx_messages_session;uniqueIndex:idx_messages_seq" json:"session_id"`
	Role      MessageRole `gorm:"type:text;not null" json:"role"`
	Sequence  int64       `gorm:"not null;uniqueIndex:idx_messages_seq" json:"sequence"`
	Meta      MessageMeta `gorm:"type:text" json:"meta"`
	CreatedAt time.Time   `json:"created_at"`
}

// TableName returns the database table name for ChatMessage.
func (ChatMessage) TableName() string {
	return "chat_messages"
}

// MessageBlock is a structured child of a message, ordered by BlockIndex.
// Block IDs carry the blk_ prefix.
type MessageBlock struct {
	ID         string    `gorm:"type:text;primaryKey" json:"id"`
	MessageID  string    `gorm:"type:text;not null;index:idx_blocks_message" json:"message_id"`
	SessionID  string    `gorm:"type:text;not null;index:idx_blocks_session" json:"session_id"`
	BlockType  BlockType `gorm:"type:text;not null" json:"block_type"`
	BlockIndex int       `gorm:"not null" json:"block_index"`
	Content    string    `gorm:"type:text" json:"content"`
	Metadata   JSONMap   `gorm:"type:text" json:"metadata,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName returns the database table name for MessageBlock.
func (MessageBlock) TableName() string {
	return "message_blocks"
}

// SessionSequence is the per-session monotonic message counter. The row is
// cleared on session delete.
type SessionSequence struct {
	SessionID string `gorm:"type:text;primaryKey" json:"session_id"`
	NextSeq   int64  `gorm:"not null;default:0" json:"next_seq"`
}

// TableName returns the database table name for SessionSequence.
func (SessionSequence) TableName() string {
	return "session_sequences"
}

// SubagentTask records a spawned child session for a subagent tool call.
type SubagentTask struct {
	ID              string    `gorm:"type:text;primaryKey" json:"id"`
	ParentSessionID string    `gorm:"type:text;not null;index:idx_subagent_parent" json:"parent_session_id"`
	ChildSessionID  string    `gorm:"type:text;not null" json:"child_session_id"`
	Depth           int       `gorm:"not null" json:"depth"`
	Prompt          string    `gorm:"type:text" json:"prompt"`
	Status          string    `gorm:"type:text;not null;default:pending" json:"status"`
	CreatedAt       time.Time `json:"created_at"`
}

// TableName returns the database table name for SubagentTask.
func (SubagentTask) TableName() string {
	return "subagent_tasks"
}
