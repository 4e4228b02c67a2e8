package chat

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/yuelin/studydesk/internal/catalog"
	"github.com/yuelin/studydesk/internal/domain"
	"github.com/yuelin/studydesk/internal/logger"
)

func newTestStore(t *testing.T) (*Store, *catalog.ResourceRepo) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&domain.ChatSession{}, &domain.ChatMessage{}, &domain.MessageBlock{},
		&domain.SessionSequence{}, &domain.SubagentTask{},
		&domain.Resource{},
	))
	resources := catalog.NewResourceRepo(db)
	return NewStore(db, resources, logger.New(&logger.Config{Level: "error"})), resources
}

func TestCreateSessionValidatesPrefixAndMode(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	session, err := store.CreateSession(ctx, domain.PrefixSession, "chat", nil)
	require.NoError(t, err)
	require.Equal(t, domain.SessionActive, session.PersistStatus)

	_, err = store.CreateSession(ctx, "bogus_", "chat", nil)
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = store.CreateSession(ctx, domain.PrefixSession, "  ", nil)
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestSequencesAreMonotonicPerSession(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	a, err := store.CreateSession(ctx, domain.PrefixSession, "chat", nil)
	require.NoError(t, err)
	b, err := store.CreateSession(ctx, domain.PrefixSession, "chat", nil)
	require.NoError(t, err)

	for want := int64(1); want <= 3; want++ {
		msg, err := store.AppendMessage(ctx, a.ID, domain.RoleUser, domain.MessageMeta{})
		require.NoError(t, err)
		require.Equal(t, want, msg.Sequence)
	}

	// Counters are independent per session.
	msg, err := store.AppendMessage(ctx, b.ID, domain.RoleUser, domain.MessageMeta{})
	require.NoError(t, err)
	require.Equal(t, int64(1), msg.Sequence)
}

func TestListMessagesReturnsAscendingTail(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	session, err := store.CreateSession(ctx, domain.PrefixSession, "chat", nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := store.AppendMessage(ctx, session.ID, domain.RoleUser, domain.MessageMeta{})
		require.NoError(t, err)
	}

	messages, err := store.ListMessages(ctx, session.ID, 3)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	// The most recent three, oldest first.
	require.Equal(t, int64(3), messages[0].Sequence)
	require.Equal(t, int64(5), messages[2].Sequence)
}

func TestSoftDeleteAndRestoreSession(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	session, err := store.CreateSession(ctx, domain.PrefixSession, "chat", nil)
	require.NoError(t, err)

	require.NoError(t, store.SoftDeleteSession(ctx, session.ID))
	got, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SessionDeleted, got.PersistStatus)

	require.NoError(t, store.RestoreSession(ctx, session.ID))
	got, err = store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SessionActive, got.PersistStatus)
}

func TestSaveAndListBlocks(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	session, err := store.CreateSession(ctx, domain.PrefixSession, "chat", nil)
	require.NoError(t, err)
	msg, err := store.AppendMessage(ctx, session.ID, domain.RoleAssistant, domain.MessageMeta{})
	require.NoError(t, err)

	for i, content := range []string{"thinking...", "the answer"} {
		blockType := domain.BlockThinking
		if i == 1 {
			blockType = domain.BlockText
		}
		require.NoError(t, store.SaveBlock(ctx, &domain.MessageBlock{
			MessageID:  msg.ID,
			SessionID:  session.ID,
			BlockType:  blockType,
			BlockIndex: i,
			Content:    content,
		}))
	}

	blocks, err := store.ListBlocks(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	require.Equal(t, domain.BlockThinking, blocks[0].BlockType)
	require.Equal(t, "the answer", blocks[1].Content)
}

func TestPurgeSessionDecrementsRefsPerOccurrence(t *testing.T) {
	store, resources := newTestStore(t)
	ctx := context.Background()

	// A retrieval resource referenced twice across the session's messages.
	res := &domain.Resource{
		ID:           domain.NewID(domain.PrefixResource),
		ResourceType: domain.ResourceRetrieval,
		Title:        "snapshot",
		RefCount:     3,
	}
	require.NoError(t, store.db.Create(res).Error)

	session, err := store.CreateSession(ctx, domain.PrefixSession, "chat", nil)
	require.NoError(t, err)
	ref := domain.ContextRef{ResourceID: res.ID, Kind: "rag"}
	_, err = store.AppendMessage(ctx, session.ID, domain.RoleAssistant, domain.MessageMeta{
		ContextSnapshot: &domain.ContextSnapshot{RetrievalRefs: []domain.ContextRef{ref}},
	})
	require.NoError(t, err)
	_, err = store.AppendMessage(ctx, session.ID, domain.RoleAssistant, domain.MessageMeta{
		ContextSnapshot: &domain.ContextSnapshot{RetrievalRefs: []domain.ContextRef{ref}},
	})
	require.NoError(t, err)

	require.NoError(t, store.PurgeSession(ctx, session.ID))

	_, err = store.GetSession(ctx, session.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)

	got, err := resources.Get(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), got.RefCount)
}

func TestPurgeMissingSessionIsNotFound(t *testing.T) {
	store, _ := newTestStore(t)
	err := store.PurgeSession(context.Background(), domain.NewID(domain.PrefixSession))
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSessionDepthWalksSubagentChain(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	root, err := store.CreateSession(ctx, domain.PrefixSession, "chat", nil)
	require.NoError(t, err)
	child, err := store.CreateSession(ctx, domain.PrefixSubagent, "worker", nil)
	require.NoError(t, err)
	grandchild, err := store.CreateSession(ctx, domain.PrefixSubagent, "worker", nil)
	require.NoError(t, err)

	_, err = store.CreateSubagentTask(ctx, root.ID, child.ID, "summarize", 1)
	require.NoError(t, err)
	_, err = store.CreateSubagentTask(ctx, child.ID, grandchild.ID, "dig deeper", 2)
	require.NoError(t, err)

	depth, err := store.SessionDepth(ctx, root.ID)
	require.NoError(t, err)
	require.Equal(t, 0, depth)

	depth, err = store.SessionDepth(ctx, grandchild.ID)
	require.NoError(t, err)
	require.Equal(t, 2, depth)
}
