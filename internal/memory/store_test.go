package memory

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/smartflowcrm/voicecore/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openSQLiteStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.MemoryConfig{
		Path:          filepath.Join(t.TempDir(), "memory.db"),
		RetentionMode: "session",
		RetentionDays: 30,
	}
	store, err := Open(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAppendAndListTurns(t *testing.T) {
	ctx := context.Background()
	store := openSQLiteStore(t)

	if err := store.EnsureSession(ctx, "sess-1", "acme"); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	for i, content := range []string{"merhaba", "size nasıl yardımcı olabilirim", "randevu almak istiyorum"} {
		role := RoleUser
		if i == 1 {
			role = RoleAssistant
		}
		if err := store.AppendTurn(ctx, Turn{SessionID: "sess-1", TenantID: "acme", Role: role, Content: content}); err != nil {
			t.Fatalf("append turn: %v", err)
		}
	}

	turns, err := store.Turns(ctx, "sess-1", 10)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(turns))
	}
	if turns[0].Content != "merhaba" || turns[2].Content != "randevu almak istiyorum" {
		t.Fatalf("turns out of order: %+v", turns)
	}
	for _, turn := range turns {
		if turn.CreatedAt.IsZero() {
			t.Fatalf("created_at lost on round trip: %+v", turn)
		}
	}

	// Limit returns the most recent turns, still chronological.
	turns, err = store.Turns(ctx, "sess-1", 2)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(turns) != 2 || turns[0].Role != RoleAssistant {
		t.Fatalf("unexpected limited turns: %+v", turns)
	}
}

func TestEphemeralStoreKeepsBoundedHistory(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, config.MemoryConfig{Path: "ignored", RetentionMode: "ephemeral"}, testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if store.DB() != nil {
		t.Fatal("ephemeral store must not open a database")
	}

	for i := 0; i < ephemeralCap+10; i++ {
		content := "turn"
		if i == ephemeralCap+9 {
			content = "last"
		}
		if err := store.AppendTurn(ctx, Turn{SessionID: "s", Role: RoleUser, Content: content}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	turns, err := store.Turns(ctx, "s", ephemeralCap*2)
	if err != nil {
		t.Fatalf("turns: %v", err)
	}
	if len(turns) != ephemeralCap {
		t.Fatalf("expected history capped at %d, got %d", ephemeralCap, len(turns))
	}
	if turns[len(turns)-1].Content != "last" {
		t.Fatal("cap should drop oldest turns, not newest")
	}
}

func TestRetrieveRanksBySimilarity(t *testing.T) {
	ctx := context.Background()
	store := openSQLiteStore(t)
	if err := store.EnsureSession(ctx, "sess-1", "acme"); err != nil {
		t.Fatalf("ensure session: %v", err)
	}

	history := []string{
		"randevu saatimi değiştirmek istiyorum",
		"hava bugün çok güzel",
		"randevu için hangi saat uygun",
		"fatura adresim değişti",
	}
	for _, content := range history {
		if err := store.AppendTurn(ctx, Turn{SessionID: "sess-1", Role: RoleUser, Content: content}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	scored, err := store.Retrieve(ctx, "sess-1", "randevu saat", 2, 0.1)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(scored) != 2 {
		t.Fatalf("expected 2 results, got %d", len(scored))
	}
	for _, s := range scored {
		if !strings.Contains(s.Turn.Content, "randevu") {
			t.Fatalf("irrelevant turn retrieved: %+v", s)
		}
		if s.Similarity < 0.1 {
			t.Fatalf("similarity below floor: %+v", s)
		}
	}
	if scored[0].Similarity < scored[1].Similarity {
		t.Fatal("results not sorted by similarity")
	}
}

func TestRetrieveFloorExcludesWeakMatches(t *testing.T) {
	ctx := context.Background()
	store := openSQLiteStore(t)
	if err := store.EnsureSession(ctx, "s", "acme"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := store.AppendTurn(ctx, Turn{SessionID: "s", Role: RoleUser, Content: "hava durumu nasıl bugün"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	scored, err := store.Retrieve(ctx, "s", "randevu iptal etmek istiyorum", 5, 0.2)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(scored) != 0 {
		t.Fatalf("expected no results above floor, got %+v", scored)
	}
}

func TestBuildContext(t *testing.T) {
	recent := []Turn{
		{Role: RoleUser, Content: "merhaba"},
		{Role: RoleAssistant, Content: "Size nasıl yardımcı olabilirim?"},
	}
	retrieved := []Scored{
		{Turn: Turn{Role: RoleUser, Content: "randevu saatim neydi"}, Similarity: 0.8},
	}

	text := BuildContext(recent, retrieved)
	if !strings.Contains(text, "İlgili geçmiş:") || !strings.Contains(text, "Son konuşma:") {
		t.Fatalf("missing sections in context:\n%s", text)
	}
	if !strings.Contains(text, "randevu saatim neydi") || !strings.Contains(text, "merhaba") {
		t.Fatalf("missing content in context:\n%s", text)
	}
	if BuildContext(nil, nil) != "" {
		t.Fatal("empty inputs should produce empty context")
	}
}

func TestPruneByRetentionDays(t *testing.T) {
	ctx := context.Background()
	store := openSQLiteStore(t)

	now := time.Now()
	store.clock = func() time.Time { return now }

	if err := store.EnsureSession(ctx, "old", "acme"); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	old := Turn{SessionID: "old", Role: RoleUser, Content: "eski konuşma", CreatedAt: now.Add(-40 * 24 * time.Hour)}
	if err := store.AppendTurn(ctx, old); err != nil {
		t.Fatalf("append: %v", err)
	}
	fresh := Turn{SessionID: "old", Role: RoleUser, Content: "yeni konuşma", CreatedAt: now}
	if err := store.AppendTurn(ctx, fresh); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := store.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}
	turns, err := store.Turns(ctx, "old", 10)
	if err != nil {
		t.Fatalf("turns: %v", err)
	}
	if len(turns) != 1 || turns[0].Content != "yeni konuşma" {
		t.Fatalf("expected only fresh turn after prune, got %+v", turns)
	}
}
