// ABOUTME: Benchmarks for the hot cache paths
// ABOUTME: Delta appends, full saves under eviction pressure, and list reads
package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/harper/chatsync/internal/models"
)

func benchStorage(b *testing.B, opts ...Option) *Storage {
	b.Helper()
	store, err := NewStorageInMemory(opts...)
	if err != nil {
		b.Fatalf("NewStorageInMemory() error = %v", err)
	}
	b.Cleanup(func() { _ = store.Close() })
	return store
}

func benchMessages(convID string, n int, start time.Time) []models.Message {
	msgs := make([]models.Message, n)
	for i := range msgs {
		msgs[i] = models.Message{
			ID:             fmt.Sprintf("%s_m%06d", convID, i),
			ConversationID: convID,
			OwnerID:        "bench",
			Role:           models.RoleUser,
			Content:        "benchmark message body",
			CreatedAt:      start.Add(time.Duration(i) * time.Second),
		}
	}
	return msgs
}

func BenchmarkAppendMessages(b *testing.B) {
	store := benchStorage(b)
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msgs := benchMessages(fmt.Sprintf("conv_%d", i%10), 10, start.Add(time.Duration(i)*time.Minute))
		for j := range msgs {
			msgs[j].ID = fmt.Sprintf("b%d_%d", i, j)
		}
		if _, err := store.AppendMessages(ctx, "bench", msgs[0].ConversationID, msgs); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkSaveWithEviction(b *testing.B) {
	store := benchStorage(b, WithMaxCached(20))
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id := fmt.Sprintf("conv_%d", i)
		conv := &models.Conversation{
			ID:        id,
			OwnerID:   "bench",
			Title:     "bench",
			Mode:      models.ModeText,
			CreatedAt: start,
			UpdatedAt: start,
		}
		if err := store.Save(ctx, conv, benchMessages(id, 20, start)); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkGetAll(b *testing.B) {
	store := benchStorage(b)
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 50; i++ {
		conv := &models.Conversation{
			ID:        fmt.Sprintf("conv_%d", i),
			OwnerID:   "bench",
			Title:     "bench",
			Mode:      models.ModeText,
			CreatedAt: start,
			UpdatedAt: start.Add(time.Duration(i) * time.Minute),
		}
		if err := store.UpsertConversation(ctx, conv); err != nil {
			b.Fatal(err)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := store.GetAll(ctx, "bench"); err != nil {
			b.Fatal(err)
		}
	}
}
