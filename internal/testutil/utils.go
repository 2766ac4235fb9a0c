package testutil

import (
	"context"
	"fmt"
	"testing"

	"github.com/npezzotti/gochat-rooms/internal/database"
	"github.com/rs/zerolog"
)

func TestLogger(t *testing.T) zerolog.Logger {
	return zerolog.New(zerolog.NewTestWriter(t)).With().Timestamp().Logger()
}

// NewStore returns a migrated in-memory SQLite store that is closed when
// the test ends.
func NewStore(t *testing.T) *database.Store {
	t.Helper()

	store, err := database.NewSqliteGoChatRepository(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate store: %v", err)
	}

	return store
}

// CreateUsers seeds one account per username and returns them in order.
func CreateUsers(t *testing.T, store database.GoChatRepository, usernames ...string) []database.User {
	t.Helper()

	users := make([]database.User, 0, len(usernames))
	for _, name := range usernames {
		u, err := store.CreateAccount(context.Background(), database.CreateAccountParams{
			Username:     name,
			EmailAddress: fmt.Sprintf("%s@example.com", name),
			PasswordHash: "not-a-real-hash",
		})
		if err != nil {
			t.Fatalf("create account %q: %v", name, err)
		}
		users = append(users, u)
	}

	return users
}
