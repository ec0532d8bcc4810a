package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"ms-admission/internal/models"
)

// NewSQLiteDB opens a private in-memory database with the service schema.
// A single connection serializes writers the way row locks would.
func NewSQLiteDB(t *testing.T) *bun.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%s?mode=memory&cache=shared", name, uuid.NewString()[:8])
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqldb.SetMaxOpenConns(1)

	bunDB := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { _ = bunDB.Close() })

	ctx := context.Background()
	for _, model := range []any{
		(*models.User)(nil),
		(*models.Event)(nil),
		(*models.Ticket)(nil),
		(*models.ValidationLog)(nil),
	} {
		if _, err := bunDB.NewCreateTable().Model(model).Exec(ctx); err != nil {
			t.Fatalf("failed to create table for %T: %v", model, err)
		}
	}
	return bunDB
}

// Fixture is a user and an event stored in a test database.
type Fixture struct {
	User  *models.User
	Event *models.Event
}

// SeedFixture inserts one user and one event starting at eventDate and
// lasting durationDays.
func SeedFixture(t *testing.T, db *bun.DB, eventDate time.Time, durationDays int) Fixture {
	t.Helper()
	ctx := context.Background()

	user := &models.User{
		ID:        uuid.NewString(),
		Email:     uuid.NewString()[:8] + "@example.com",
		FullName:  "Alice Wonderland",
		Phone:     "+525512345678",
		CreatedAt: time.Now(),
	}
	if _, err := db.NewInsert().Model(user).Exec(ctx); err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}

	event := &models.Event{
		ID:                uuid.NewString(),
		Name:              "Semana de Ingeniería",
		Location:          "Auditorio Principal",
		EventDate:         eventDate,
		EventDurationDays: durationDays,
		CreatedAt:         time.Now(),
	}
	if _, err := db.NewInsert().Model(event).Exec(ctx); err != nil {
		t.Fatalf("failed to seed event: %v", err)
	}
	return Fixture{User: user, Event: event}
}
