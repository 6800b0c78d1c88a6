package dbstore

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

func TestGetTextFound(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer sqlDB.Close()

	store := NewSQLStore(sqlDB)
	now := time.Now()

	mock.ExpectQuery(`SELECT text_id, user_id, filename, title, content, char_count, object_key, created_at, updated_at\s+FROM texts WHERE text_id = \$1 AND is_deleted = FALSE`).
		WithArgs("text-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"text_id", "user_id", "filename", "title", "content", "char_count", "object_key", "created_at", "updated_at",
		}).AddRow("text-1", "user-1", "text-1.txt", "", "Alice: hi", 9, sql.NullString{}, now, now))

	got, err := store.GetText(context.Background(), "text-1")
	if err != nil {
		t.Fatalf("GetText: %v", err)
	}
	if got == nil || got.TextID != "text-1" || got.Content != "Alice: hi" {
		t.Fatalf("unexpected result: %+v", got)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unfulfilled expectations: %v", err)
	}
}

func TestGetTextNotFound(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer sqlDB.Close()

	store := NewSQLStore(sqlDB)

	mock.ExpectQuery(`SELECT text_id, user_id, filename, title, content, char_count, object_key, created_at, updated_at\s+FROM texts WHERE text_id = \$1 AND is_deleted = FALSE`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	got, err := store.GetText(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetText: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestInsertAudioToleratesUniqueViolation(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer sqlDB.Close()

	store := NewSQLStore(sqlDB)

	mock.ExpectExec(`INSERT INTO audios`).
		WithArgs("text-1", "user-1", "audio.mp3", "key/audio.mp3", 0, int64(1024), 1).
		WillReturnError(&pq.Error{Code: "23505"})

	err = store.InsertAudio(context.Background(), Audio{
		TextID:     "text-1",
		UserID:     "user-1",
		Filename:   "audio.mp3",
		ObjectKey:  "key/audio.mp3",
		SizeBytes:  1024,
		VersionNum: 1,
	})
	if err != nil {
		t.Fatalf("expected unique violation to be tolerated, got: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unfulfilled expectations: %v", err)
	}
}

func TestInsertAudioPropagatesOtherErrors(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer sqlDB.Close()

	store := NewSQLStore(sqlDB)

	mock.ExpectExec(`INSERT INTO audios`).
		WithArgs("text-1", "user-1", "audio.mp3", "key/audio.mp3", 0, int64(1024), 1).
		WillReturnError(fmt.Errorf("connection reset"))

	err = store.InsertAudio(context.Background(), Audio{
		TextID:     "text-1",
		UserID:     "user-1",
		Filename:   "audio.mp3",
		ObjectKey:  "key/audio.mp3",
		SizeBytes:  1024,
		VersionNum: 1,
	})
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestNextVersion(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer sqlDB.Close()

	store := NewSQLStore(sqlDB)

	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version_num\), 0\) \+ 1 FROM audios WHERE text_id = \$1`).
		WithArgs("text-1").
		WillReturnRows(sqlmock.NewRows([]string{"next"}).AddRow(3))

	got, err := store.NextVersion(context.Background(), "text-1")
	if err != nil {
		t.Fatalf("NextVersion: %v", err)
	}
	if got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
}
