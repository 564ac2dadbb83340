package repository

import (
	"database/sql"
	"os"
	"testing"

	_ "github.com/lib/pq"

	"github.com/hitoshi/rallychat/internal/database"
)

// openTestDB はマイグレーション適用済みのテスト用DBを返す。
// TEST_DATABASE_URL が未設定、または接続できない場合はテストをスキップする。
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL が未設定のためスキップ")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("データベースへの接続に失敗: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Ping(); err != nil {
		t.Skipf("テスト用データベースに接続できません（スキップ）: %v", err)
	}
	if _, err := database.RunMigrations(dbURL); err != nil {
		t.Fatalf("マイグレーション実行に失敗: %v", err)
	}
	return db
}

func createProfile(t *testing.T, db *sql.DB, role, firstName string) string {
	t.Helper()
	var id string
	var name any
	if firstName != "" {
		name = firstName
	}
	err := db.QueryRow(
		`INSERT INTO profiles (id, role, first_name) VALUES (gen_random_uuid(), $1, $2) RETURNING id`,
		role, name,
	).Scan(&id)
	if err != nil {
		t.Fatalf("プロフィール挿入に失敗: %v", err)
	}
	return id
}
