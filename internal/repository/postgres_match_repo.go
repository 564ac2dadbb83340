package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresMatchRepo はPostgreSQLを使用したマッチングリポジトリ。
type PostgresMatchRepo struct {
	db *sql.DB
}

// NewPostgresMatchRepo はPostgresMatchRepoを生成する。
func NewPostgresMatchRepo(db *sql.DB) *PostgresMatchRepo {
	return &PostgresMatchRepo{db: db}
}

// MarkMessaged は athlete_status を 'messaged' に更新する。
// すでに 'messaged' の行は更新しない。
func (r *PostgresMatchRepo) MarkMessaged(ctx context.Context, playerID, coachID string) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE school_matches
		 SET athlete_status = 'messaged', updated_at = now()
		 WHERE player_id = $1 AND coach_id = $2 AND athlete_status <> 'messaged'`,
		playerID, coachID,
	)
	if err != nil {
		return 0, fmt.Errorf("マッチ状態の更新に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ MatchRepository = (*PostgresMatchRepo)(nil)
