// Package database はSQLiteデータベースの接続とスキーマ管理を提供する。
// embedされたマイグレーションSQLをバージョン管理テーブルで追跡しながら適用する。
package database

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log"
	"sort"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.up.sql
var migrationsFS embed.FS

// Open は指定パスのSQLiteデータベースを開き、未適用のマイグレーションを適用する。
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// OpenInMemory はインメモリSQLiteデータベースを開き、スキーマを適用する。
// テストでの使用を想定している。
func OpenInMemory() (*sql.DB, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("インメモリデータベースの作成に失敗: %w", err)
	}
	// インメモリDBは接続ごとに独立したDBになるため、接続を1本に固定する
	db.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate は未適用のマイグレーションをバージョン順に適用する。
// ファイル名形式: 000001_description.up.sql
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
		)
	`); err != nil {
		return fmt.Errorf("マイグレーション管理テーブルの作成に失敗: %w", err)
	}

	applied, err := appliedVersions(db)
	if err != nil {
		return fmt.Errorf("適用済みバージョンの取得に失敗: %w", err)
	}

	files, err := fs.Glob(migrationsFS, "migrations/*.up.sql")
	if err != nil {
		return fmt.Errorf("マイグレーションファイルの列挙に失敗: %w", err)
	}
	sort.Strings(files)

	for _, path := range files {
		version, name, ok := parseMigrationName(path)
		if !ok {
			continue
		}
		if applied[version] {
			continue
		}

		if err := apply(db, path, version); err != nil {
			return fmt.Errorf("マイグレーション %06d_%s の適用に失敗: %w", version, name, err)
		}
		log.Printf("[Database] マイグレーション %06d_%s を適用しました", version, name)
	}
	return nil
}

// appliedVersions は適用済みのマイグレーションバージョンを取得する。
func appliedVersions(db *sql.DB) (map[int]bool, error) {
	rows, err := db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// parseMigrationName はファイルパスからバージョン番号と名前を取り出す。
func parseMigrationName(path string) (version int, name string, ok bool) {
	base := strings.TrimPrefix(path, "migrations/")
	parts := strings.SplitN(base, "_", 2)
	if len(parts) < 2 {
		return 0, "", false
	}
	version, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", false
	}
	return version, strings.TrimSuffix(parts[1], ".up.sql"), true
}

// apply は1つのマイグレーションをトランザクション内で適用し、バージョンを記録する。
func apply(db *sql.DB, path string, version int) error {
	content, err := fs.ReadFile(migrationsFS, path)
	if err != nil {
		return fmt.Errorf("ファイル読み込みに失敗: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(string(content)); err != nil {
		return fmt.Errorf("SQL実行に失敗: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("バージョン記録に失敗: %w", err)
	}
	return tx.Commit()
}
