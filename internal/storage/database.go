package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"multichatgo/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the configured database for the given driver type.
func Open(dbType string, cfg *config.Config) (*sql.DB, error) {
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}

	var (
		db  *sql.DB
		err error
	)

	switch strings.ToLower(dbType) {
	case "sqlite", "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open("sqlite3", dbCfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
			dbCfg.Username,
			dbCfg.Password,
			dbCfg.Host,
			dbCfg.Port,
			dbCfg.DBName,
			dbCfg.Params,
		)
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dbType)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate ensures the required tables are present.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS users (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				username TEXT NOT NULL UNIQUE,
				password_hash TEXT NOT NULL,
				created_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS user_tokens (
				token TEXT PRIMARY KEY,
				user_id INTEGER NOT NULL,
				created_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL,
				FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS chatrooms (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id INTEGER NOT NULL,
				title TEXT NOT NULL,
				topic TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'idle',
				max_round INTEGER NOT NULL DEFAULT 5,
				smart_selection INTEGER NOT NULL DEFAULT 0,
				truncate_from INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS participants (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				chatroom_id INTEGER NOT NULL,
				name TEXT NOT NULL,
				provider TEXT NOT NULL,
				model TEXT NOT NULL,
				abilities TEXT NOT NULL DEFAULT '',
				absent INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL,
				FOREIGN KEY(chatroom_id) REFERENCES chatrooms(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				chatroom_id INTEGER NOT NULL,
				participant_id INTEGER NOT NULL,
				kind TEXT NOT NULL,
				content TEXT NOT NULL,
				tool_calls TEXT,
				files TEXT,
				topic TEXT,
				prompt_tokens INTEGER NOT NULL DEFAULT 0,
				completion_tokens INTEGER NOT NULL DEFAULT 0,
				delivered INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL,
				FOREIGN KEY(chatroom_id) REFERENCES chatrooms(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS runs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				chatroom_id INTEGER NOT NULL,
				status TEXT NOT NULL,
				error TEXT,
				elapsed_ms INTEGER NOT NULL DEFAULT 0,
				prompt_tokens INTEGER NOT NULL DEFAULT 0,
				completion_tokens INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL,
				finished_at DATETIME,
				FOREIGN KEY(chatroom_id) REFERENCES chatrooms(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_user_tokens_user ON user_tokens(user_id)`,
			`CREATE INDEX IF NOT EXISTS idx_chatrooms_user ON chatrooms(user_id)`,
			`CREATE INDEX IF NOT EXISTS idx_chatrooms_status ON chatrooms(status)`,
			`CREATE INDEX IF NOT EXISTS idx_participants_room ON participants(chatroom_id)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(chatroom_id)`,
			`CREATE INDEX IF NOT EXISTS idx_runs_room ON runs(chatroom_id)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS users (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				username VARCHAR(255) NOT NULL UNIQUE,
				password_hash VARCHAR(255) NOT NULL,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS user_tokens (
				token VARCHAR(255) NOT NULL PRIMARY KEY,
				user_id BIGINT UNSIGNED NOT NULL,
				created_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL,
				INDEX idx_user_tokens_user (user_id),
				CONSTRAINT fk_user_tokens_user FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS chatrooms (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				user_id BIGINT UNSIGNED NOT NULL,
				title VARCHAR(255) NOT NULL,
				topic VARCHAR(255) NOT NULL DEFAULT '',
				status VARCHAR(20) NOT NULL DEFAULT 'idle',
				max_round INT NOT NULL DEFAULT 5,
				smart_selection TINYINT(1) NOT NULL DEFAULT 0,
				truncate_from BIGINT UNSIGNED NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_chatrooms_user (user_id),
				INDEX idx_chatrooms_status (status),
				CONSTRAINT fk_chatrooms_user FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS participants (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				chatroom_id BIGINT UNSIGNED NOT NULL,
				name VARCHAR(255) NOT NULL,
				provider VARCHAR(100) NOT NULL,
				model VARCHAR(255) NOT NULL,
				abilities MEDIUMTEXT,
				absent TINYINT(1) NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_participants_room (chatroom_id),
				CONSTRAINT fk_participants_room FOREIGN KEY (chatroom_id) REFERENCES chatrooms(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS messages (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				chatroom_id BIGINT UNSIGNED NOT NULL,
				participant_id BIGINT NOT NULL,
				kind VARCHAR(20) NOT NULL,
				content MEDIUMTEXT NOT NULL,
				tool_calls MEDIUMTEXT,
				files TEXT,
				topic VARCHAR(255),
				prompt_tokens BIGINT NOT NULL DEFAULT 0,
				completion_tokens BIGINT NOT NULL DEFAULT 0,
				delivered TINYINT(1) NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_messages_room (chatroom_id),
				CONSTRAINT fk_messages_room FOREIGN KEY (chatroom_id) REFERENCES chatrooms(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS runs (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				chatroom_id BIGINT UNSIGNED NOT NULL,
				status VARCHAR(20) NOT NULL,
				error MEDIUMTEXT,
				elapsed_ms BIGINT NOT NULL DEFAULT 0,
				prompt_tokens BIGINT NOT NULL DEFAULT 0,
				completion_tokens BIGINT NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL,
				finished_at DATETIME NULL,
				PRIMARY KEY (id),
				INDEX idx_runs_room (chatroom_id),
				CONSTRAINT fk_runs_room FOREIGN KEY (chatroom_id) REFERENCES chatrooms(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}
