package migrations

import "database/sql"

func migration001BootloaderCache() Migration {
	return Migration{
		Version:     1,
		Description: "Add bootloader cache index",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS bootloader_cache (
					id TEXT PRIMARY KEY,
					cache_key TEXT NOT NULL UNIQUE,
					name TEXT NOT NULL,
					version TEXT NOT NULL,
					target TEXT NOT NULL,
					checksum TEXT NOT NULL DEFAULT '',
					cache_path TEXT NOT NULL,
					size_bytes INTEGER DEFAULT 0,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					last_used_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					use_count INTEGER DEFAULT 1
				)
			`)
			if err != nil {
				return err
			}

			_, err = tx.Exec(`CREATE INDEX IF NOT EXISTS idx_bootloader_cache_name_version ON bootloader_cache(name, version)`)
			if err != nil {
				return err
			}

			_, err = tx.Exec(`CREATE INDEX IF NOT EXISTS idx_bootloader_cache_last_used ON bootloader_cache(last_used_at)`)
			return err
		},
	}
}
