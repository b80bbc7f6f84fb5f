package migrations

import "database/sql"

// Records when an entry was last pushed to the remote mirror so repeated
// builds do not re-upload unchanged bootloaders.
func migration002MirrorState() Migration {
	return Migration{
		Version:     2,
		Description: "Track mirror upload state on cache entries",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`ALTER TABLE bootloader_cache ADD COLUMN mirrored_at DATETIME`)
			return err
		},
	}
}
