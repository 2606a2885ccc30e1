package registry

import (
	"crypto/rand"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hpungsan/gtkrypt/internal/errors"
	"github.com/hpungsan/gtkrypt/internal/kdf"
)

// Vault is the registry row for one vault.
type Vault struct {
	Name            string
	CreatedAt       int64
	LastUnlockedAt  *int64
	KDFPreset       kdf.Preset
	KeyfileRequired bool
}

// RotationStatus is the state of a journaled passphrase rotation.
type RotationStatus string

// Rotation states. Staging means new containers are being written to the
// staging dir; swapping means the live vault is being moved to the backup
// dir and the staging dir moved into its place.
const (
	RotationStaging    RotationStatus = "staging"
	RotationSwapping   RotationStatus = "swapping"
	RotationDone       RotationStatus = "done"
	RotationRolledBack RotationStatus = "rolled_back"
)

// Rotation is a journal entry for one passphrase change.
type Rotation struct {
	ID         string
	Vault      string
	StagingDir string
	BackupDir  string
	StartedAt  int64
	FinishedAt *int64
	Status     RotationStatus
}

// InsertVault records a new vault. A taken name yields DUPLICATE_VAULT.
func InsertVault(db *sql.DB, v *Vault) error {
	query := `
		INSERT INTO vaults (name, created_at, last_unlocked_at, kdf_preset, keyfile_required)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := db.Exec(query, v.Name, v.CreatedAt, toNullInt64(v.LastUnlockedAt), string(v.KDFPreset), v.KeyfileRequired)
	if err != nil {
		if isUniqueConstraintError(err) {
			return errors.NewDuplicateVault(v.Name)
		}
		return errors.NewInternal(err)
	}
	return nil
}

// isUniqueConstraintError checks if the error is a SQLite UNIQUE constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	// SQLite returns "UNIQUE constraint failed: ..." for unique violations
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// GetVault returns the row for name or VAULT_NOT_FOUND.
func GetVault(db *sql.DB, name string) (*Vault, error) {
	query := `
		SELECT name, created_at, last_unlocked_at, kdf_preset, keyfile_required
		FROM vaults
		WHERE name = ?
	`
	v, err := scanVault(db.QueryRow(query, name))
	if err == sql.ErrNoRows {
		return nil, errors.NewVaultNotFound(name)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return v, nil
}

// ListVaults returns every registered vault ordered by name.
func ListVaults(db *sql.DB) ([]Vault, error) {
	rows, err := db.Query(`
		SELECT name, created_at, last_unlocked_at, kdf_preset, keyfile_required
		FROM vaults
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []Vault
	for rows.Next() {
		v, err := scanVault(rows)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		out = append(out, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// TouchUnlocked records a successful unlock.
func TouchUnlocked(db *sql.DB, name string, at time.Time) error {
	return execOne(db, errors.NewVaultNotFound(name), `UPDATE vaults SET last_unlocked_at = ? WHERE name = ?`, at.Unix(), name)
}

// UpdateKDF records the preset and keyfile requirement after a rotation.
func UpdateKDF(db *sql.DB, name string, preset kdf.Preset, keyfileRequired bool) error {
	return execOne(db, errors.NewVaultNotFound(name), `UPDATE vaults SET kdf_preset = ?, keyfile_required = ? WHERE name = ?`,
		string(preset), keyfileRequired, name)
}

// DeleteVault removes the row for name.
func DeleteVault(db *sql.DB, name string) error {
	return execOne(db, errors.NewVaultNotFound(name), `DELETE FROM vaults WHERE name = ?`, name)
}

// UpsertVault inserts v or replaces the existing row of the same name. Used
// to re-adopt vault directories found on disk.
func UpsertVault(db *sql.DB, v *Vault) error {
	query := `
		INSERT INTO vaults (name, created_at, last_unlocked_at, kdf_preset, keyfile_required)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			kdf_preset = excluded.kdf_preset,
			keyfile_required = excluded.keyfile_required
	`
	_, err := db.Exec(query, v.Name, v.CreatedAt, toNullInt64(v.LastUnlockedAt), string(v.KDFPreset), v.KeyfileRequired)
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// StartRotation journals a rotation in RotationStaging and returns its ULID.
func StartRotation(db *sql.DB, vault, stagingDir, backupDir string, at time.Time) (*Rotation, error) {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(at), entropy)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	r := &Rotation{
		ID:         id.String(),
		Vault:      vault,
		StagingDir: stagingDir,
		BackupDir:  backupDir,
		StartedAt:  at.Unix(),
		Status:     RotationStaging,
	}
	_, err = db.Exec(`
		INSERT INTO rotations (id, vault, staging_dir, backup_dir, started_at, finished_at, status)
		VALUES (?, ?, ?, ?, ?, NULL, ?)
	`, r.ID, r.Vault, r.StagingDir, r.BackupDir, r.StartedAt, string(r.Status))
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return r, nil
}

// SetRotationStatus moves an unfinished rotation to status.
func SetRotationStatus(db *sql.DB, id string, status RotationStatus) error {
	return execOne(db, notPending(id), `UPDATE rotations SET status = ? WHERE id = ? AND finished_at IS NULL`, string(status), id)
}

// FinishRotation closes a rotation with a terminal status.
func FinishRotation(db *sql.DB, id string, status RotationStatus, at time.Time) error {
	return execOne(db, notPending(id), `UPDATE rotations SET status = ?, finished_at = ? WHERE id = ? AND finished_at IS NULL`,
		string(status), at.Unix(), id)
}

// PendingRotations returns unfinished rotations, oldest first.
func PendingRotations(db *sql.DB) ([]Rotation, error) {
	rows, err := db.Query(`
		SELECT id, vault, staging_dir, backup_dir, started_at, finished_at, status
		FROM rotations
		WHERE finished_at IS NULL
		ORDER BY started_at ASC, id ASC
	`)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []Rotation
	for rows.Next() {
		var r Rotation
		var finished sql.NullInt64
		var status string
		if err := rows.Scan(&r.ID, &r.Vault, &r.StagingDir, &r.BackupDir, &r.StartedAt, &finished, &status); err != nil {
			return nil, errors.NewInternal(err)
		}
		r.FinishedAt = fromNullInt64(finished)
		r.Status = RotationStatus(status)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVault(row scanner) (*Vault, error) {
	var v Vault
	var lastUnlocked sql.NullInt64
	var preset string
	if err := row.Scan(&v.Name, &v.CreatedAt, &lastUnlocked, &preset, &v.KeyfileRequired); err != nil {
		return nil, err
	}
	v.LastUnlockedAt = fromNullInt64(lastUnlocked)
	v.KDFPreset = kdf.Preset(preset)
	return &v, nil
}

func notPending(id string) error {
	return errors.NewInternal(fmt.Errorf("rotation %s is not pending", id))
}

// execOne runs a statement that must touch exactly one row; otherwise it
// returns notFound.
func execOne(db *sql.DB, notFound error, query string, args ...any) error {
	res, err := db.Exec(query, args...)
	if err != nil {
		return errors.NewInternal(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.NewInternal(err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func toNullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func fromNullInt64(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
