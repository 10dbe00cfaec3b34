package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/easysave/easysave/internal/store/constants"
	"github.com/easysave/easysave/internal/syslog"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var ErrJobExists = errors.New("job already exists")

// Database is our SQLite-backed job repository.
type Database struct {
	readDb  *sql.DB
	writeDb *sql.DB
	writeMu sync.Mutex
	dbPath  string
}

func dsn(dbPath string) string {
	return "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

// Initialize opens (or creates) the SQLite database at dbPath and migrates
// it to the latest schema.
func Initialize(dbPath string) (*Database, error) {
	if dbPath == "" {
		dbPath = constants.DbPath
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("Initialize: error creating DB dir: %w", err)
	}

	writeDb, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("Initialize: error opening DB: %w", err)
	}
	writeDb.SetMaxOpenConns(1)

	database := &Database{
		dbPath:  dbPath,
		writeDb: writeDb,
	}

	if err := database.Migrate(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		_ = writeDb.Close()
		return nil, fmt.Errorf("Initialize: error migrating tables: %w", err)
	}

	readDb, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		_ = writeDb.Close()
		return nil, fmt.Errorf("Initialize: error opening DB: %w", err)
	}
	database.readDb = readDb

	return database, nil
}

// Migrate applies every pending embedded migration.
func (d *Database) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("Migrate: failed to open migrations: %w", err)
	}
	defer src.Close()

	driver, err := sqlitemigrate.WithInstance(d.writeDb, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("Migrate: failed to create driver: %w", err)
	}

	// m.Close would close writeDb through the driver, so it is not called.
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("Migrate: failed to create migrator: %w", err)
	}

	return m.Up()
}

func (d *Database) Close() error {
	var errs []error
	if d.readDb != nil {
		errs = append(errs, d.readDb.Close())
	}
	if d.writeDb != nil {
		errs = append(errs, d.writeDb.Close())
	}
	return errors.Join(errs...)
}

// withTx runs fn inside a write transaction, committing when fn succeeds and
// rolling back otherwise.
func (d *Database) withTx(op string, fn func(tx *sql.Tx) error) (err error) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	tx, err := d.writeDb.BeginTx(context.Background(), &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("%s: failed to begin transaction: %w", op, err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		} else if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				syslog.L.Error(fmt.Errorf("%s: failed to rollback transaction: %w", op, rbErr)).Write()
			}
		} else if cErr := tx.Commit(); cErr != nil {
			err = fmt.Errorf("%s: failed to commit transaction: %w", op, cErr)
			syslog.L.Error(err).Write()
		}
	}()

	return fn(tx)
}
