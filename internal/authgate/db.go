package authgate

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/glebarez/go-sqlite"
	platformerrors "github.com/jmgilman/go/errors"

	"github.com/l0p7/pagecache/internal/config"
)

// OpenDB opens and pings the database backing the gate. The sqlite driver is
// registered by this package; other drivers must be linked in by the binary.
func OpenDB(ctx context.Context, cfg config.AuthGateConfig) (*sql.DB, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, platformerrors.Wrapf(err, platformerrors.CodeDatabase, "authgate: open %s", cfg.Driver)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, platformerrors.Wrapf(err, platformerrors.CodeDatabase, "authgate: ping %s", cfg.Driver)
	}
	return db, nil
}
