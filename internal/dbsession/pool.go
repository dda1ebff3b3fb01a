package dbsession

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/semaphore"

	drvclk "gorm.io/driver/clickhouse"
	drvmys "gorm.io/driver/mysql"
	drvpsq "gorm.io/driver/postgres"
	drvsql "gorm.io/driver/sqlite"
	drvsrv "gorm.io/driver/sqlserver"
	gormdb "gorm.io/gorm"

	"github.com/nabbar/litewebserver/internal/errs"
)

// maxIdentifierLen mirrors the original source's fixed 256-byte SQL scratch
// buffer: identifiers that would have overflowed it are rejected outright
// rather than silently truncated (spec.md §9 Open Question, resolved here
// in favor of rejection — see DESIGN.md).
const maxIdentifierLen = 255

// Driver names which gorm dialector a session pool talks through, so the
// bootstrap's --sql-driver flag can target any of SPEC_FULL.md's DOMAIN
// STACK database backends without Open's caller knowing the dialector
// packages exist.
type Driver string

const (
	DriverNone       Driver = ""
	DriverMysql      Driver = "mysql"
	DriverPostgreSQL Driver = "psql"
	DriverSQLite     Driver = "sqlite"
	DriverSQLServer  Driver = "sqlserver"
	DriverClickHouse Driver = "clickhouse"
)

// dialectorBuilders maps each supported driver to its dialector
// constructor. Open consults this table directly instead of exposing a
// standalone per-driver resolver type: the DSN-to-dialector step is this
// package's business, not a separate ported component.
var dialectorBuilders = map[Driver]func(dsn string) gormdb.Dialector{
	DriverMysql:      func(dsn string) gormdb.Dialector { return drvmys.Open(dsn) },
	DriverPostgreSQL: func(dsn string) gormdb.Dialector { return drvpsq.Open(dsn) },
	DriverSQLite:     func(dsn string) gormdb.Dialector { return drvsql.Open(dsn) },
	DriverSQLServer:  func(dsn string) gormdb.Dialector { return drvsrv.Open(dsn) },
	DriverClickHouse: func(dsn string) gormdb.Dialector { return drvclk.Open(dsn) },
}

// DriverFromString normalizes a user-supplied driver name.
func DriverFromString(s string) Driver {
	d := Driver(strings.ToLower(s))
	if _, ok := dialectorBuilders[d]; ok {
		return d
	}
	return DriverNone
}

func (d Driver) String() string { return string(d) }

// User is the read-only contract's `user(username, password)` table.
type User struct {
	Username string `gorm:"primaryKey;column:username;size:255"`
	Password string `gorm:"column:password;size:255"`
}

func (User) TableName() string { return "user" }

// Pool bounds concurrent DB session use with a counting semaphore sized to
// connPoolNum, backed by a single *gorm.DB (gorm manages the underlying
// connection pool; the semaphore is what gives acquire()/release() their
// bounded-wait, pool-of-sessions semantics from the spec).
type Pool struct {
	db  *gormdb.DB
	sem *semaphore.Weighted
}

// Session is a handle returned by Acquire; callers must Release it exactly
// once.
type Session struct {
	db   *gormdb.DB
	pool *Pool
}

// Open establishes the underlying connection and builds a bounded pool of
// connPoolNum concurrent sessions.
func Open(driver Driver, dsn string, connPoolNum int) (*Pool, error) {
	if connPoolNum < 1 {
		connPoolNum = 1
	}
	build, ok := dialectorBuilders[driver]
	if !ok {
		return nil, errs.Wrap(errs.CodeStartup, fmt.Errorf("dbsession: unsupported driver %q", driver))
	}
	db, err := gormdb.Open(build(dsn), &gormdb.Config{})
	if err != nil {
		return nil, errs.Wrap(errs.CodeStartup, err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(connPoolNum)
		sqlDB.SetMaxIdleConns(connPoolNum)
	}
	return &Pool{db: db, sem: semaphore.NewWeighted(int64(connPoolNum))}, nil
}

// Acquire blocks until a session slot is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, errs.Wrap(errs.CodePoolExhausted, err)
	}
	return &Session{db: p.db, pool: p}, nil
}

// Release returns the session slot to the pool. Safe to call once per
// Session obtained from Acquire.
func (p *Pool) Release(s *Session) {
	if s == nil {
		return
	}
	p.sem.Release(1)
}

// Close releases the underlying *sql.DB.
func (p *Pool) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// VerifyUser runs a single parameterized `SELECT … LIMIT 1` and reports
// whether username exists with exactly the given password. Using gorm's
// placeholder binding instead of the original's snprintf-built SQL resolves
// the SQL-injection Open Question from spec.md §9 in favor of safety.
func (s *Session) VerifyUser(ctx context.Context, username, password string) (bool, error) {
	if len(username) > maxIdentifierLen || len(password) > maxIdentifierLen {
		return false, nil
	}
	var u User
	err := s.db.WithContext(ctx).Where("username = ?", username).Limit(1).Take(&u).Error
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, errs.Wrap(errs.CodeInternal, err)
	}
	return u.Password == password, nil
}

// CreateUser inserts a new row if username is not already taken. It reports
// false (no error) when the username is already in use, matching the
// original handler's success flag.
func (s *Session) CreateUser(ctx context.Context, username, password string) (bool, error) {
	if len(username) > maxIdentifierLen || len(password) > maxIdentifierLen {
		return false, nil
	}
	var existing User
	err := s.db.WithContext(ctx).Where("username = ?", username).Limit(1).Take(&existing).Error
	if err == nil {
		return false, nil
	}
	if !isNotFound(err) {
		return false, errs.Wrap(errs.CodeInternal, err)
	}

	if err := s.db.WithContext(ctx).Create(&User{Username: username, Password: password}).Error; err != nil {
		return false, errs.Wrap(errs.CodeInternal, err)
	}
	return true, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, gormdb.ErrRecordNotFound)
}
