/*Package csql opens the backend's postgres database.

The returned handle is a gorm database. Queries built on it compose, which
is what the authorization hooks rely on: a visibility filter receives a
query and returns a narrowed query.
*/
package csql

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq" // load database driver for postgres
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/relabs-tech/modelapi/core/logger"
)

// DB encapsulates a gorm database with a schema
type DB struct {
	*gorm.DB
	Schema string
}

// ErrRecordNotFound is returned by single-object queries that match no row
var ErrRecordNotFound = gorm.ErrRecordNotFound

// OpenWithSchema opens a postgres database with a schema.
// The schema gets created if it does not exist yet.
// The returned database also has the uuid-ossp extension loaded.
func OpenWithSchema(dataSourceName, password, schema string) *DB {
	logger.Default().Infoln("connecting to postgres database:", dataSourceName)
	if len(password) > 0 {
		dataSourceName += " password=" + password
	}
	sqlDB, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		panic(err)
	}
	err = sqlDB.Ping()
	if err != nil {
		panic(err)
	}
	if len(schema) == 0 {
		schema = "public"
	} else {
		logger.Default().Infoln("selected database schema:", schema)
		_, err = sqlDB.Exec(`CREATE extension IF NOT EXISTS "uuid-ossp";
CREATE schema IF NOT EXISTS ` + schema + `;
`)
		if err != nil {
			panic(err)
		}
	}

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn:                 sqlDB,
		PreferSimpleProtocol: true, // disables implicit prepared statement usage
	}), &gorm.Config{
		Logger: logrusLogger{slowThreshold: 200 * time.Millisecond},
	})
	if err != nil {
		panic(err)
	}
	return &DB{DB: gormDB, Schema: schema}
}

// Close closes the underlying database connection
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Table returns a query builder for the passed table in the database's schema
func (db *DB) Table(name string) *gorm.DB {
	return db.DB.Table(db.Schema + "." + name)
}

// ClearSchema clears all the data contained in the database's schema
// Technically this is done by dropping the schema and then recreating it
func (db *DB) ClearSchema() {
	if db.Schema == "public" {
		panic("refuse to drop public schema")
	}
	err := db.Exec(`DROP SCHEMA ` + db.Schema + ` CASCADE;
	CREATE schema IF NOT EXISTS ` + db.Schema + `;`).Error
	if err != nil {
		logger.Default().Errorln("clear schema error:", db.Schema, err.Error())
	}
}

// logrusLogger forwards gorm's statement logging to the context logger,
// so that statements carry the request id of the request they serve.
type logrusLogger struct {
	slowThreshold time.Duration
}

func (l logrusLogger) LogMode(gormlogger.LogLevel) gormlogger.Interface {
	return l
}

func (l logrusLogger) Info(ctx context.Context, msg string, args ...interface{}) {
	logger.FromContext(ctx).Infof(msg, args...)
}

func (l logrusLogger) Warn(ctx context.Context, msg string, args ...interface{}) {
	logger.FromContext(ctx).Warnf(msg, args...)
}

func (l logrusLogger) Error(ctx context.Context, msg string, args ...interface{}) {
	logger.FromContext(ctx).Errorf(msg, args...)
}

func (l logrusLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	switch {
	case err != nil && err != gorm.ErrRecordNotFound:
		query, rows := fc()
		logger.FromContext(ctx).WithError(err).Errorf("sql (%d rows): %s", rows, query)
	case l.slowThreshold > 0 && elapsed > l.slowThreshold:
		query, rows := fc()
		logger.FromContext(ctx).Warnf("slow sql %.2fms (%d rows): %s", float64(elapsed.Nanoseconds())/1e6, rows, query)
	default:
		query, rows := fc()
		logger.FromContext(ctx).Debugf("sql %.2fms (%d rows): %s", float64(elapsed.Nanoseconds())/1e6, rows, query)
	}
}
