/*Package registry provides a persistent registry of objects in a SQL database

The package uses JSON to serialize the data.
*/
package registry

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/modelapi/core/csql"
	"gorm.io/gorm"
)

// New creates a new registry for the specified database
func New(db *csql.DB) Registry {
	err := db.Exec(`CREATE table IF NOT EXISTS ` + db.Schema + `."_registry_"
(key varchar NOT NULL,
value json NOT NULL,
timestamp timestamp NOT NULL,
PRIMARY KEY(key)
);`).Error

	if err != nil {
		panic(err)
	}
	return Registry{db: db}
}

// Registry provides a persistent registry of objects in a sql database.
type Registry struct {
	db *csql.DB
}

// Accessor is an accessor with optional prefix
type Accessor struct {
	Prefix   string
	Registry Registry
}

// Accessor returns a registry accessor with prefix
func (r Registry) Accessor(prefix string) Accessor {
	return Accessor{
		Prefix:   prefix,
		Registry: r,
	}
}

type registryRow struct {
	Value     json.RawMessage `gorm:"column:value"`
	Timestamp time.Time       `gorm:"column:timestamp"`
}

// Read reads a value from the registry. It returns the
// time when the value was written, or a zero timestamp
// if there is no value.
//
// If the accessor has a prefix, the key is prepended with "{prefix}:"
func (r Accessor) Read(key string, value interface{}) (time.Time, error) {
	if len(r.Prefix) > 0 {
		key = r.Prefix + ":" + key
	}
	var row registryRow
	err := r.Registry.db.Table("_registry_").Where("key = ?", key).Take(&row).Error
	if err == gorm.ErrRecordNotFound {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot read registry key %s: %w", key, err)
	}
	err = json.Unmarshal(row.Value, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot unmarshal registry key %s: %w", key, err)
	}
	return row.Timestamp, nil
}

// Write writes a value into the registry.
//
// If the accessor has a prefix, the key is prepended with "{prefix}:"
func (r Accessor) Write(key string, value interface{}) error {
	if len(r.Prefix) > 0 {
		key = r.Prefix + ":" + key
	}
	jsonData, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cannot marshal registry key %s: %w", key, err)
	}
	err = r.Registry.db.Exec(`INSERT INTO `+r.Registry.db.Schema+`."_registry_" (key, value, timestamp) VALUES (?, ?, now())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, timestamp = EXCLUDED.timestamp;`, key, string(jsonData)).Error
	if err != nil {
		return fmt.Errorf("cannot write registry key %s: %w", key, err)
	}
	return nil
}

// Delete removes a key from the registry.
//
// If the accessor has a prefix, the key is prepended with "{prefix}:"
func (r Accessor) Delete(key string) error {
	if len(r.Prefix) > 0 {
		key = r.Prefix + ":" + key
	}
	return r.Registry.db.Exec(`DELETE FROM `+r.Registry.db.Schema+`."_registry_" WHERE key = ?;`, key).Error
}
