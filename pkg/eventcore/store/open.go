package store

import "fmt"

// Open creates a Store for a driver name: "memory" (or "") or "sqlite".
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		if dsn == "" {
			return nil, fmt.Errorf("open sqlite store: empty dsn")
		}
		return NewSQLiteStore(dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
