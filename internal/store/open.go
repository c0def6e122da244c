package store

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"intent-bot-backend/internal/db"
)

// Open picks a backend from the storage URL scheme:
// postgres:// or postgresql:// -> DatabaseStore, redis:// or rediss:// ->
// RedisStore, file://<dir> -> FileStore, an Azure storage connection string
// -> AzureTableStore, empty -> MemoryStore.
func Open(url string, ttl time.Duration, log *zap.Logger) (Store, error) {
	switch {
	case url == "":
		log.Warn("no storage URL configured, sessions are kept in memory")
		return NewMemoryStore(ttl), nil
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		database, err := db.New(url, log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		if err := database.Migrate(); err != nil {
			database.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info("database session store ready")
		return NewDatabaseStore(database), nil
	case strings.HasPrefix(url, "redis://"), strings.HasPrefix(url, "rediss://"):
		return NewRedisStore(url, ttl, log)
	case strings.HasPrefix(url, "file://"):
		return NewFileStore(strings.TrimPrefix(url, "file://"))
	case isAzureConnectionString(url):
		return NewAzureTableStore(url, AzureTableName, log)
	default:
		return nil, fmt.Errorf("unsupported storage url scheme in %q", redact(url))
	}
}

func isAzureConnectionString(s string) bool {
	return strings.Contains(s, "AccountName=") ||
		strings.Contains(s, "TableEndpoint=") ||
		strings.Contains(s, "UseDevelopmentStorage=true")
}

// redact drops anything after the scheme so credentials never reach logs.
func redact(url string) string {
	if i := strings.Index(url, "://"); i >= 0 {
		return url[:i+3] + "..."
	}
	if len(url) > 12 {
		return url[:12] + "..."
	}
	return url
}
