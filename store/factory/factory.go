package factory

import (
	"fmt"
	"strings"

	"github.com/medigraph/clinagent/config"
	"github.com/medigraph/clinagent/store"
	"github.com/medigraph/clinagent/store/memory"
	redisstore "github.com/medigraph/clinagent/store/redis"
	sqlitestore "github.com/medigraph/clinagent/store/sqlite"
)

// FromConfig builds the session store the state section selects.
func FromConfig(cfg config.State) (store.Store, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	switch backend {
	case "", "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			path = "./.clinagent/sessions.db"
		}
		return sqlitestore.New(path)

	case "redis":
		addr := cfg.RedisAddr
		if addr == "" {
			addr = "127.0.0.1:6379"
		}
		return redisstore.New(addr,
			redisstore.WithPassword(strings.TrimSpace(cfg.RedisPassword)),
			redisstore.WithTTL(cfg.TTL()),
		)

	case "memory":
		return memory.New(), nil

	default:
		return nil, fmt.Errorf("unsupported state backend %q (use sqlite, redis, or memory)", cfg.Backend)
	}
}

// FromEnv builds a store from CLINAGENT_* environment variables alone.
func FromEnv() (store.Store, error) {
	cfg := config.Default()
	cfg.ApplyEnv()
	return FromConfig(cfg.State)
}
