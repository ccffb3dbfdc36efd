package cli

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"skyportal/api/db/migrations"
	"skyportal/api/internal/config"
	"skyportal/api/internal/push"
	"skyportal/api/internal/store"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestOpenPublisherWithoutRedisIsNop(t *testing.T) {
	publisher, closePublisher := openPublisher(config.Config{RedisURL: "  "}, quietLogger)
	defer closePublisher()

	if _, ok := publisher.(push.Nop); !ok {
		t.Fatalf("expected push.Nop, got %T", publisher)
	}
}

func TestOpenPublisherFallsBackWhenRedisUnreachable(t *testing.T) {
	publisher, closePublisher := openPublisher(config.Config{RedisURL: "redis://127.0.0.1:1/0"}, quietLogger)
	defer closePublisher()

	if _, ok := publisher.(push.Nop); !ok {
		t.Fatalf("expected push.Nop, got %T", publisher)
	}
}

func TestOpenPublisherConnectsToRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	publisher, closePublisher := openPublisher(config.Config{RedisURL: "redis://" + mr.Addr() + "/0"}, quietLogger)
	defer closePublisher()

	if _, ok := publisher.(*push.RedisPublisher); !ok {
		t.Fatalf("expected *push.RedisPublisher, got %T", publisher)
	}
}

func TestMigrationSource(t *testing.T) {
	if got := migrationSource(config.Config{}); got != migrations.FS {
		t.Fatalf("expected embedded migrations, got %T", got)
	}
	if name := migrationSourceName(config.Config{}); name != "embedded" {
		t.Fatalf("expected embedded source name, got %q", name)
	}

	dir := t.TempDir()
	for name, body := range map[string]string{
		"0001_local.up.sql":   "CREATE TABLE local (id INT);",
		"0001_local.down.sql": "DROP TABLE local;",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	cfg := config.Config{MigrationsDir: dir}
	loaded, err := store.LoadMigrations(migrationSource(cfg))
	if err != nil {
		t.Fatalf("load directory migrations: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Name != "0001_local" {
		t.Fatalf("expected the directory set, got %+v", loaded)
	}
	if name := migrationSourceName(cfg); name != dir {
		t.Fatalf("expected %q, got %q", dir, name)
	}
}
