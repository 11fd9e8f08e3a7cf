package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/mmdatafocus/registry_importer/config"
	"github.com/mmdatafocus/registry_importer/models"
	"github.com/mmdatafocus/registry_importer/utils"
)

func TestRedisSessionStore_Integration(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}
	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })
	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	config.ConnectRedisWithRetry()

	ctx := context.Background()
	store := NewRedisSessionStore(config.GetRedisDB())
	newSession := func(id string) *models.ImportSession {
		return &models.ImportSession{
			ID:         id,
			Generation: "gen-" + id,
			Revision:   1,
			Mode:       models.ImportModeTest,
			State:      models.SessionStateValidated,
			Records:    []*models.ImportRecord{{RecordIndex: 1, FileNumber: "KNS-2024-5"}},
		}
	}

	t.Run("PutGetReplace", func(t *testing.T) {
		s := newSession("a")
		if err := store.Put(ctx, s, time.Minute); err != nil {
			t.Fatalf("put: %v", err)
		}
		s.Revision = 2
		if err := store.Replace(ctx, s, time.Minute); err != nil {
			t.Fatalf("replace: %v", err)
		}
		got, err := store.Get(ctx, "a")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Revision != 2 || len(got.Records) != 1 || got.Records[0].FileNumber != "KNS-2024-5" {
			t.Fatalf("unexpected session %+v", got)
		}
		if gen, err := store.Generation(ctx, "a"); err != nil || gen != "gen-a" {
			t.Fatalf("expected generation gen-a, got %q (%v)", gen, err)
		}
	})

	t.Run("ReplaceAfterDeleteIsDiscarded", func(t *testing.T) {
		s := newSession("b")
		if err := store.Put(ctx, s, time.Minute); err != nil {
			t.Fatalf("put: %v", err)
		}
		if err := store.Delete(ctx, "b"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if err := store.Replace(ctx, s, time.Minute); !errors.Is(err, utils.ErrorSessionDiscarded) {
			t.Fatalf("expected ErrorSessionDiscarded, got %v", err)
		}
		if _, err := store.Get(ctx, "b"); !errors.Is(err, utils.ErrorSessionNotFound) {
			t.Fatalf("replace must not resurrect the session, got %v", err)
		}
	})

	t.Run("ReplaceAcrossGenerationsIsDiscarded", func(t *testing.T) {
		s := newSession("c")
		if err := store.Put(ctx, s, time.Minute); err != nil {
			t.Fatalf("put: %v", err)
		}
		stale := newSession("c")
		stale.Generation = "older"
		if err := store.Replace(ctx, stale, time.Minute); !errors.Is(err, utils.ErrorSessionDiscarded) {
			t.Fatalf("expected ErrorSessionDiscarded, got %v", err)
		}
		got, err := store.Get(ctx, "c")
		if err != nil || got.Generation != "gen-c" {
			t.Fatalf("stored session must be untouched, got %+v (%v)", got, err)
		}
	})

	t.Run("LockerIsExclusive", func(t *testing.T) {
		locker := NewRedisLocker(config.GetRedisLock(), 30*time.Second)
		locker.Wait = 300 * time.Millisecond

		unlock, err := locker.Lock(ctx, sessionKey("d"))
		if err != nil {
			t.Fatalf("first lock: %v", err)
		}
		if _, err := locker.Lock(ctx, sessionKey("d")); !errors.Is(err, utils.ErrorLockNotObtained) {
			t.Fatalf("expected ErrorLockNotObtained, got %v", err)
		}
		unlock()
		again, err := locker.Lock(ctx, sessionKey("d"))
		if err != nil {
			t.Fatalf("lock after release: %v", err)
		}
		again()
	})
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("registry-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun("run", "-d", "--name", name, "-p", "127.0.0.1:0:6379", "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	out, err = dockerRun("port", name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v\n%s", err, out)
	}
	m := regexp.MustCompile(`:(\d+)`).FindStringSubmatch(out)
	if len(m) != 2 {
		t.Fatalf("unexpected docker port output: %q", out)
	}
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := dockerRun("exec", name, "redis-cli", "ping"); err == nil {
			return name, m[1]
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	b, err := exec.Command("docker", args...).CombinedOutput()
	return string(b), err
}
