package models

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/registry_importer/config"
	"github.com/mmdatafocus/registry_importer/dedupe"
	"github.com/mmdatafocus/registry_importer/identity"
	"github.com/mmdatafocus/registry_importer/utils"
	"gorm.io/gorm"
)

// startStores brings up MySQL and Redis in docker and points config at them.
func startStores(t *testing.T) *gorm.DB {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "registry_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	MigrateTable()
	return config.GetDB()
}

func counterMint(counter identity.Counter) func(context.Context) (int64, error) {
	return func(ctx context.Context) (int64, error) {
		return counter.NextID(ctx, "prop_id")
	}
}

func TestMySQLStores_Integration(t *testing.T) {
	db := startStores(t)
	ctx := context.Background()

	t.Run("DBCounterIsSequential", func(t *testing.T) {
		counter := NewDBCounter(db)
		for want := int64(1); want <= 2; want++ {
			got, err := counter.NextID(ctx, "seq_test")
			if err != nil {
				t.Fatalf("next id: %v", err)
			}
			if got != want {
				t.Fatalf("expected %d, got %d", want, got)
			}
		}
		if err := counter.Seed(ctx, "seq_test", 100); err != nil {
			t.Fatalf("seed: %v", err)
		}
		if err := counter.Seed(ctx, "seq_test", 50); err != nil {
			t.Fatalf("seed: %v", err)
		}
		if got, err := counter.NextID(ctx, "seq_test"); err != nil || got != 101 {
			t.Fatalf("expected 101 after seeding to 100, got %d (%v)", got, err)
		}
	})

	t.Run("ConcurrentMintOnceMintsOnce", func(t *testing.T) {
		registry := NewPropIdRegistry(db)
		counter := NewDBCounter(db)
		const workers = 20
		var wg sync.WaitGroup
		ids := make([]int64, workers)
		wins := make([]bool, workers)
		errs := make([]error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				m, won, err := registry.MintOnce(ctx, "KNS-2024-77", counterMint(counter))
				ids[i], wins[i], errs[i] = m.PropId, won, err
			}(i)
		}
		wg.Wait()

		winners := 0
		for i := 0; i < workers; i++ {
			if errs[i] != nil {
				t.Fatalf("worker %d: %v", i, errs[i])
			}
			if ids[i] != ids[0] {
				t.Fatalf("worker %d got prop id %d, worker 0 got %d", i, ids[i], ids[0])
			}
			if wins[i] {
				winners++
			}
		}
		if winners != 1 {
			t.Fatalf("expected exactly one mint, got %d", winners)
		}
		var mappings int64
		if err := db.Model(&PropIdMapping{}).Where("file_number = ?", "KNS-2024-77").Count(&mappings).Error; err != nil || mappings != 1 {
			t.Fatalf("expected one mapping row, got %d (%v)", mappings, err)
		}
	})

	t.Run("MintOnceLosesToConcurrentMappingWrite", func(t *testing.T) {
		registry := NewPropIdRegistry(db)
		// a commit records the mapping between the lock and the insert
		mint := func(ctx context.Context) (int64, error) {
			if err := EnsurePropIdMapping(db.WithContext(ctx), "KNS-2024-88", 555, TablePropertyRecords); err != nil {
				return 0, err
			}
			return 999, nil
		}
		m, won, err := registry.MintOnce(ctx, "KNS-2024-88", mint)
		if err != nil {
			t.Fatalf("mint once: %v", err)
		}
		if won || m.PropId != 555 || m.Table != TablePropertyRecords {
			t.Fatalf("expected the existing mapping to win, got %+v won=%v", m, won)
		}
	})

	t.Run("LockIsReleasedWhenContextEnds", func(t *testing.T) {
		registry := NewPropIdRegistry(db)
		mintCtx, cancel := context.WithCancel(ctx)
		mint := func(ctx context.Context) (int64, error) {
			cancel()
			return 0, ctx.Err()
		}
		if _, _, err := registry.MintOnce(mintCtx, "KNS-2024-99", mint); !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}

		var holder *int64
		if err := db.Raw("SELECT IS_USED_LOCK(?)", mintLockName("KNS-2024-99")).Scan(&holder).Error; err != nil {
			t.Fatalf("is_used_lock: %v", err)
		}
		if holder != nil {
			t.Fatalf("lock still held by connection %d", *holder)
		}

		registry.LockWaitSeconds = 1
		m, won, err := registry.MintOnce(ctx, "KNS-2024-99", counterMint(NewDBCounter(db)))
		if err != nil || !won || m.PropId <= 0 {
			t.Fatalf("expected a fresh mint after the cancelled one, got %+v won=%v err=%v", m, won, err)
		}
	})

	t.Run("PersistTwiceUpdates", func(t *testing.T) {
		writer := NewPropertyRecordWriter(db)
		rec := &ImportRecord{
			RecordIndex:  1,
			FileNumber:   "ABC-2020-1",
			PropId:       utils.NewInt64(4242),
			PropIdSource: utils.NewString(identity.SourceMinted),
			Data:         NewPropertyRecord{FileNumber: "ABC-2020-1", Grantee: "First", PlotSize: "12.5"},
		}
		inserted, err := writer.Persist(ctx, rec, ImportModeProduction, "session-a")
		if err != nil || !inserted {
			t.Fatalf("first persist: inserted=%v err=%v", inserted, err)
		}
		rec.Data.Grantee = "Second"
		inserted, err = writer.Persist(ctx, rec, ImportModeProduction, "session-b")
		if err != nil || inserted {
			t.Fatalf("second persist should update: inserted=%v err=%v", inserted, err)
		}

		var rows []PropertyRecord
		if err := db.Where("file_number = ?", "ABC-2020-1").Find(&rows).Error; err != nil {
			t.Fatalf("load rows: %v", err)
		}
		if len(rows) != 1 || rows[0].Grantee != "Second" || rows[0].ImportSessionId != "session-b" {
			t.Fatalf("expected one updated row, got %+v", rows)
		}
		m, err := NewPropIdRegistry(db).Find(ctx, "ABC-2020-1")
		if err != nil || m == nil || m.PropId != 4242 {
			t.Fatalf("expected mapping to 4242, got %+v (%v)", m, err)
		}

		// the other mode is a separate row
		inserted, err = writer.Persist(ctx, rec, ImportModeTest, "session-c")
		if err != nil || !inserted {
			t.Fatalf("test-mode persist: inserted=%v err=%v", inserted, err)
		}
	})

	t.Run("StoredDuplicatesStayWithinMode", func(t *testing.T) {
		for _, row := range []PropertyRecord{
			{FileNumber: "KNS-2023-5", TestControl: string(ImportModeProduction), PropId: 1},
			{FileNumber: "KNS - 2023 - 5", TestControl: string(ImportModeProduction), PropId: 1},
			{FileNumber: "KNS-2023-5", TestControl: string(ImportModeTest), PropId: 1},
		} {
			row := row
			if err := db.Create(&row).Error; err != nil {
				t.Fatalf("seed row: %v", err)
			}
		}
		groups, err := FindStoredDuplicates(ctx, db, TablePropertyRecords, nil)
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if len(groups) != 1 || groups[0].Key != "PRODUCTION:KNS-2023-5" || len(groups[0].Members) != 2 {
			t.Fatalf("unexpected groups %+v", groups)
		}
		res, err := DeleteStoredDuplicates(ctx, db, TablePropertyRecords, groups, []dedupe.DeleteRequest{{GroupKey: groups[0].Key}})
		if err != nil || len(res.Deleted[groups[0].Key]) != 1 {
			t.Fatalf("unexpected delete result %+v (%v)", res, err)
		}
		var left int64
		db.Model(&PropertyRecord{}).Where("test_control = ?", string(ImportModeTest)).Where("file_number = ?", "KNS-2023-5").Count(&left)
		if left != 1 {
			t.Fatalf("the TEST row must survive, got %d", left)
		}
	})
}

func TestRedisCounter_Integration(t *testing.T) {
	startStores(t)
	ctx := context.Background()

	counter := NewRedisCounter(config.GetRedisDB())
	if err := counter.Seed(ctx, "prop_id", 500); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := counter.Seed(ctx, "prop_id", 10); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if got, err := counter.NextID(ctx, "prop_id"); err != nil || got != 501 {
		t.Fatalf("expected 501, got %d (%v)", got, err)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("registry-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := dockerRun("exec", name, "redis-cli", "ping"); err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("registry-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=registry_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent"); err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("%v: %s", err, out)
	}
	m := regexp.MustCompile(`:(\d+)`).FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
