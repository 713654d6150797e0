package mysql

import (
	"context"
	"database/sql/driver"
	stdErrors "errors"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"testing"

	"github.com/go-sql-driver/mysql"

	xerrors "virgo/internal/errors"
)

func TestMemoryRunRepositoryLifecycle(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	repo, err := NewMemoryRunRepository(dir)
	if err != nil {
		t.Fatalf("failed to create memory repo: %v", err)
	}
	ctx := context.Background()

	if err := repo.StartRun(ctx, RunRecord{ID: "a", Version: "1.0.0-1", Mode: "normal", StartedAt: 10}); err != nil {
		t.Fatalf("start run a: %v", err)
	}
	if err := repo.StartRun(ctx, RunRecord{ID: "b", Version: "1.0.0-1", Mode: "normal", StartedAt: 20}); err != nil {
		t.Fatalf("start run b: %v", err)
	}
	if err := repo.StartRun(ctx, RunRecord{ID: "a", StartedAt: 30}); !stdErrors.Is(err, ErrRunExists) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if err := repo.FinishRun(ctx, "a", OutcomeClean, "", 15); err != nil {
		t.Fatalf("finish run: %v", err)
	}
	if err := repo.FinishRun(ctx, "missing", OutcomeClean, "", 15); !stdErrors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	upgrade := UpgradeRecord{RunID: "b", From: "/opt/v1", To: "/opt/v2", Argv: []string{"v2", "-o"}, Outcome: OutcomeUpgraded, CreatedAt: 25}
	if err := repo.RecordUpgrade(ctx, upgrade); err != nil {
		t.Fatalf("record upgrade: %v", err)
	}

	runs, err := repo.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "b" || runs[1].Outcome != OutcomeClean || runs[0].Outcome != OutcomeRunning {
		t.Fatalf("unexpected runs: %+v", runs)
	}

	// 重新打开后记录应从磁盘恢复
	reopened, err := NewMemoryRunRepository(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	restored, err := reopened.ListRuns(ctx, 1)
	if err != nil {
		t.Fatalf("list restored: %v", err)
	}
	if len(restored) != 1 || restored[0].ID != "b" {
		t.Fatalf("unexpected restored runs: %+v", restored)
	}
	all, _ := reopened.ListRuns(ctx, 0)
	if len(all) != 2 || all[1].FinishedAt != 15 {
		t.Fatalf("finish not restored: %+v", all)
	}
	upgrades, err := reopened.ListUpgrades(ctx, 0)
	if err != nil {
		t.Fatalf("list upgrades: %v", err)
	}
	if len(upgrades) != 1 || !reflect.DeepEqual(upgrades[0], upgrade) {
		t.Fatalf("unexpected upgrades: %+v", upgrades)
	}
}

func TestMemoryRunRepositorySkipsCorruptLines(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	content := "not json\n" + `{"kind":"run","run":{"id":"x","outcome":"running","started_at":1}}` + "\n"
	if err := os.WriteFile(filepath.Join(dir, "runs.log"), []byte(content), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	repo, err := NewMemoryRunRepository(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	runs, _ := repo.ListRuns(context.Background(), 0)
	if len(runs) != 1 || runs[0].ID != "x" {
		t.Fatalf("unexpected runs: %+v", runs)
	}
}

func TestMemoryRunRepositoryLongDetail(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	repo, err := NewMemoryRunRepository(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	if err := repo.StartRun(ctx, RunRecord{ID: "r1", StartedAt: 1}); err != nil {
		t.Fatalf("start run: %v", err)
	}
	detail := strings.Repeat("é", 70*1024)
	if err := repo.FinishRun(ctx, "r1", OutcomeFatal, detail, 2); err != nil {
		t.Fatalf("finish run: %v", err)
	}

	reopened, err := NewMemoryRunRepository(dir)
	if err != nil {
		t.Fatalf("reopen after a long detail: %v", err)
	}
	runs, _ := reopened.ListRuns(ctx, 0)
	if len(runs) != 1 || runs[0].Outcome != OutcomeFatal {
		t.Fatalf("unexpected runs: %+v", runs)
	}
	if got := runs[0].Detail; len(got) > MaxDetailBytes || !strings.HasPrefix(detail, got) || got == "" {
		t.Fatalf("detail not clipped on a rune boundary: %d bytes", len(got))
	}
}

func TestMemoryRunRepositorySkipsOversizedLines(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	huge := `{"kind":"run","run":{"id":"big","outcome":"running","detail":"` + strings.Repeat("x", maxLedgerLine) + `"}}`
	content := huge + "\n" + `{"kind":"run","run":{"id":"x","outcome":"running","started_at":1}}`
	if err := os.WriteFile(filepath.Join(dir, "runs.log"), []byte(content), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	repo, err := NewMemoryRunRepository(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	runs, _ := repo.ListRuns(context.Background(), 0)
	if len(runs) != 1 || runs[0].ID != "x" {
		t.Fatalf("unexpected runs: %+v", runs)
	}
}

func TestMemoryRunRepositoryCompactsLog(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	repo, err := NewMemoryRunRepository(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	if err := repo.StartRun(ctx, RunRecord{ID: "r1", StartedAt: 1}); err != nil {
		t.Fatalf("start run: %v", err)
	}
	for i := 0; i < maxMemoryRecords; i++ {
		if err := repo.FinishRun(ctx, "r1", OutcomeRunning, "", 0); err != nil {
			t.Fatalf("finish run: %v", err)
		}
	}

	if _, err := NewMemoryRunRepository(dir); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "runs.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if lines := strings.Count(string(data), "\n"); lines != 1 {
		t.Fatalf("expected the log to be compacted to one line, got %d", lines)
	}
	reopened, err := NewMemoryRunRepository(dir)
	if err != nil {
		t.Fatalf("reopen compacted: %v", err)
	}
	running, _ := reopened.ListRunning(ctx)
	if len(running) != 1 || running[0].ID != "r1" {
		t.Fatalf("unexpected running records: %+v", running)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	if _, err := Open(context.Background(), "postgres", t.TempDir(), Config{}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected unsupported driver, got %v", err)
	}
	repo, err := Open(context.Background(), "memory", t.TempDir(), Config{})
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	defer repo.Close()
	if _, ok := repo.(*MemoryRunRepository); !ok {
		t.Fatalf("unexpected repository type %T", repo)
	}
}

func TestSQLRunRepositoryStartAndFinish(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		execOp(insertRunSQL, mockResult{rowsAffected: 1}),
		execOp(finishRunSQL, mockResult{rowsAffected: 1}),
		execOp(finishRunSQL, mockResult{rowsAffected: 0}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	repo := &SQLRunRepository{db: db}
	ctx := context.Background()
	if err := repo.StartRun(ctx, RunRecord{ID: "r1", Version: "1.0", Mode: "normal", Entry: "init", PID: 42, StartedAt: 5}); err != nil {
		t.Fatalf("start run: %v", err)
	}
	args := drv.argsAt(0)
	if len(args) != 9 || args[0] != "r1" || args[4] != int64(42) || args[5] != OutcomeRunning {
		t.Fatalf("unexpected insert args: %v", args)
	}
	if err := repo.FinishRun(ctx, "r1", OutcomeClean, "", 9); err != nil {
		t.Fatalf("finish run: %v", err)
	}
	if err := repo.FinishRun(ctx, "r2", OutcomeClean, "", 9); !stdErrors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSQLRunRepositoryDuplicateRun(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		execErrOp(insertRunSQL, &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}),
		execErrOp(insertRunSQL, &mysql.MySQLError{Number: 1146, Message: "Table doesn't exist"}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	repo := &SQLRunRepository{db: db}
	if err := repo.StartRun(context.Background(), RunRecord{ID: "r1"}); !stdErrors.Is(err, ErrRunExists) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	err := repo.StartRun(context.Background(), RunRecord{ID: "r2"})
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected storage failure, got %v", err)
	}
}

func TestSQLRunRepositoryUpgrades(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{
		columns: []string{"run_id", "from_binary", "to_binary", "argv", "outcome", "detail", "created_at"},
		values: [][]driver.Value{
			{"r1", "/opt/v1", "/opt/v2", `["v2","-o"]`, OutcomeUpgradeFailed, "Upgrade failed", int64(30)},
		},
	}
	db, drv := newMockDB(t, []mockOperation{
		execOp(insertUpgradeSQL, mockResult{lastInsertID: 1, rowsAffected: 1}),
		queryOp(listUpgradesSQL, rows),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	repo := &SQLRunRepository{db: db}
	ctx := context.Background()
	if err := repo.RecordUpgrade(ctx, UpgradeRecord{RunID: "r1", To: "/opt/v2", Argv: []string{"v2", "-o"}, Outcome: OutcomeUpgradeFailed}); err != nil {
		t.Fatalf("record upgrade: %v", err)
	}
	if args := drv.argsAt(0); len(args) != 7 || args[3] != `["v2","-o"]` {
		t.Fatalf("unexpected upgrade args: %v", args)
	}

	list, err := repo.ListUpgrades(ctx, 5)
	if err != nil {
		t.Fatalf("list upgrades: %v", err)
	}
	if len(list) != 1 || !reflect.DeepEqual(list[0].Argv, []string{"v2", "-o"}) || list[0].Detail != "Upgrade failed" {
		t.Fatalf("unexpected upgrades: %+v", list)
	}
}

func TestSQLRunRepositoryListRuns(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{
		columns: []string{"id", "version", "mode", "entry", "pid", "outcome", "detail", "started_at", "finished_at"},
		values: [][]driver.Value{
			{"r2", "1.1", "normal", "init", int64(11), OutcomeRunning, nil, int64(20), int64(0)},
			{"r1", "1.0", "normal", "init", int64(10), OutcomeClean, "", int64(10), int64(15)},
		},
	}
	db, drv := newMockDB(t, []mockOperation{queryOp(listRunsSQL, rows)})
	defer drv.assertConsumed(t)
	defer db.Close()

	repo := &SQLRunRepository{db: db}
	list, err := repo.ListRuns(context.Background(), 2)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(list) != 2 || list[0].ID != "r2" || list[0].PID != 11 || list[1].FinishedAt != 15 {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestSQLRunRepositoryListRunningIsUnbounded(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{
		columns: []string{"id", "version", "mode", "entry", "pid", "outcome", "detail", "started_at", "finished_at"},
	}
	for i := 0; i < 25; i++ {
		rows.values = append(rows.values, []driver.Value{
			"r" + strconv.Itoa(i), "1.0", "normal", "init", int64(i), OutcomeRunning, nil, int64(100 - i), int64(0),
		})
	}
	db, drv := newMockDB(t, []mockOperation{queryOp(listRunningSQL, rows)})
	defer drv.assertConsumed(t)
	defer db.Close()

	repo := &SQLRunRepository{db: db}
	list, err := repo.ListRunning(context.Background())
	if err != nil {
		t.Fatalf("list running: %v", err)
	}
	if len(list) != 25 {
		t.Fatalf("expected all 25 running rows, got %d", len(list))
	}
	if args := drv.argsAt(0); len(args) != 1 || args[0] != OutcomeRunning {
		t.Fatalf("unexpected query args: %v", args)
	}
}

func TestSQLRunRepositoryClipsDetail(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{execOp(finishRunSQL, mockResult{rowsAffected: 1})})
	defer drv.assertConsumed(t)
	defer db.Close()

	repo := &SQLRunRepository{db: db}
	if err := repo.FinishRun(context.Background(), "r1", OutcomeFatal, strings.Repeat("x", 3*MaxDetailBytes), 9); err != nil {
		t.Fatalf("finish run: %v", err)
	}
	if args := drv.argsAt(0); len(args) != 4 || len(args[1].(string)) != MaxDetailBytes {
		t.Fatalf("detail not clipped: %d args", len(args))
	}
}

func TestRunMigrations(t *testing.T) {
	t.Parallel()

	files, err := loadMigrationFiles(embeddedMigrations)
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(files) != 2 || files[0].version != "0001" || files[1].version != "0002" {
		t.Fatalf("unexpected migrations: %+v", files)
	}

	ops := []mockOperation{
		execOp(createMigrationsTableSQL, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{
			columns: []string{"version"},
			values:  [][]driver.Value{{"0001"}},
		}),
		beginOp(),
		execOp(files[1].statements[0], mockResult{}),
		execOp(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	if err := runMigrations(context.Background(), db); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestRunMigrationsRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	files, err := loadMigrationFiles(embeddedMigrations)
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	ops := []mockOperation{
		execOp(createMigrationsTableSQL, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}}),
		beginOp(),
		execErrOp(files[0].statements[0], stdErrors.New("syntax error")),
		rollbackOp(),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	if err := runMigrations(context.Background(), db); xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected storage failure, got %v", err)
	}
}

func TestSplitSQLStatementsAndVersion(t *testing.T) {
	t.Parallel()

	got := splitSQLStatements("CREATE TABLE a (x INT);\n\n ;CREATE TABLE b (y INT);")
	if len(got) != 2 || got[1] != "CREATE TABLE b (y INT)" {
		t.Fatalf("unexpected statements: %q", got)
	}
	for name, want := range map[string]string{"0003_add.sql": "0003", "0004.sql": "0004", "plain": "plain"} {
		if v := parseMigrationVersion(name); v != want {
			t.Fatalf("version of %s = %s want %s", name, v, want)
		}
	}
}
