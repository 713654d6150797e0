package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/go-sql-driver/mysql"

	xerrors "virgo/internal/errors"
)

// 运行结果取值。
const (
	OutcomeRunning       = "running"
	OutcomeClean         = "clean_exit"
	OutcomeFatal         = "fatal_error"
	OutcomeUpgraded      = "upgraded"
	OutcomeUpgradeFailed = "upgrade_failed"
)

// maxMemoryRecords 限制内存驱动保留的记录数。
const maxMemoryRecords = 512

// MaxDetailBytes 限制写入运行与升级记录的 detail 长度。
const MaxDetailBytes = 4096

// maxLedgerLine 超过该长度的日志行在加载时被跳过。
const maxLedgerLine = 1 << 20

// clipDetail 把 detail 截断到 MaxDetailBytes 以内，不拆分 UTF-8 字符。
func clipDetail(detail string) string {
	if len(detail) <= MaxDetailBytes {
		return detail
	}
	cut := MaxDetailBytes
	for cut > 0 && !utf8.RuneStart(detail[cut]) {
		cut--
	}
	return detail[:cut]
}

// RunRecord 表示一次 agent 进程运行。
type RunRecord struct {
	ID         string `json:"id"`
	Version    string `json:"version"`
	Mode       string `json:"mode"`
	Entry      string `json:"entry"`
	PID        int    `json:"pid"`
	Outcome    string `json:"outcome"`
	Detail     string `json:"detail,omitempty"`
	StartedAt  int64  `json:"started_at"`
	FinishedAt int64  `json:"finished_at,omitempty"`
}

// UpgradeRecord 表示一次自升级尝试。
type UpgradeRecord struct {
	RunID     string   `json:"run_id"`
	From      string   `json:"from"`
	To        string   `json:"to"`
	Argv      []string `json:"argv"`
	Outcome   string   `json:"outcome"`
	Detail    string   `json:"detail,omitempty"`
	CreatedAt int64    `json:"created_at"`
}

// RunRepository 抽象运行记录的持久化接口。
type RunRepository interface {
	StartRun(ctx context.Context, record RunRecord) error
	FinishRun(ctx context.Context, id, outcome, detail string, finishedAt int64) error
	RecordUpgrade(ctx context.Context, record UpgradeRecord) error
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)
	// ListRunning 返回所有仍处于 running 状态的记录，不分页。
	ListRunning(ctx context.Context) ([]RunRecord, error)
	ListUpgrades(ctx context.Context, limit int) ([]UpgradeRecord, error)
	Close() error
}

var (
	// ErrRunExists 表示运行 ID 已被记录。
	ErrRunExists = xerrors.Sentinel(xerrors.CodeRunExists)
	// ErrRunNotFound 表示运行 ID 不存在。
	ErrRunNotFound = xerrors.Sentinel(xerrors.CodeRunNotFound)
	// ErrUnsupportedDriver 表示未知的存储驱动。
	ErrUnsupportedDriver = xerrors.New(xerrors.CodeInvalidArgument, "unsupported run store driver")
)

// Open 根据驱动名称创建运行记录仓库。
func Open(ctx context.Context, driver, dataDir string, cfg Config) (RunRepository, error) {
	switch driver {
	case "", "memory":
		repo, err := NewMemoryRunRepository(dataDir)
		if err != nil {
			return nil, err
		}
		return repo, nil
	case "mysql":
		repo, err := NewSQLRunRepository(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return repo, nil
	default:
		return nil, ErrUnsupportedDriver
	}
}

// ledgerEntry 是 JSON 行文件中的一行。
type ledgerEntry struct {
	Kind    string         `json:"kind"`
	Run     *RunRecord     `json:"run,omitempty"`
	Upgrade *UpgradeRecord `json:"upgrade,omitempty"`
}

// MemoryRunRepository 将记录保存在内存中，并以追加写的方式落盘到 JSON 行文件。
type MemoryRunRepository struct {
	mu       sync.RWMutex
	dataFile string
	runs     map[string]*RunRecord
	upgrades []UpgradeRecord
}

// NewMemoryRunRepository 创建一个内存运行记录仓库并从磁盘恢复历史记录。
func NewMemoryRunRepository(dataDir string) (*MemoryRunRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
	}
	repo := &MemoryRunRepository{
		dataFile: filepath.Join(dataDir, "runs.log"),
		runs:     make(map[string]*RunRecord),
	}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// StartRun 记录一次新的运行。
func (m *MemoryRunRepository) StartRun(_ context.Context, record RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[record.ID]; ok {
		return ErrRunExists
	}
	if record.Outcome == "" {
		record.Outcome = OutcomeRunning
	}
	record.Detail = clipDetail(record.Detail)
	if err := m.append(ledgerEntry{Kind: "run", Run: &record}); err != nil {
		return err
	}
	m.runs[record.ID] = &record
	m.trim()
	return nil
}

// FinishRun 更新运行的结束状态。
func (m *MemoryRunRepository) FinishRun(_ context.Context, id, outcome, detail string, finishedAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	updated := *existing
	updated.Outcome = outcome
	updated.Detail = clipDetail(detail)
	updated.FinishedAt = finishedAt
	if err := m.append(ledgerEntry{Kind: "run", Run: &updated}); err != nil {
		return err
	}
	m.runs[id] = &updated
	return nil
}

// RecordUpgrade 记录一次升级尝试。
func (m *MemoryRunRepository) RecordUpgrade(_ context.Context, record UpgradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record.Argv = append([]string(nil), record.Argv...)
	record.Detail = clipDetail(record.Detail)
	if err := m.append(ledgerEntry{Kind: "upgrade", Upgrade: &record}); err != nil {
		return err
	}
	m.upgrades = append(m.upgrades, record)
	if len(m.upgrades) > maxMemoryRecords {
		m.upgrades = m.upgrades[len(m.upgrades)-maxMemoryRecords:]
	}
	return nil
}

// ListRuns 返回最近的运行记录，按开始时间倒序排列。
func (m *MemoryRunRepository) ListRuns(_ context.Context, limit int) ([]RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	runs := m.sortedRuns()
	if limit <= 0 || limit > len(runs) {
		limit = len(runs)
	}
	return runs[:limit], nil
}

// ListRunning 返回仍处于 running 状态的运行记录。
func (m *MemoryRunRepository) ListRunning(_ context.Context) ([]RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var running []RunRecord
	for _, record := range m.sortedRuns() {
		if record.Outcome == OutcomeRunning {
			running = append(running, record)
		}
	}
	return running, nil
}

// ListUpgrades 返回最近的升级记录，最新的在前。
func (m *MemoryRunRepository) ListUpgrades(_ context.Context, limit int) ([]UpgradeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.upgrades) {
		limit = len(m.upgrades)
	}
	results := make([]UpgradeRecord, 0, limit)
	for i := len(m.upgrades) - 1; i >= 0 && len(results) < limit; i-- {
		results = append(results, m.upgrades[i])
	}
	return results, nil
}

// Close 对内存驱动无操作。
func (m *MemoryRunRepository) Close() error { return nil }

func (m *MemoryRunRepository) sortedRuns() []RunRecord {
	runs := make([]RunRecord, 0, len(m.runs))
	for _, record := range m.runs {
		runs = append(runs, *record)
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAt == runs[j].StartedAt {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].StartedAt > runs[j].StartedAt
	})
	return runs
}

func (m *MemoryRunRepository) trim() {
	if len(m.runs) <= maxMemoryRecords {
		return
	}
	runs := m.sortedRuns()
	for _, record := range runs[maxMemoryRecords:] {
		delete(m.runs, record.ID)
	}
}

func (m *MemoryRunRepository) append(entry ledgerEntry) error {
	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开运行日志失败")
	}
	defer file.Close()

	encoded, err := json.Marshal(entry)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化运行记录失败")
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入运行日志失败")
	}
	return nil
}

// loadFromDisk 重放 JSON 行文件。损坏或过长的行被跳过；
// 文件行数超过保留的记录数时重写为压缩后的内容。
func (m *MemoryRunRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取运行日志失败")
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	lines := 0
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(line) > 0 {
			lines++
			m.replay(line)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, readErr, "解析运行日志失败")
		}
	}
	m.trim()
	if len(m.upgrades) > maxMemoryRecords {
		m.upgrades = m.upgrades[len(m.upgrades)-maxMemoryRecords:]
	}

	if kept := len(m.runs) + len(m.upgrades); lines > maxMemoryRecords && lines > kept {
		return m.compact()
	}
	return nil
}

func (m *MemoryRunRepository) replay(line []byte) {
	if len(line) > maxLedgerLine {
		return
	}
	var entry ledgerEntry
	if err := json.Unmarshal(line, &entry); err != nil {
		return
	}
	switch {
	case entry.Kind == "run" && entry.Run != nil:
		m.runs[entry.Run.ID] = entry.Run
	case entry.Kind == "upgrade" && entry.Upgrade != nil:
		m.upgrades = append(m.upgrades, *entry.Upgrade)
	}
}

// compact 以当前保留的记录重写日志文件，先写临时文件再原子替换。
func (m *MemoryRunRepository) compact() error {
	tmp, err := os.CreateTemp(filepath.Dir(m.dataFile), "runs-*.log")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "压缩运行日志失败")
	}
	defer os.Remove(tmp.Name())

	writer := bufio.NewWriter(tmp)
	encoder := json.NewEncoder(writer)
	runs := m.sortedRuns()
	for i := len(runs) - 1; i >= 0; i-- {
		run := runs[i]
		if err := encoder.Encode(ledgerEntry{Kind: "run", Run: &run}); err != nil {
			tmp.Close()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "压缩运行日志失败")
		}
	}
	for i := range m.upgrades {
		if err := encoder.Encode(ledgerEntry{Kind: "upgrade", Upgrade: &m.upgrades[i]}); err != nil {
			tmp.Close()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "压缩运行日志失败")
		}
	}
	if err := writer.Flush(); err != nil {
		tmp.Close()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "压缩运行日志失败")
	}
	if err := tmp.Close(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "压缩运行日志失败")
	}
	if err := os.Rename(tmp.Name(), m.dataFile); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "压缩运行日志失败")
	}
	return nil
}

// SQLRunRepository 使用 MySQL 存储运行记录。
type SQLRunRepository struct {
	db *sql.DB
}

// NewSQLRunRepository 创建连接池并执行迁移。
func NewSQLRunRepository(ctx context.Context, cfg Config) (*SQLRunRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLRunRepository{db: db}, nil
}

const insertRunSQL = `INSERT INTO agent_runs
        (id, version, mode, entry, pid, outcome, detail, started_at, finished_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

const finishRunSQL = `UPDATE agent_runs SET outcome = ?, detail = ?, finished_at = ? WHERE id = ?`

const insertUpgradeSQL = `INSERT INTO agent_upgrades
        (run_id, from_binary, to_binary, argv, outcome, detail, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`

const listRunsSQL = `SELECT id, version, mode, entry, pid, outcome, detail, started_at, finished_at
        FROM agent_runs ORDER BY started_at DESC, id DESC LIMIT ?`

const listRunningSQL = `SELECT id, version, mode, entry, pid, outcome, detail, started_at, finished_at
        FROM agent_runs WHERE outcome = ? ORDER BY started_at DESC, id DESC`

const listUpgradesSQL = `SELECT run_id, from_binary, to_binary, argv, outcome, detail, created_at
        FROM agent_upgrades ORDER BY created_at DESC, id DESC LIMIT ?`

// StartRun 写入一条运行记录。
func (s *SQLRunRepository) StartRun(ctx context.Context, record RunRecord) error {
	if record.Outcome == "" {
		record.Outcome = OutcomeRunning
	}
	if _, err := s.db.ExecContext(ctx, insertRunSQL,
		record.ID,
		record.Version,
		record.Mode,
		record.Entry,
		record.PID,
		record.Outcome,
		clipDetail(record.Detail),
		record.StartedAt,
		record.FinishedAt,
	); err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrRunExists
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入运行记录失败")
	}
	return nil
}

// FinishRun 更新运行的结束状态。
func (s *SQLRunRepository) FinishRun(ctx context.Context, id, outcome, detail string, finishedAt int64) error {
	result, err := s.db.ExecContext(ctx, finishRunSQL, outcome, clipDetail(detail), finishedAt, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新运行记录失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新运行记录失败")
	}
	if affected == 0 {
		return ErrRunNotFound
	}
	return nil
}

// RecordUpgrade 写入一条升级记录，argv 以 JSON 数组保存。
func (s *SQLRunRepository) RecordUpgrade(ctx context.Context, record UpgradeRecord) error {
	argv, err := json.Marshal(record.Argv)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化升级参数失败")
	}
	if _, err := s.db.ExecContext(ctx, insertUpgradeSQL,
		record.RunID,
		record.From,
		record.To,
		string(argv),
		record.Outcome,
		clipDetail(record.Detail),
		record.CreatedAt,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入升级记录失败")
	}
	return nil
}

// ListRuns 查询最近的运行记录。
func (s *SQLRunRepository) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, listRunsSQL, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行记录失败")
	}
	return scanRuns(rows)
}

// ListRunning 查询全部 running 状态的运行记录。
func (s *SQLRunRepository) ListRunning(ctx context.Context) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, listRunningSQL, OutcomeRunning)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行记录失败")
	}
	return scanRuns(rows)
}

func scanRuns(rows *sql.Rows) ([]RunRecord, error) {
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		var record RunRecord
		var detail sql.NullString
		if err := rows.Scan(&record.ID, &record.Version, &record.Mode, &record.Entry, &record.PID,
			&record.Outcome, &detail, &record.StartedAt, &record.FinishedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析运行记录失败")
		}
		record.Detail = detail.String
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历运行记录失败")
	}
	return records, nil
}

// ListUpgrades 查询最近的升级记录。
func (s *SQLRunRepository) ListUpgrades(ctx context.Context, limit int) ([]UpgradeRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, listUpgradesSQL, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询升级记录失败")
	}
	defer rows.Close()

	var records []UpgradeRecord
	for rows.Next() {
		var record UpgradeRecord
		var argv, detail sql.NullString
		if err := rows.Scan(&record.RunID, &record.From, &record.To, &argv, &record.Outcome, &detail, &record.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析升级记录失败")
		}
		if argv.Valid && argv.String != "" {
			if err := json.Unmarshal([]byte(argv.String), &record.Argv); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("解析升级参数失败 (run %s)", record.RunID))
			}
		}
		record.Detail = detail.String
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历升级记录失败")
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLRunRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
