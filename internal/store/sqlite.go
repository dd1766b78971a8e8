package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/javanstorm/vmlab/internal/lab"
)

const schema = `
CREATE TABLE IF NOT EXISTS labs (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	config TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_labs_live_name ON labs(name) WHERE status != 'deleted';

CREATE TABLE IF NOT EXISTS vms (
	id TEXT PRIMARY KEY,
	lab_id TEXT NOT NULL,
	name TEXT NOT NULL,
	vcpu INTEGER NOT NULL,
	ram_mb INTEGER NOT NULL,
	disk_gb INTEGER NOT NULL,
	os_image TEXT NOT NULL,
	status TEXT NOT NULL,
	ssh_port INTEGER,
	vnc_port INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	FOREIGN KEY (lab_id) REFERENCES labs(id) ON DELETE CASCADE,
	UNIQUE(lab_id, name)
);

CREATE INDEX IF NOT EXISTS idx_vms_lab_id ON vms(lab_id);

CREATE TABLE IF NOT EXISTS deployment_logs (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	lab_id TEXT NOT NULL,
	log_type TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY (lab_id) REFERENCES labs(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_deployment_logs_lab_id ON deployment_logs(lab_id);
`

// SQLite is a Store backed by a SQLite database file.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite creates or opens the database at path and initializes the
// schema. The parent directory is created if needed.
func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1) // one writer at a time

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &SQLite{db: db, now: time.Now}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) CreateLab(ctx context.Context, l *lab.Lab) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var n int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM labs WHERE name = ? AND status != ?`, l.Name, lab.LabDeleted).Scan(&n)
	if err != nil {
		return fmt.Errorf("check lab name: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("lab %q: %w", l.Name, lab.ErrConflict)
	}

	prepareLab(l, s.now())

	_, err = tx.ExecContext(ctx,
		`INSERT INTO labs (id, name, description, config, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.Name, l.Description, l.Config, l.Status, l.CreatedAt.UnixNano(), l.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert lab: %w", err)
	}

	for _, vm := range l.VMs {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO vms (id, lab_id, name, vcpu, ram_mb, disk_gb, os_image, status, ssh_port, vnc_port, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			vm.ID, vm.LabID, vm.Name, vm.Resources.VCPU, vm.Resources.RAMMB, vm.Resources.DiskGB,
			vm.Image, vm.Status, nullPort(vm.Ports.SSH), nullPort(vm.Ports.VNC),
			vm.CreatedAt.UnixNano(), vm.UpdatedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("insert vm %s: %w", vm.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLite) GetLab(ctx context.Context, id string) (*lab.Lab, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, config, status, created_at, updated_at FROM labs WHERE id = ?`, id)
	l, err := scanLab(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, lab.NotFoundError("lab", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get lab: %w", err)
	}

	l.VMs, err = s.ListVMs(ctx, id)
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (s *SQLite) ListLabs(ctx context.Context) ([]*lab.Lab, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, config, status, created_at, updated_at FROM labs ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list labs: %w", err)
	}

	var labs []*lab.Lab
	for rows.Next() {
		l, err := scanLab(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan lab: %w", err)
		}
		labs = append(labs, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list labs: %w", err)
	}

	// VMs are loaded after the cursor is closed; the pool holds a single
	// connection.
	for _, l := range labs {
		if l.VMs, err = s.ListVMs(ctx, l.ID); err != nil {
			return nil, err
		}
	}
	return labs, nil
}

func (s *SQLite) SetLabStatus(ctx context.Context, id string, status lab.LabStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE labs SET status = ?, updated_at = ? WHERE id = ?`, status, s.now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("update lab status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return lab.NotFoundError("lab", id)
	}
	return nil
}

const vmColumns = `id, lab_id, name, vcpu, ram_mb, disk_gb, os_image, status, ssh_port, vnc_port, created_at, updated_at`

func (s *SQLite) GetVM(ctx context.Context, id string) (*lab.VM, error) {
	vm, err := scanVM(s.db.QueryRowContext(ctx, `SELECT `+vmColumns+` FROM vms WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, lab.NotFoundError("VM", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get vm: %w", err)
	}
	return vm, nil
}

func (s *SQLite) ListVMs(ctx context.Context, labID string) ([]*lab.VM, error) {
	query := `SELECT ` + vmColumns + ` FROM vms`
	var args []any
	if labID != "" {
		query += ` WHERE lab_id = ?`
		args = append(args, labID)
	}
	query += ` ORDER BY lab_id, name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list vms: %w", err)
	}
	defer rows.Close()

	var vms []*lab.VM
	for rows.Next() {
		vm, err := scanVM(rows)
		if err != nil {
			return nil, fmt.Errorf("scan vm: %w", err)
		}
		vms = append(vms, vm)
	}
	return vms, rows.Err()
}

func (s *SQLite) ApplyVMStatus(ctx context.Context, id string, status lab.VMStatus, ports lab.Ports) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	vm, err := scanVM(tx.QueryRowContext(ctx, `SELECT `+vmColumns+` FROM vms WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return lab.NotFoundError("VM", id)
	}
	if err != nil {
		return fmt.Errorf("get vm: %w", err)
	}
	if err := checkVMStatus(vm, status, ports); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE vms SET status = ?, ssh_port = ?, vnc_port = ?, updated_at = ? WHERE id = ?`,
		status, nullPort(ports.SSH), nullPort(ports.VNC), s.now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("update vm status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLite) AppendLog(ctx context.Context, entry *lab.DeploymentLog) error {
	prepareLog(entry, s.now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deployment_logs (id, lab_id, log_type, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		entry.ID, entry.LabID, entry.Type, entry.Content, entry.CreatedAt.UnixNano())
	if err != nil {
		if _, lerr := s.GetLab(ctx, entry.LabID); errors.Is(lerr, lab.ErrNotFound) {
			return lerr
		}
		return fmt.Errorf("insert log: %w", err)
	}
	return nil
}

func (s *SQLite) ListLogs(ctx context.Context, labID string) ([]*lab.DeploymentLog, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM labs WHERE id = ?`, labID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check lab: %w", err)
	}
	if exists == 0 {
		return nil, lab.NotFoundError("lab", labID)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, lab_id, log_type, content, created_at FROM deployment_logs WHERE lab_id = ? ORDER BY seq`, labID)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	logs := []*lab.DeploymentLog{}
	for rows.Next() {
		var (
			e       lab.DeploymentLog
			created int64
		)
		if err := rows.Scan(&e.ID, &e.LabID, &e.Type, &e.Content, &created); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		e.CreatedAt = time.Unix(0, created)
		logs = append(logs, &e)
	}
	return logs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLab(row scanner) (*lab.Lab, error) {
	var (
		l                lab.Lab
		created, updated int64
	)
	if err := row.Scan(&l.ID, &l.Name, &l.Description, &l.Config, &l.Status, &created, &updated); err != nil {
		return nil, err
	}
	l.CreatedAt = time.Unix(0, created)
	l.UpdatedAt = time.Unix(0, updated)
	return &l, nil
}

func scanVM(row scanner) (*lab.VM, error) {
	var (
		vm               lab.VM
		ssh, vnc         sql.NullInt64
		created, updated int64
	)
	err := row.Scan(&vm.ID, &vm.LabID, &vm.Name, &vm.Resources.VCPU, &vm.Resources.RAMMB, &vm.Resources.DiskGB,
		&vm.Image, &vm.Status, &ssh, &vnc, &created, &updated)
	if err != nil {
		return nil, err
	}
	vm.Ports = lab.Ports{SSH: int(ssh.Int64), VNC: int(vnc.Int64)}
	vm.CreatedAt = time.Unix(0, created)
	vm.UpdatedAt = time.Unix(0, updated)
	return &vm, nil
}

func nullPort(p int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(p), Valid: p > 0}
}
