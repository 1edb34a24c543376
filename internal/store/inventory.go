package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/quipucords/quipucords/internal/model"
)

const credentialColumns = `id, name, cred_type, username, password, ssh_key, ssh_passphrase,
	auth_token, become_method, become_user, become_password`

// CreateCredential stores c, whose secrets must already be sealed.
func (s *Store) CreateCredential(ctx context.Context, c model.Credential) (model.Credential, error) {
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := nameTaken(ctx, tx, "credentials", c.Name, 0); err != nil {
			return err
		}
		id, err := s.insert(ctx, tx,
			`INSERT INTO credentials (name, cred_type, username, password, ssh_key, ssh_passphrase,
				auth_token, become_method, become_user, become_password)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.Name, c.Type, c.Username, c.Password, c.SSHKey, c.SSHPassphrase,
			c.AuthToken, c.BecomeMethod, c.BecomeUser, c.BecomePassword,
		)
		c.ID = id
		return err
	})
	return c, err
}

func (s *Store) GetCredential(ctx context.Context, id int64) (model.Credential, error) {
	var c model.Credential
	err := get(ctx, s.db, &c, `SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Credential{}, notFound("credential", id)
	}
	if err != nil {
		return model.Credential{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return c, nil
}

func (s *Store) ListCredentials(ctx context.Context) ([]model.Credential, error) {
	var ret []model.Credential
	if err := selectAll(ctx, s.db, &ret, `SELECT `+credentialColumns+` FROM credentials ORDER BY id`); err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	return ret, nil
}

// CredentialsByIDs returns credentials in the order of ids.
func (s *Store) CredentialsByIDs(ctx context.Context, ids []int64) ([]model.Credential, error) {
	return credentialsByIDs(ctx, s.db, ids)
}

func credentialsByIDs(ctx context.Context, q sqlx.QueryerContext, ids []int64) ([]model.Credential, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := inClause(`SELECT `+credentialColumns+` FROM credentials WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var rows []model.Credential
	if err := selectAll(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	byID := make(map[int64]model.Credential, len(rows))
	for _, r := range rows {
		byID[r.ID] = r
	}
	ret := make([]model.Credential, 0, len(ids))
	for _, id := range ids {
		c, ok := byID[id]
		if !ok {
			return nil, notFound("credential", id)
		}
		ret = append(ret, c)
	}
	return ret, nil
}

// UpdateCredential replaces c. The credential type is immutable.
func (s *Store) UpdateCredential(ctx context.Context, c model.Credential) (model.Credential, error) {
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var prev model.Credential
		err := get(ctx, tx, &prev, `SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, c.ID)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("credential", c.ID)
		}
		if err != nil {
			return fmt.Errorf("executing sql query failed: %w", err)
		}
		if prev.Type != c.Type {
			return fmt.Errorf("credential %d: type %s cannot be changed to %s: %w", c.ID, prev.Type, c.Type, model.ErrInvalidTransition)
		}
		if err := nameTaken(ctx, tx, "credentials", c.Name, c.ID); err != nil {
			return err
		}
		_, err = exec(ctx, tx,
			`UPDATE credentials SET name = ?, username = ?, password = ?, ssh_key = ?, ssh_passphrase = ?,
				auth_token = ?, become_method = ?, become_user = ?, become_password = ?
			WHERE id = ?`,
			c.Name, c.Username, c.Password, c.SSHKey, c.SSHPassphrase,
			c.AuthToken, c.BecomeMethod, c.BecomeUser, c.BecomePassword, c.ID,
		)
		return err
	})
	return c, err
}

// DeleteCredential fails with ErrInUse while a source references the credential.
func (s *Store) DeleteCredential(ctx context.Context, id int64) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var refs int
		if err := get(ctx, tx, &refs, `SELECT COUNT(*) FROM source_credentials WHERE credential_id = ?`, id); err != nil {
			return fmt.Errorf("executing sql query failed: %w", err)
		}
		if refs > 0 {
			return fmt.Errorf("credential %d is used by %d source(s): %w", id, refs, ErrInUse)
		}
		n, err := exec(ctx, tx, `DELETE FROM credentials WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n != 1 {
			return notFound("credential", id)
		}
		return nil
	})
}

type sourceRow struct {
	ID           int64  `db:"id"`
	Name         string `db:"name"`
	Type         string `db:"source_type"`
	Hosts        string `db:"hosts"`
	ExcludeHosts string `db:"exclude_hosts"`
	Port         int    `db:"port"`
	Options      string `db:"options_json"`
}

func (r sourceRow) source() (model.Source, error) {
	src := model.Source{
		ID:   r.ID,
		Name: r.Name,
		Type: model.SourceType(r.Type),
		Port: r.Port,
	}
	if err := fromJSON(r.Hosts, &src.Hosts); err != nil {
		return model.Source{}, fmt.Errorf("source %d hosts: %w", r.ID, err)
	}
	if err := fromJSON(r.ExcludeHosts, &src.ExcludeHosts); err != nil {
		return model.Source{}, fmt.Errorf("source %d exclude_hosts: %w", r.ID, err)
	}
	if err := fromJSON(r.Options, &src.Options); err != nil {
		return model.Source{}, fmt.Errorf("source %d options: %w", r.ID, err)
	}
	return src, nil
}

const sourceColumns = `id, name, source_type, hosts, exclude_hosts, port, options_json`

// CreateSource validates src against the credentials it references and stores it.
func (s *Store) CreateSource(ctx context.Context, src model.Source) (model.Source, error) {
	if src.Port == 0 {
		src.Port = src.Type.DefaultPort()
	}
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := checkSource(ctx, tx, src); err != nil {
			return err
		}
		if err := nameTaken(ctx, tx, "sources", src.Name, 0); err != nil {
			return err
		}
		hosts, excl, opts, err := sourceJSON(src)
		if err != nil {
			return err
		}
		id, err := s.insert(ctx, tx,
			`INSERT INTO sources (name, source_type, hosts, exclude_hosts, port, options_json) VALUES (?, ?, ?, ?, ?, ?)`,
			src.Name, src.Type, hosts, excl, src.Port, opts,
		)
		if err != nil {
			return err
		}
		src.ID = id
		return setSourceCredentials(ctx, tx, id, src.CredentialIDs)
	})
	return src, err
}

func (s *Store) GetSource(ctx context.Context, id int64) (model.Source, error) {
	return getSource(ctx, s.db, id)
}

func getSource(ctx context.Context, q sqlx.QueryerContext, id int64) (model.Source, error) {
	var row sourceRow
	err := get(ctx, q, &row, `SELECT `+sourceColumns+` FROM sources WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Source{}, notFound("source", id)
	}
	if err != nil {
		return model.Source{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	src, err := row.source()
	if err != nil {
		return model.Source{}, err
	}
	if err := selectAll(ctx, q, &src.CredentialIDs,
		`SELECT credential_id FROM source_credentials WHERE source_id = ? ORDER BY position`, id); err != nil {
		return model.Source{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return src, nil
}

func (s *Store) ListSources(ctx context.Context) ([]model.Source, error) {
	var ids []int64
	if err := selectAll(ctx, s.db, &ids, `SELECT id FROM sources ORDER BY id`); err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	ret := make([]model.Source, 0, len(ids))
	for _, id := range ids {
		src, err := s.GetSource(ctx, id)
		if err != nil {
			return nil, err
		}
		ret = append(ret, src)
	}
	return ret, nil
}

func (s *Store) UpdateSource(ctx context.Context, src model.Source) (model.Source, error) {
	if src.Port == 0 {
		src.Port = src.Type.DefaultPort()
	}
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		prev, err := getSource(ctx, tx, src.ID)
		if err != nil {
			return err
		}
		if prev.Type != src.Type {
			return fmt.Errorf("source %d: type %s cannot be changed to %s: %w", src.ID, prev.Type, src.Type, model.ErrInvalidTransition)
		}
		if err := checkSource(ctx, tx, src); err != nil {
			return err
		}
		if err := nameTaken(ctx, tx, "sources", src.Name, src.ID); err != nil {
			return err
		}
		hosts, excl, opts, err := sourceJSON(src)
		if err != nil {
			return err
		}
		if _, err := exec(ctx, tx,
			`UPDATE sources SET name = ?, hosts = ?, exclude_hosts = ?, port = ?, options_json = ? WHERE id = ?`,
			src.Name, hosts, excl, src.Port, opts, src.ID,
		); err != nil {
			return err
		}
		if _, err := exec(ctx, tx, `DELETE FROM source_credentials WHERE source_id = ?`, src.ID); err != nil {
			return err
		}
		return setSourceCredentials(ctx, tx, src.ID, src.CredentialIDs)
	})
	return src, err
}

// DeleteSource fails with ErrInUse while a scan references the source.
func (s *Store) DeleteSource(ctx context.Context, id int64) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var refs int
		if err := get(ctx, tx, &refs, `SELECT COUNT(*) FROM scan_sources WHERE source_id = ?`, id); err != nil {
			return fmt.Errorf("executing sql query failed: %w", err)
		}
		if refs > 0 {
			return fmt.Errorf("source %d is used by %d scan(s): %w", id, refs, ErrInUse)
		}
		n, err := exec(ctx, tx, `DELETE FROM sources WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n != 1 {
			return notFound("source", id)
		}
		_, err = exec(ctx, tx, `DELETE FROM source_credentials WHERE source_id = ?`, id)
		return err
	})
}

func checkSource(ctx context.Context, tx *sqlx.Tx, src model.Source) error {
	creds, err := credentialsByIDs(ctx, tx, src.CredentialIDs)
	if err != nil {
		return err
	}
	return src.Validate(creds)
}

func sourceJSON(src model.Source) (hosts, excl, opts string, err error) {
	if hosts, err = toJSON(src.Hosts); err != nil {
		return
	}
	if src.ExcludeHosts == nil {
		src.ExcludeHosts = []string{}
	}
	if excl, err = toJSON(src.ExcludeHosts); err != nil {
		return
	}
	opts, err = toJSON(src.Options)
	return
}

func setSourceCredentials(ctx context.Context, tx *sqlx.Tx, sourceID int64, ids []int64) error {
	for i, id := range ids {
		if _, err := exec(ctx, tx,
			`INSERT INTO source_credentials (source_id, credential_id, position) VALUES (?, ?, ?)`,
			sourceID, id, i,
		); err != nil {
			return err
		}
	}
	return nil
}

type scanRow struct {
	ID       int64  `db:"id"`
	Name     string `db:"name"`
	ScanType string `db:"scan_type"`
	Options  string `db:"options_json"`
}

func (s *Store) CreateScan(ctx context.Context, scan model.Scan) (model.Scan, error) {
	if scan.ScanType == "" {
		scan.ScanType = model.ScanTypeInspect
	}
	if err := scan.Validate(); err != nil {
		return model.Scan{}, err
	}
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := sourcesExist(ctx, tx, scan.SourceIDs); err != nil {
			return err
		}
		if err := nameTaken(ctx, tx, "scans", scan.Name, 0); err != nil {
			return err
		}
		opts, err := toJSON(scan.Options)
		if err != nil {
			return err
		}
		id, err := s.insert(ctx, tx, `INSERT INTO scans (name, scan_type, options_json) VALUES (?, ?, ?)`,
			scan.Name, scan.ScanType, opts)
		if err != nil {
			return err
		}
		scan.ID = id
		return setScanSources(ctx, tx, id, scan.SourceIDs)
	})
	return scan, err
}

func (s *Store) GetScan(ctx context.Context, id int64) (model.Scan, error) {
	return getScan(ctx, s.db, id)
}

func getScan(ctx context.Context, q sqlx.QueryerContext, id int64) (model.Scan, error) {
	var row scanRow
	err := get(ctx, q, &row, `SELECT id, name, scan_type, options_json FROM scans WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Scan{}, notFound("scan", id)
	}
	if err != nil {
		return model.Scan{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	scan := model.Scan{ID: row.ID, Name: row.Name, ScanType: row.ScanType}
	if err := fromJSON(row.Options, &scan.Options); err != nil {
		return model.Scan{}, fmt.Errorf("scan %d options: %w", id, err)
	}
	if err := selectAll(ctx, q, &scan.SourceIDs,
		`SELECT source_id FROM scan_sources WHERE scan_id = ? ORDER BY position`, id); err != nil {
		return model.Scan{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return scan, nil
}

// ScanByName is used to seed the inventory file idempotently.
func (s *Store) ScanByName(ctx context.Context, name string) (model.Scan, error) {
	var id int64
	err := get(ctx, s.db, &id, `SELECT id FROM scans WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Scan{}, notFound("scan", name)
	}
	if err != nil {
		return model.Scan{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return s.GetScan(ctx, id)
}

func (s *Store) ListScans(ctx context.Context) ([]model.Scan, error) {
	var ids []int64
	if err := selectAll(ctx, s.db, &ids, `SELECT id FROM scans ORDER BY id`); err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	ret := make([]model.Scan, 0, len(ids))
	for _, id := range ids {
		scan, err := s.GetScan(ctx, id)
		if err != nil {
			return nil, err
		}
		ret = append(ret, scan)
	}
	return ret, nil
}

func (s *Store) UpdateScan(ctx context.Context, scan model.Scan) (model.Scan, error) {
	if scan.ScanType == "" {
		scan.ScanType = model.ScanTypeInspect
	}
	if err := scan.Validate(); err != nil {
		return model.Scan{}, err
	}
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := getScan(ctx, tx, scan.ID); err != nil {
			return err
		}
		if err := sourcesExist(ctx, tx, scan.SourceIDs); err != nil {
			return err
		}
		if err := nameTaken(ctx, tx, "scans", scan.Name, scan.ID); err != nil {
			return err
		}
		opts, err := toJSON(scan.Options)
		if err != nil {
			return err
		}
		if _, err := exec(ctx, tx, `UPDATE scans SET name = ?, scan_type = ?, options_json = ? WHERE id = ?`,
			scan.Name, scan.ScanType, opts, scan.ID); err != nil {
			return err
		}
		if _, err := exec(ctx, tx, `DELETE FROM scan_sources WHERE scan_id = ?`, scan.ID); err != nil {
			return err
		}
		return setScanSources(ctx, tx, scan.ID, scan.SourceIDs)
	})
	return scan, err
}

// DeleteScan removes the scan and every job of it.
func (s *Store) DeleteScan(ctx context.Context, id int64) error {
	var jobs []int64
	if err := selectAll(ctx, s.db, &jobs, `SELECT id FROM scan_jobs WHERE scan_id = ?`, id); err != nil {
		return fmt.Errorf("executing sql query failed: %w", err)
	}
	for _, jobID := range jobs {
		if err := s.DeleteJob(ctx, jobID); err != nil {
			return err
		}
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		n, err := exec(ctx, tx, `DELETE FROM scans WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n != 1 {
			return notFound("scan", id)
		}
		_, err = exec(ctx, tx, `DELETE FROM scan_sources WHERE scan_id = ?`, id)
		return err
	})
}

func sourcesExist(ctx context.Context, tx *sqlx.Tx, ids []int64) error {
	for _, id := range ids {
		var n int
		if err := get(ctx, tx, &n, `SELECT COUNT(*) FROM sources WHERE id = ?`, id); err != nil {
			return fmt.Errorf("executing sql query failed: %w", err)
		}
		if n == 0 {
			return notFound("source", id)
		}
	}
	return nil
}

func setScanSources(ctx context.Context, tx *sqlx.Tx, scanID int64, ids []int64) error {
	for i, id := range ids {
		if _, err := exec(ctx, tx,
			`INSERT INTO scan_sources (scan_id, source_id, position) VALUES (?, ?, ?)`,
			scanID, id, i,
		); err != nil {
			return err
		}
	}
	return nil
}

func nameTaken(ctx context.Context, tx *sqlx.Tx, table, name string, exceptID int64) error {
	var n int
	if err := get(ctx, tx, &n, `SELECT COUNT(*) FROM `+table+` WHERE name = ? AND id <> ?`, name, exceptID); err != nil {
		return fmt.Errorf("executing sql query failed: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("%s %q: %w", table, name, model.ErrAlreadyExists)
	}
	return nil
}
