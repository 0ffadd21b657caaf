package storagebroker

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/Mindburn-Labs/helm-datasets/pkg/admin"
	"github.com/Mindburn-Labs/helm-datasets/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-datasets/pkg/clock"
	"github.com/Mindburn-Labs/helm-datasets/pkg/errorir"
	"github.com/Mindburn-Labs/helm-datasets/pkg/manifest"
	"github.com/Mindburn-Labs/helm-datasets/pkg/naming"
)

// Dialect captures what differs between the SQL engines a SQLBroker runs on.
type Dialect struct {
	Scheme   string
	Driver   string
	BlobType string
	RealType string
	// Numbered placeholders ($1, $2, ...) instead of ?.
	Numbered bool
}

var (
	DialectSQLite   = Dialect{Scheme: "sqlite", Driver: "sqlite", BlobType: "BLOB", RealType: "REAL"}
	DialectPostgres = Dialect{Scheme: "postgres", Driver: "postgres", BlobType: "BYTEA", RealType: "DOUBLE PRECISION", Numbered: true}
)

// rebind rewrites ? placeholders for dialects that number them.
func (d Dialect) rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (d Dialect) schema() string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS datasets (
	name TEXT PRIMARY KEY,
	admin TEXT,
	manifest TEXT,
	readme TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS items (
	dataset TEXT NOT NULL,
	identifier TEXT NOT NULL,
	relpath TEXT NOT NULL,
	size_in_bytes BIGINT NOT NULL,
	hash TEXT NOT NULL,
	utc_timestamp %s NOT NULL,
	content %s NOT NULL,
	PRIMARY KEY (dataset, identifier)
);
CREATE TABLE IF NOT EXISTS item_metadata (
	dataset TEXT NOT NULL,
	identifier TEXT NOT NULL,
	meta_key TEXT NOT NULL,
	meta_value TEXT NOT NULL,
	PRIMARY KEY (dataset, identifier, meta_key)
);
CREATE TABLE IF NOT EXISTS overlays (
	dataset TEXT NOT NULL,
	name TEXT NOT NULL,
	body TEXT NOT NULL,
	PRIMARY KEY (dataset, name)
);
CREATE TABLE IF NOT EXISTS tags (
	dataset TEXT NOT NULL,
	tag TEXT NOT NULL,
	PRIMARY KEY (dataset, tag)
);
`, d.RealType, d.BlobType)
}

// SQLBackend serves sqlite:// and postgres:// URIs. The dataset is chosen with
// the dataset query parameter, e.g. sqlite:///srv/datasets.db?dataset=ds1.
type SQLBackend struct {
	dialect Dialect
}

func NewSQLBackend(d Dialect) SQLBackend { return SQLBackend{dialect: d} }

func (s SQLBackend) Scheme() string { return s.dialect.Scheme }

func (s SQLBackend) GenerateURI(name, _ string, baseURI string) (string, error) {
	u, err := url.Parse(baseURI)
	if err != nil || u.Scheme != s.dialect.Scheme {
		return "", errorir.Errorf(errorir.ErrValue, "not a %s URI: %q", s.dialect.Scheme, baseURI)
	}
	q := u.Query()
	q.Set("dataset", name)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s SQLBackend) Open(ctx context.Context, uri string) (Broker, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != s.dialect.Scheme {
		return nil, errorir.Errorf(errorir.ErrValue, "not a %s URI: %q", s.dialect.Scheme, uri)
	}
	q := u.Query()
	name := q.Get("dataset")
	if name == "" {
		return nil, errorir.Errorf(errorir.ErrValue, "%s URI %q has no dataset parameter", s.dialect.Scheme, uri)
	}
	q.Del("dataset")
	u.RawQuery = q.Encode()

	var dsn string
	switch s.dialect.Driver {
	case "sqlite":
		p := filepath.FromSlash(u.Host + u.Path)
		//nolint:gosec // G301
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return nil, storageErr("create database directory", err)
		}
		dsn = p + "?_pragma=busy_timeout(5000)"
	default:
		dsn = u.String()
	}

	db, err := sql.Open(s.dialect.Driver, dsn)
	if err != nil {
		return nil, storageErr("open "+s.dialect.Scheme, err)
	}
	if s.dialect.Driver == "sqlite" {
		db.SetMaxOpenConns(1)
	}
	b := NewSQLBroker(db, s.dialect, uri, name)
	b.ownsDB = true
	if err := b.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

// SQLBroker stores one dataset as rows keyed by dataset name. Several
// datasets can share one database.
type SQLBroker struct {
	db      *sql.DB
	dialect Dialect
	uri     string
	name    string
	ownsDB  bool
	now     clock.Clock
}

// NewSQLBroker wraps an open database. The caller keeps ownership of db.
func NewSQLBroker(db *sql.DB, d Dialect, uri, name string) *SQLBroker {
	return &SQLBroker{db: db, dialect: d, uri: uri, name: name, now: clock.System}
}

// Init creates the tables if they are missing.
func (b *SQLBroker) Init(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, b.dialect.schema()); err != nil {
		return storageErr("init schema", err)
	}
	return nil
}

func (b *SQLBroker) URI() string { return b.uri }

func (b *SQLBroker) Close() error {
	if b.ownsDB {
		return b.db.Close()
	}
	return nil
}

func (b *SQLBroker) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	res, err := b.db.ExecContext(ctx, b.dialect.rebind(query), args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	return res, nil
}

// mustAffect maps "no row changed" to ErrKey.
func mustAffect(res sql.Result, format string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("rows affected", err)
	}
	if n == 0 {
		return errorir.Errorf(errorir.ErrKey, format, args...)
	}
	return nil
}

func (b *SQLBroker) Create(ctx context.Context) error {
	var n int
	row := b.db.QueryRowContext(ctx, b.dialect.rebind(`SELECT COUNT(*) FROM datasets WHERE name = ?`), b.name)
	if err := row.Scan(&n); err != nil {
		return storageErr("create", err)
	}
	if n > 0 {
		return errorir.Errorf(errorir.ErrStorage, "dataset %q already exists in %s", b.name, b.uri)
	}
	_, err := b.exec(ctx, "create", `INSERT INTO datasets (name, readme) VALUES (?, ?)`, b.name, "")
	return err
}

func (b *SQLBroker) PutAdminMetadata(ctx context.Context, m admin.Metadata) error {
	data, err := admin.Encode(m)
	if err != nil {
		return err
	}
	res, err := b.exec(ctx, "put admin metadata", `UPDATE datasets SET admin = ? WHERE name = ?`, string(data), b.name)
	if err != nil {
		return err
	}
	return mustAffect(res, "dataset %q has not been created in %s", b.name, b.uri)
}

func (b *SQLBroker) adminRecord(ctx context.Context) (sql.NullString, error) {
	var rec sql.NullString
	err := b.db.QueryRowContext(ctx, b.dialect.rebind(`SELECT admin FROM datasets WHERE name = ?`), b.name).Scan(&rec)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return rec, storageErr("get admin metadata", err)
	}
	return rec, nil
}

func (b *SQLBroker) GetAdminMetadata(ctx context.Context) (admin.Metadata, error) {
	rec, err := b.adminRecord(ctx)
	if err != nil {
		return admin.Metadata{}, err
	}
	if !rec.Valid {
		return admin.Metadata{}, errorir.Errorf(errorir.ErrKey, "admin metadata not found in %s", b.uri)
	}
	return admin.Decode([]byte(rec.String))
}

func (b *SQLBroker) HasAdminMetadata(ctx context.Context) (bool, error) {
	rec, err := b.adminRecord(ctx)
	return rec.Valid, err
}

func (b *SQLBroker) PutItem(ctx context.Context, relpath string, r io.Reader, mode PutMode) (manifest.ItemProperties, error) {
	rel, err := naming.ValidateRelpath(relpath)
	if err != nil {
		return manifest.ItemProperties{}, err
	}
	content, err := io.ReadAll(r)
	if err != nil {
		return manifest.ItemProperties{}, storageErr("read "+rel, err)
	}
	incoming, size, err := HashReader(bytes.NewReader(content))
	if err != nil {
		return manifest.ItemProperties{}, storageErr("hash "+rel, err)
	}

	if mode == PutStrict {
		existing, err := b.ItemProperties(ctx, rel)
		switch {
		case err == nil && existing.Hash == incoming:
			return existing, nil
		case err == nil:
			return manifest.ItemProperties{}, conflict(b.uri, rel, existing.Hash, incoming)
		case !errors.Is(err, errorir.ErrKey):
			return manifest.ItemProperties{}, err
		}
	}

	props := manifest.ItemProperties{
		Relpath:      rel,
		SizeInBytes:  size,
		Hash:         incoming,
		UTCTimestamp: clock.Now(b.now),
	}
	_, err = b.exec(ctx, "put "+rel, `
		INSERT INTO items (dataset, identifier, relpath, size_in_bytes, hash, utc_timestamp, content)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dataset, identifier) DO UPDATE SET
			relpath = excluded.relpath,
			size_in_bytes = excluded.size_in_bytes,
			hash = excluded.hash,
			utc_timestamp = excluded.utc_timestamp,
			content = excluded.content`,
		b.name, string(manifest.ComputeIdentifier(rel)), rel, size, incoming, float64(props.UTCTimestamp), content)
	if err != nil {
		return manifest.ItemProperties{}, err
	}
	return props, nil
}

func (b *SQLBroker) OpenItem(ctx context.Context, relpath string) (io.ReadCloser, error) {
	rel, err := naming.ValidateRelpath(relpath)
	if err != nil {
		return nil, err
	}
	var content []byte
	err = b.db.QueryRowContext(ctx,
		b.dialect.rebind(`SELECT content FROM items WHERE dataset = ? AND identifier = ?`),
		b.name, string(manifest.ComputeIdentifier(rel))).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errorir.Errorf(errorir.ErrKey, "item %q not found in %s", rel, b.uri)
	}
	if err != nil {
		return nil, storageErr("open "+rel, err)
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (b *SQLBroker) ItemProperties(ctx context.Context, relpath string) (manifest.ItemProperties, error) {
	rel, err := naming.ValidateRelpath(relpath)
	if err != nil {
		return manifest.ItemProperties{}, err
	}
	var props manifest.ItemProperties
	var ts float64
	err = b.db.QueryRowContext(ctx,
		b.dialect.rebind(`SELECT relpath, size_in_bytes, hash, utc_timestamp FROM items WHERE dataset = ? AND identifier = ?`),
		b.name, string(manifest.ComputeIdentifier(rel))).Scan(&props.Relpath, &props.SizeInBytes, &props.Hash, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return manifest.ItemProperties{}, errorir.Errorf(errorir.ErrKey, "item %q not found in %s", rel, b.uri)
	}
	if err != nil {
		return manifest.ItemProperties{}, storageErr("item properties "+rel, err)
	}
	props.UTCTimestamp = clock.Timestamp(ts)
	return props, nil
}

// ItemHandles reads all relpaths before yielding so callers can query the
// broker from inside the loop on a single-connection pool.
func (b *SQLBroker) ItemHandles(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		handles, err := b.queryStrings(ctx, "list items",
			`SELECT relpath FROM items WHERE dataset = ? ORDER BY relpath`, b.name)
		if err != nil {
			yield("", err)
			return
		}
		for _, h := range handles {
			if !yield(h, nil) {
				return
			}
		}
	}
}

func (b *SQLBroker) queryStrings(ctx context.Context, op, query string, args ...any) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, b.dialect.rebind(query), args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer func() { _ = rows.Close() }()
	out := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, storageErr(op, err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return out, nil
}

func (b *SQLBroker) AddItemMetadata(ctx context.Context, relpath, key string, value any) error {
	rel, err := naming.ValidateRelpath(relpath)
	if err != nil {
		return err
	}
	if err := naming.Validate("metadata key", key); err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return errorir.Errorf(errorir.ErrValue, "metadata %q for %q: %v", key, rel, err)
	}
	_, err = b.exec(ctx, "add item metadata", `
		INSERT INTO item_metadata (dataset, identifier, meta_key, meta_value) VALUES (?, ?, ?, ?)
		ON CONFLICT (dataset, identifier, meta_key) DO UPDATE SET meta_value = excluded.meta_value`,
		b.name, string(manifest.ComputeIdentifier(rel)), key, string(data))
	return err
}

func (b *SQLBroker) DeleteItemMetadata(ctx context.Context, relpath, key string) error {
	rel, err := naming.ValidateRelpath(relpath)
	if err != nil {
		return err
	}
	if err := naming.Validate("metadata key", key); err != nil {
		return err
	}
	res, err := b.exec(ctx, "delete item metadata",
		`DELETE FROM item_metadata WHERE dataset = ? AND identifier = ? AND meta_key = ?`,
		b.name, string(manifest.ComputeIdentifier(rel)), key)
	if err != nil {
		return err
	}
	return mustAffect(res, "metadata %q not set for %q in %s", key, rel, b.uri)
}

func (b *SQLBroker) GetItemMetadata(ctx context.Context, relpath string) (map[string]any, error) {
	rel, err := naming.ValidateRelpath(relpath)
	if err != nil {
		return nil, err
	}
	rows, err := b.db.QueryContext(ctx,
		b.dialect.rebind(`SELECT meta_key, meta_value FROM item_metadata WHERE dataset = ? AND identifier = ?`),
		b.name, string(manifest.ComputeIdentifier(rel)))
	if err != nil {
		return nil, storageErr("get item metadata", err)
	}
	defer func() { _ = rows.Close() }()
	out := make(map[string]any)
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, storageErr("get item metadata", err)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, storageErr("decode item metadata "+key, err)
		}
		out[key] = v
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("get item metadata", err)
	}
	return out, nil
}

func (b *SQLBroker) PutReadme(ctx context.Context, content string) error {
	res, err := b.exec(ctx, "put readme", `UPDATE datasets SET readme = ? WHERE name = ?`, content, b.name)
	if err != nil {
		return err
	}
	return mustAffect(res, "dataset %q has not been created in %s", b.name, b.uri)
}

func (b *SQLBroker) GetReadmeContent(ctx context.Context) (string, error) {
	var readme string
	err := b.db.QueryRowContext(ctx, b.dialect.rebind(`SELECT readme FROM datasets WHERE name = ?`), b.name).Scan(&readme)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errorir.Errorf(errorir.ErrKey, "README not found in %s", b.uri)
	}
	if err != nil {
		return "", storageErr("get readme", err)
	}
	return readme, nil
}

func (b *SQLBroker) PutOverlay(ctx context.Context, name string, overlay manifest.Overlay) error {
	if err := naming.Validate("overlay", name); err != nil {
		return err
	}
	data, err := canonicalize.JCS(overlay)
	if err != nil {
		return errorir.Errorf(errorir.ErrValue, "overlay %q: %v", name, err)
	}
	_, err = b.exec(ctx, "put overlay", `
		INSERT INTO overlays (dataset, name, body) VALUES (?, ?, ?)
		ON CONFLICT (dataset, name) DO UPDATE SET body = excluded.body`,
		b.name, name, string(data))
	return err
}

func (b *SQLBroker) GetOverlay(ctx context.Context, name string) (manifest.Overlay, error) {
	var body string
	err := b.db.QueryRowContext(ctx,
		b.dialect.rebind(`SELECT body FROM overlays WHERE dataset = ? AND name = ?`), b.name, name).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errorir.Errorf(errorir.ErrKey, "overlay %q not found in %s", name, b.uri)
	}
	if err != nil {
		return nil, storageErr("get overlay", err)
	}
	var o manifest.Overlay
	if err := json.Unmarshal([]byte(body), &o); err != nil {
		return nil, storageErr("decode overlay "+name, err)
	}
	return o, nil
}

func (b *SQLBroker) ListOverlayNames(ctx context.Context) ([]string, error) {
	return b.queryStrings(ctx, "list overlays", `SELECT name FROM overlays WHERE dataset = ? ORDER BY name`, b.name)
}

func (b *SQLBroker) PutTag(ctx context.Context, tag string) error {
	if err := naming.Validate("tag", tag); err != nil {
		return err
	}
	_, err := b.exec(ctx, "put tag",
		`INSERT INTO tags (dataset, tag) VALUES (?, ?) ON CONFLICT (dataset, tag) DO NOTHING`, b.name, tag)
	return err
}

func (b *SQLBroker) DeleteTag(ctx context.Context, tag string) error {
	if err := naming.Validate("tag", tag); err != nil {
		return err
	}
	res, err := b.exec(ctx, "delete tag", `DELETE FROM tags WHERE dataset = ? AND tag = ?`, b.name, tag)
	if err != nil {
		return err
	}
	return mustAffect(res, "tag %q not found in %s", tag, b.uri)
}

func (b *SQLBroker) ListTags(ctx context.Context) ([]string, error) {
	return b.queryStrings(ctx, "list tags", `SELECT tag FROM tags WHERE dataset = ? ORDER BY tag`, b.name)
}

// CommitFreeze writes manifest and frozen admin record in one transaction.
func (b *SQLBroker) CommitFreeze(ctx context.Context, m *manifest.Manifest, frozen admin.Metadata) error {
	mdata, err := manifest.Encode(m)
	if err != nil {
		return err
	}
	adata, err := admin.Encode(frozen)
	if err != nil {
		return err
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin freeze", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, b.dialect.rebind(`UPDATE datasets SET manifest = ? WHERE name = ?`), string(mdata), b.name); err != nil {
		return storageErr("write manifest", err)
	}
	res, err := tx.ExecContext(ctx, b.dialect.rebind(`UPDATE datasets SET admin = ? WHERE name = ?`), string(adata), b.name)
	if err != nil {
		return storageErr("write admin metadata", err)
	}
	if err := mustAffect(res, "dataset %q has not been created in %s", b.name, b.uri); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit freeze", err)
	}
	return nil
}

func (b *SQLBroker) GetManifest(ctx context.Context) (*manifest.Manifest, error) {
	var rec sql.NullString
	err := b.db.QueryRowContext(ctx, b.dialect.rebind(`SELECT manifest FROM datasets WHERE name = ?`), b.name).Scan(&rec)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, storageErr("get manifest", err)
	}
	if !rec.Valid {
		return nil, errorir.Errorf(errorir.ErrKey, "manifest not found in %s", b.uri)
	}
	return manifest.Decode([]byte(rec.String))
}

// PostFreeze drops the per-item metadata rows; the overlays now hold them.
func (b *SQLBroker) PostFreeze(ctx context.Context) error {
	_, err := b.exec(ctx, "cleanup item metadata", `DELETE FROM item_metadata WHERE dataset = ?`, b.name)
	return err
}
