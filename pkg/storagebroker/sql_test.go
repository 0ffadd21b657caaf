package storagebroker

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-datasets/pkg/admin"
	"github.com/Mindburn-Labs/helm-datasets/pkg/errorir"
	"github.com/Mindburn-Labs/helm-datasets/pkg/manifest"
)

func TestDialectRebind(t *testing.T) {
	q := `SELECT a FROM t WHERE x = ? AND y = ?`
	assert.Equal(t, q, DialectSQLite.rebind(q))
	assert.Equal(t, `SELECT a FROM t WHERE x = $1 AND y = $2`, DialectPostgres.rebind(q))
}

func newPostgresMock(t *testing.T) (*SQLBroker, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLBroker(db, DialectPostgres, "postgres://db/datasets?dataset=ds", "ds"), mock
}

func TestSQLBroker_PostgresTags(t *testing.T) {
	b, mock := newPostgresMock(t)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO tags (dataset, tag) VALUES ($1, $2) ON CONFLICT (dataset, tag) DO NOTHING`)).
		WithArgs("ds", "amazing").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, b.PutTag(ctx, "amazing"))

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM tags WHERE dataset = $1 AND tag = $2`)).
		WithArgs("ds", "absent").
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := b.DeleteTag(ctx, "absent")
	assert.True(t, errors.Is(err, errorir.ErrKey))

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT tag FROM tags WHERE dataset = $1 ORDER BY tag`)).
		WithArgs("ds").
		WillReturnRows(sqlmock.NewRows([]string{"tag"}).AddRow("amazing").AddRow("testing"))
	tags, err := b.ListTags(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"amazing", "testing"}, tags)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLBroker_PostgresCreateExisting(t *testing.T) {
	b, mock := newPostgresMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM datasets WHERE name = $1`)).
		WithArgs("ds").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	err := b.Create(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errorir.ErrStorage))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLBroker_PostgresCommitFreeze(t *testing.T) {
	b, mock := newPostgresMock(t)

	m, err := admin.Generate("ds", "tester")
	require.NoError(t, err)
	frozen, err := admin.Freeze(m, 1709296300)
	require.NoError(t, err)
	man, err := manifest.Build(HashFunction, nil)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE datasets SET manifest = $1 WHERE name = $2`)).
		WithArgs(sqlmock.AnyArg(), "ds").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE datasets SET admin = $1 WHERE name = $2`)).
		WithArgs(sqlmock.AnyArg(), "ds").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, b.CommitFreeze(context.Background(), man, frozen))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLBroker_PostgresFreezeRollsBack(t *testing.T) {
	b, mock := newPostgresMock(t)

	m, err := admin.Generate("ds", "tester")
	require.NoError(t, err)
	frozen, err := admin.Freeze(m, 1709296300)
	require.NoError(t, err)
	man, err := manifest.Build(HashFunction, nil)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE datasets SET manifest = $1`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE datasets SET admin = $1`)).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err = b.CommitFreeze(context.Background(), man, frozen)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errorir.ErrStorage))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLBackend_GenerateURI(t *testing.T) {
	uri, err := NewSQLBackend(DialectSQLite).GenerateURI("my_ds", "ignored", "sqlite:///srv/datasets.db")
	require.NoError(t, err)
	assert.Equal(t, "sqlite:///srv/datasets.db?dataset=my_ds", uri)

	_, err = NewSQLBackend(DialectSQLite).Open(context.Background(), "sqlite:///srv/datasets.db")
	assert.True(t, errors.Is(err, errorir.ErrValue))
}
