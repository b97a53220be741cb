package catalog

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateDatabaseIdempotent(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreateDatabase("packages"))
	assert.True(t, s.DatabaseExists("packages"))

	// Creating again warns instead of erroring.
	require.NoError(t, s.CreateDatabase("packages"))
}

func TestSwitchDatabaseMissing(t *testing.T) {
	s := newTestStore(t)

	err := s.SwitchDatabase("nope")
	assert.ErrorIs(t, err, ErrDBNotExists)
}

func TestDropDatabaseMissingIsHardError(t *testing.T) {
	s := newTestStore(t)

	err := s.DropDatabase("nope")
	assert.ErrorIs(t, err, ErrDBNotExists)
}

func TestOperationsWithoutSelectedDatabase(t *testing.T) {
	s := newTestStore(t)

	err := s.CreateTable("infos", map[string]any{"ID": "x"})
	assert.ErrorIs(t, err, ErrDBNotSelect)
}

func TestCreateTableAndInsertSelect(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreateDatabase("packages"))
	require.NoError(t, s.SwitchDatabase("packages"))

	sample := map[string]any{"ID": "abc123", "Name": "spider-one", "SizeBytes": int64(42)}
	require.NoError(t, s.CreateTable("infos", sample))
	// Idempotent create.
	require.NoError(t, s.CreateTable("infos", sample))

	require.NoError(t, s.Insert("infos", sample))

	cols, rows, err := s.Select("infos", "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ID", "Name", "SizeBytes"}, cols)
	require.Len(t, rows, 1)
	assert.Equal(t, "abc123", rows[0]["ID"])
	assert.Equal(t, "spider-one", rows[0]["Name"])
}

func TestInsertIntoMissingTable(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateDatabase("packages"))
	require.NoError(t, s.SwitchDatabase("packages"))

	err := s.Insert("infos", map[string]any{"ID": "x"})
	assert.ErrorIs(t, err, ErrTableNotExists)
}

func TestInsertTypeMismatchDropsRow(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateDatabase("containers"))
	require.NoError(t, s.SwitchDatabase("containers"))

	first := map[string]any{"ID": "c1", "RetCode": int64(0)}
	require.NoError(t, s.CreateTable("runtimes", first))
	require.NoError(t, s.Insert("runtimes", first))

	// Second row's RetCode is a string where the learned type is int64: dropped, not fatal.
	mismatched := map[string]any{"ID": "c2", "RetCode": "oops"}
	err := s.Insert("runtimes", mismatched)
	assert.ErrorIs(t, err, ErrTypeMismatch)

	_, rows, err := s.Select("runtimes", "")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestUpdateAndDeleteWithCondition(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateDatabase("containers"))
	require.NoError(t, s.SwitchDatabase("containers"))

	row := map[string]any{"ID": "c1", "Status": int64(0)}
	require.NoError(t, s.CreateTable("runtimes", row))
	require.NoError(t, s.Insert("runtimes", row))

	require.NoError(t, s.Update("runtimes", map[string]any{"ID": "c1", "Status": int64(1)}, `WHERE "ID"='c1'`))

	_, rows, err := s.Select("runtimes", `WHERE "ID"='c1'`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 1, rows[0]["Status"])

	require.NoError(t, s.Delete("runtimes", `WHERE "ID"='c1'`))
	_, rows, err = s.Select("runtimes", "")
	require.NoError(t, err)
	assert.Len(t, rows, 0)
}

func TestDropTableMissingIsHardError(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateDatabase("packages"))
	require.NoError(t, s.SwitchDatabase("packages"))

	err := s.DropTable("nope")
	assert.ErrorIs(t, err, ErrTableNotExists)
}

func TestSQLTypeInference(t *testing.T) {
	cases := []struct {
		value any
		want  string
	}{
		{true, "BOOLEAN"},
		{int64(1), "INTEGER"},
		{3.14, "FLOAT"},
		{"short", "VARCHAR(255)"},
		{"2024-01-02", "DATE"},
		{"2024-01-02T03:04:05", "DATETIME"},
		{[]byte{1, 2, 3}, "BLOB"},
	}
	for _, c := range cases {
		got, err := sqlTypeOf(c.value)
		require.NoError(t, err)
		assert.Equal(t, c.want, got)
	}

	_, err := sqlTypeOf(nil)
	assert.Error(t, err)
}
