package users

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFind(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewRepository(db)

	mock.ExpectQuery("SELECT id, name, email, role FROM users WHERE id = ").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "email", "role"}).AddRow(7, "Ana", "ana@example.com", "patient"))
	mock.ExpectQuery("SELECT id, name, email, role FROM users WHERE id = ").
		WithArgs(int64(8)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "email", "role"}))

	u, err := repo.Find(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "Ana", u.Name)

	_, err = repo.Find(context.Background(), 8)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
