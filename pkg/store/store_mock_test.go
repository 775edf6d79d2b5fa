package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/loopworks/replen/core/pkg/card"
)

func TestGetCardQueryShape(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	s := New(db)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{"id", "tenant_id", "loop_id", "stage", "stage_entered_at", "order_id"}).
		AddRow("card-1", "tenant-1", "loop-1", "triggered", time.Now(), nil)

	mock.ExpectQuery(regexp.QuoteMeta("FROM cards WHERE tenant_id = $1 AND id = $2")).
		WithArgs("tenant-1", "card-1").
		WillReturnRows(rows)

	c, err := s.GetCard(ctx, "tenant-1", "card-1")
	assert.NoError(t, err)
	assert.Equal(t, card.StageTriggered, c.Stage)
	assert.Empty(t, c.OrderID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetCardSurfacesStoreErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	s := New(db)
	boom := errors.New("connection reset")

	mock.ExpectQuery(regexp.QuoteMeta("FROM cards")).
		WithArgs("tenant-1", "card-1").
		WillReturnError(boom)

	_, err = s.GetCard(context.Background(), "tenant-1", "card-1")
	assert.ErrorIs(t, err, boom)
}

func TestUpdateCardTxMissingCard(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	s := New(db)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE cards SET stage = $1")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	tx, err := db.BeginTx(ctx, nil)
	assert.NoError(t, err)

	err = s.UpdateCardTx(ctx, tx, &card.Card{ID: "ghost", TenantID: "tenant-1", Stage: card.StageTriggered})
	assert.ErrorIs(t, err, card.ErrNotFound)
}
