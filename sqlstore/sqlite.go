// Package sqlstore is a collab.Store backed by SQLite. It keeps the
// element payload as a JSON column: the store resolves concurrent writes
// last-write-wins at element granularity, so there is nothing relational
// to merge inside the payload.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/drawsync/drawsync/collab"
)

const schema = `
CREATE TABLE IF NOT EXISTS elements (
    element_id TEXT PRIMARY KEY,
    board_id TEXT NOT NULL,
    payload TEXT NOT NULL,
    z_index INTEGER NOT NULL,
    created_by TEXT NOT NULL,
    create_time INTEGER NOT NULL,
    update_time INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_elements_board ON elements(board_id, z_index, create_time);
`

type SqliteStore struct {
	db *sql.DB
}

func New(path string) (*SqliteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer at a time
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &SqliteStore{
		db: db,
	}, nil
}

func (self *SqliteStore) Close() error {
	return self.db.Close()
}

func (self *SqliteStore) CreateElement(ctx context.Context, boardId collab.Id, payload collab.ElementPayload, zIndex int, createdBy collab.CreatorRef) (*collab.Element, error) {
	payloadJson, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	createdByJson, err := json.Marshal(createdBy)
	if err != nil {
		return nil, err
	}

	// millisecond precision, matching what the columns round-trip
	now := time.Now().UTC().Truncate(time.Millisecond)
	element := &collab.Element{
		ElementId:  collab.NewId(),
		BoardId:    boardId,
		Payload:    payload,
		ZIndex:     zIndex,
		CreatedBy:  createdBy,
		CreateTime: now,
		UpdateTime: now,
	}

	query := `INSERT INTO elements (element_id, board_id, payload, z_index, created_by, create_time, update_time)
     VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err = self.db.ExecContext(
		ctx, query,
		element.ElementId.String(), boardId.String(), string(payloadJson), zIndex,
		string(createdByJson), now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	return element, nil
}

func (self *SqliteStore) UpdateElement(ctx context.Context, boardId collab.Id, elementId collab.Id, payload collab.ElementPayload) (*collab.Element, error) {
	payloadJson, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	query := `UPDATE elements SET payload = ?, update_time = ? WHERE board_id = ? AND element_id = ?`
	result, err := self.db.ExecContext(ctx, query, string(payloadJson), now.UnixMilli(), boardId.String(), elementId.String())
	if err != nil {
		return nil, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, collab.ErrElementNotFound
	}
	return self.getElement(ctx, boardId, elementId)
}

// deleting an already-deleted id is a no-op
func (self *SqliteStore) DeleteElements(ctx context.Context, boardId collab.Id, elementIds []collab.Id) error {
	if len(elementIds) == 0 {
		return nil
	}

	placeholders := make([]string, 0, len(elementIds))
	args := []any{boardId.String()}
	for _, elementId := range elementIds {
		placeholders = append(placeholders, "?")
		args = append(args, elementId.String())
	}
	query := fmt.Sprintf(
		`DELETE FROM elements WHERE board_id = ? AND element_id IN (%s)`,
		strings.Join(placeholders, ", "),
	)
	_, err := self.db.ExecContext(ctx, query, args...)
	return err
}

func (self *SqliteStore) ListElements(ctx context.Context, boardId collab.Id) ([]*collab.Element, error) {
	query := `SELECT element_id, board_id, payload, z_index, created_by, create_time, update_time
     FROM elements WHERE board_id = ? ORDER BY z_index ASC, create_time ASC`
	rows, err := self.db.QueryContext(ctx, query, boardId.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	elements := []*collab.Element{}
	for rows.Next() {
		element, err := scanElement(rows)
		if err != nil {
			return nil, err
		}
		elements = append(elements, element)
	}
	return elements, rows.Err()
}

func (self *SqliteStore) getElement(ctx context.Context, boardId collab.Id, elementId collab.Id) (*collab.Element, error) {
	query := `SELECT element_id, board_id, payload, z_index, created_by, create_time, update_time
     FROM elements WHERE board_id = ? AND element_id = ?`
	row := self.db.QueryRowContext(ctx, query, boardId.String(), elementId.String())
	element, err := scanElement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, collab.ErrElementNotFound
	}
	return element, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanElement(row rowScanner) (*collab.Element, error) {
	var elementIdStr, boardIdStr, payloadJson, createdByJson string
	var zIndex int
	var createTimeMillis, updateTimeMillis int64
	err := row.Scan(&elementIdStr, &boardIdStr, &payloadJson, &zIndex, &createdByJson, &createTimeMillis, &updateTimeMillis)
	if err != nil {
		return nil, err
	}

	element := &collab.Element{
		ZIndex:     zIndex,
		CreateTime: time.UnixMilli(createTimeMillis).UTC(),
		UpdateTime: time.UnixMilli(updateTimeMillis).UTC(),
	}
	if element.ElementId, err = collab.ParseId(elementIdStr); err != nil {
		return nil, err
	}
	if element.BoardId, err = collab.ParseId(boardIdStr); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payloadJson), &element.Payload); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(createdByJson), &element.CreatedBy); err != nil {
		return nil, err
	}
	return element, nil
}
