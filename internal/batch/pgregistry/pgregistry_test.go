package pgregistry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/narrator/internal/batch"
	"github.com/MrWong99/narrator/pkg/provider/tts"
)

// ---------------------------------------------------------------------------
// Mock DB types
// ---------------------------------------------------------------------------

// mockRow implements pgx.Row for testing.
type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

// mockRows implements pgx.Rows for testing.
type mockRows struct {
	data   [][]byte
	idx    int
	err    error
	closed bool
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	if len(dest) != 1 {
		return fmt.Errorf("scan: expected 1 destination, got %d", len(dest))
	}
	d, ok := dest[0].(*[]byte)
	if !ok {
		return fmt.Errorf("scan: unsupported type %T", dest[0])
	}
	*d = r.data[r.idx-1]
	return nil
}

// mockDB implements the DB interface for testing.
type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	queryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.queryRowFunc != nil {
		return m.queryRowFunc(ctx, sql, args...)
	}
	return &mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }}
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, sql, args...)
	}
	return &mockRows{}, nil
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func sampleUnit() *batch.Unit {
	return &batch.Unit{
		ID:          "ch1",
		Provider:    tts.KindCloudTTS,
		Texts:       map[string]string{"en": "Hello."},
		SubUnits:    []batch.SubUnit{{Index: 0, Language: "en", Text: "Hello.", Status: batch.StatusSuccess, Attempts: 3}},
		TextStatus:  batch.StatusSuccess,
		AudioStatus: batch.StatusSuccess,
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestRegistry_Migrate(t *testing.T) {
	t.Parallel()

	db := &mockDB{
		execFunc: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
			if !strings.Contains(sql, "CREATE TABLE IF NOT EXISTS batch_units") {
				t.Errorf("Migrate SQL should create batch_units, got: %s", sql)
			}
			return pgconn.CommandTag{}, nil
		},
	}
	if err := New(db).Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() unexpected error: %v", err)
	}

	failing := &mockDB{execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, errors.New("connection refused")
	}}
	if err := New(failing).Migrate(context.Background()); err == nil || !strings.Contains(err.Error(), "pgregistry: migrate:") {
		t.Fatalf("Migrate() error = %v, want pgregistry: migrate: prefix", err)
	}
}

func TestRegistry_Get(t *testing.T) {
	t.Parallel()

	t.Run("hit", func(t *testing.T) {
		t.Parallel()
		payload, _ := json.Marshal(sampleUnit())
		var gotArgs []any
		db := &mockDB{queryRowFunc: func(_ context.Context, _ string, args ...any) pgx.Row {
			gotArgs = args
			return &mockRow{scanFunc: func(dest ...any) error {
				*dest[0].(*[]byte) = payload
				return nil
			}}
		}}

		u, err := New(db).Get(context.Background(), "book", "ch1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if len(gotArgs) != 2 || gotArgs[0] != "book" || gotArgs[1] != "ch1" {
			t.Errorf("args = %v", gotArgs)
		}
		if u.Provider != tts.KindCloudTTS || u.SubUnits[0].Attempts != 3 || u.AudioStatus != batch.StatusSuccess {
			t.Errorf("unit = %+v", u)
		}
	})

	t.Run("miss", func(t *testing.T) {
		t.Parallel()
		u, err := New(&mockDB{}).Get(context.Background(), "book", "nope")
		if u != nil || err != nil {
			t.Fatalf("Get = (%v, %v), want (nil, nil)", u, err)
		}
	})

	t.Run("corrupt", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{queryRowFunc: func(context.Context, string, ...any) pgx.Row {
			return &mockRow{scanFunc: func(dest ...any) error {
				*dest[0].(*[]byte) = []byte("{not json")
				return nil
			}}
		}}
		if _, err := New(db).Get(context.Background(), "b", "u"); err == nil {
			t.Fatal("Get of corrupt row should fail")
		}
	})
}

func TestRegistry_Upsert(t *testing.T) {
	t.Parallel()

	var gotSQL string
	var gotArgs []any
	db := &mockDB{execFunc: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
		gotSQL, gotArgs = sql, args
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}}
	if err := New(db).Upsert(context.Background(), "book", sampleUnit()); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if !strings.Contains(gotSQL, "ON CONFLICT (collection_id, unit_id) DO UPDATE") {
		t.Errorf("SQL should upsert, got: %s", gotSQL)
	}
	if gotArgs[0] != "book" || gotArgs[1] != "ch1" || gotArgs[3] != "success" || gotArgs[4] != "success" {
		t.Errorf("args = %v", gotArgs)
	}
	var round batch.Unit
	if err := json.Unmarshal(gotArgs[2].([]byte), &round); err != nil || round.ID != "ch1" {
		t.Errorf("data arg does not decode to the unit: %v %+v", err, round)
	}
}

func TestRegistry_List(t *testing.T) {
	t.Parallel()

	a, _ := json.Marshal(&batch.Unit{ID: "a"})
	b, _ := json.Marshal(&batch.Unit{ID: "b"})
	rows := &mockRows{data: [][]byte{a, b}}
	db := &mockDB{queryFunc: func(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
		if !strings.Contains(sql, "ORDER BY unit_id") {
			t.Errorf("List SQL should order by unit_id: %s", sql)
		}
		return rows, nil
	}}

	units, err := New(db).List(context.Background(), "book")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(units) != 2 || units[0].ID != "a" || units[1].ID != "b" {
		t.Errorf("units = %+v", units)
	}
	if !rows.closed {
		t.Error("rows were not closed")
	}

	errRows := &mockRows{err: errors.New("broken pipe")}
	db.queryFunc = func(context.Context, string, ...any) (pgx.Rows, error) { return errRows, nil }
	if _, err := New(db).List(context.Background(), "book"); err == nil {
		t.Error("List should surface rows.Err")
	}
}
