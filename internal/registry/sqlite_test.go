package registry

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/jorgeraad/leafai/internal/domain"
	"github.com/jorgeraad/leafai/internal/repository"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	reg, err := NewSQLite(db, 10*time.Millisecond)
	require.NoError(t, err)
	return reg
}

func TestSQLiteRegistry(t *testing.T) {
	runConformance(t, func(t *testing.T) Registry {
		return newTestSQLite(t)
	})
}

func TestSQLiteRegistrySurvivesReopen(t *testing.T) {
	path := t.TempDir() + "/runs.db"
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	reg, err := NewSQLite(db, 10*time.Millisecond)
	require.NoError(t, err)
	runID := completedRun(t, reg)
	require.NoError(t, db.Close())

	db, err = sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()
	reopened, err := NewSQLite(db, 10*time.Millisecond)
	require.NoError(t, err)

	n, err := reopened.Length(t.Context(), runID)
	require.NoError(t, err)
	require.Equal(t, len(sampleEvents()), n)
}

// newFileSQLite opens the registry the way the server does: on the
// application database file with the store's connection settings.
func newFileSQLite(t *testing.T) *SQLite {
	t.Helper()
	store, err := repository.NewSQLiteStore("file:"+t.TempDir()+"/leaf.db?mode=rwc", nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg, err := NewSQLite(store.DB(), 10*time.Millisecond)
	require.NoError(t, err)
	return reg
}

func TestSQLiteRegistryFileConformance(t *testing.T) {
	runConformance(t, func(t *testing.T) Registry {
		return newFileSQLite(t)
	})
}

func TestSQLiteRegistryConcurrentReadersOnFile(t *testing.T) {
	const events = 200

	for _, readers := range []int{1, 8} {
		t.Run(fmt.Sprintf("readers=%d", readers), func(t *testing.T) {
			ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
			defer cancel()
			reg := newFileSQLite(t)
			runID := domain.NewRunID()
			require.NoError(t, reg.Create(ctx, runID))

			got := make([][]domain.Event, readers)
			g, gctx := errgroup.WithContext(ctx)
			for i := 0; i < readers; i++ {
				stream, err := reg.Readable(ctx, runID, 0)
				require.NoError(t, err)
				g.Go(func() error {
					evs, err := Collect(gctx, stream)
					got[i] = evs
					return err
				})
			}
			g.Go(func() error {
				for i := 0; i < events; i++ {
					if _, err := reg.Append(gctx, runID, domain.TextDelta{Text: fmt.Sprintf("t%d ", i)}); err != nil {
						return fmt.Errorf("append %d: %w", i, err)
					}
				}
				return reg.Complete(gctx, runID, domain.RunResult{MessageID: "msg_1", Success: true})
			})
			require.NoError(t, g.Wait())

			for i, evs := range got {
				require.Len(t, evs, events, "reader %d", i)
				for j, ev := range evs {
					assert.Equal(t, domain.TextDelta{Text: fmt.Sprintf("t%d ", j)}, ev)
				}
			}
		})
	}
}

func TestSQLiteRegistryConcurrentRunsOnFile(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
	defer cancel()
	reg := newFileSQLite(t)

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < 4; w++ {
		g.Go(func() error {
			runID := domain.NewRunID()
			if err := reg.Create(gctx, runID); err != nil {
				return err
			}
			for i := 0; i < 50; i++ {
				idx, err := reg.Append(gctx, runID, domain.TextDelta{Text: "x"})
				if err != nil {
					return err
				}
				if idx != i {
					return fmt.Errorf("run %s: index %d, want %d", runID, idx, i)
				}
			}
			return reg.Complete(gctx, runID, domain.RunResult{Success: true})
		})
	}
	require.NoError(t, g.Wait())
}
