package metadata

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/tablestage/internal/pipeline"
)

// storeFactories runs every conformance test against both implementations.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "metadata.db"))
			if err != nil {
				t.Fatalf("NewSQLiteStore() error = %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func sampleTask(schema, key string) TaskMetadata {
	return TaskMetadata{
		Name:       "load",
		Schema:     schema,
		Version:    "1.0",
		Timestamp:  time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
		RunID:      "01HRUN",
		CacheKey:   key,
		OutputJSON: `{"tables":[]}`,
	}
}

func TestStore_WorkingRecordsInvisibleUntilSwap(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		// Given: a task stored in the working area
		if err := s.StoreTask(ctx, sampleTask("raw", "k1")); err != nil {
			t.Fatalf("StoreTask() error = %v", err)
		}

		// When: retrieving before the swap
		_, err := s.RetrieveTask(ctx, "raw", "1.0", "k1")

		// Then: the lookup misses
		if !errors.Is(err, pipeline.ErrCacheMiss) {
			t.Fatalf("RetrieveTask() error = %v, want ErrCacheMiss", err)
		}

		// When: swapping
		if err := s.Swap(ctx, "raw"); err != nil {
			t.Fatalf("Swap() error = %v", err)
		}

		// Then: the record round-trips
		got, err := s.RetrieveTask(ctx, "raw", "1.0", "k1")
		if err != nil {
			t.Fatalf("RetrieveTask() error = %v", err)
		}
		want := sampleTask("raw", "k1")
		if got.Name != want.Name || got.RunID != want.RunID || got.OutputJSON != want.OutputJSON {
			t.Errorf("RetrieveTask() = %+v, want %+v", got, want)
		}
		if !got.Timestamp.Equal(want.Timestamp) {
			t.Errorf("Timestamp = %v, want %v", got.Timestamp, want.Timestamp)
		}
	})
}

func TestStore_SwapReplacesBaseRecords(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		// Given: a swapped run that stored k1
		if err := s.StoreTask(ctx, sampleTask("raw", "k1")); err != nil {
			t.Fatal(err)
		}
		if err := s.Swap(ctx, "raw"); err != nil {
			t.Fatal(err)
		}

		// When: a second run stores only k2 and swaps
		if err := s.StoreTask(ctx, sampleTask("raw", "k2")); err != nil {
			t.Fatal(err)
		}
		if err := s.Swap(ctx, "raw"); err != nil {
			t.Fatal(err)
		}

		// Then: k1 is gone and k2 is present
		if _, err := s.RetrieveTask(ctx, "raw", "1.0", "k1"); !errors.Is(err, pipeline.ErrCacheMiss) {
			t.Errorf("RetrieveTask(k1) error = %v, want ErrCacheMiss", err)
		}
		if _, err := s.RetrieveTask(ctx, "raw", "1.0", "k2"); err != nil {
			t.Errorf("RetrieveTask(k2) error = %v", err)
		}
	})
}

func TestStore_CopyTaskToWorkingSurvivesSwap(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		if err := s.StoreTask(ctx, sampleTask("raw", "k1")); err != nil {
			t.Fatal(err)
		}
		if err := s.Swap(ctx, "raw"); err != nil {
			t.Fatal(err)
		}

		// When: a cache hit copies the record forward before the next swap
		if err := s.CopyTaskToWorking(ctx, "raw", "1.0", "k1"); err != nil {
			t.Fatalf("CopyTaskToWorking() error = %v", err)
		}
		if err := s.Swap(ctx, "raw"); err != nil {
			t.Fatal(err)
		}

		// Then: the record is still retrievable
		if _, err := s.RetrieveTask(ctx, "raw", "1.0", "k1"); err != nil {
			t.Errorf("RetrieveTask() error = %v", err)
		}
	})
}

func TestStore_CopyTaskToWorkingMiss(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		err := s.CopyTaskToWorking(context.Background(), "raw", "1.0", "absent")
		if !errors.Is(err, pipeline.ErrCacheMiss) {
			t.Errorf("CopyTaskToWorking() error = %v, want ErrCacheMiss", err)
		}
	})
}

func TestStore_VersionIsPartOfLookup(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if err := s.StoreTask(ctx, sampleTask("raw", "k1")); err != nil {
			t.Fatal(err)
		}
		if err := s.Swap(ctx, "raw"); err != nil {
			t.Fatal(err)
		}

		if _, err := s.RetrieveTask(ctx, "raw", "2.0", "k1"); !errors.Is(err, pipeline.ErrCacheMiss) {
			t.Errorf("RetrieveTask(version 2.0) error = %v, want ErrCacheMiss", err)
		}
	})
}

func TestStore_LazyTableRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		md := LazyTableMetadata{Name: "reports", Schema: "out", CacheKey: "abc"}

		if err := s.StoreLazyTable(ctx, md); err != nil {
			t.Fatalf("StoreLazyTable() error = %v", err)
		}
		if _, err := s.RetrieveLazyTable(ctx, "out", "abc"); !errors.Is(err, pipeline.ErrCacheMiss) {
			t.Fatalf("RetrieveLazyTable() before swap error = %v, want ErrCacheMiss", err)
		}
		if err := s.Swap(ctx, "out"); err != nil {
			t.Fatal(err)
		}

		got, err := s.RetrieveLazyTable(ctx, "out", "abc")
		if err != nil {
			t.Fatalf("RetrieveLazyTable() error = %v", err)
		}
		if *got != md {
			t.Errorf("RetrieveLazyTable() = %+v, want %+v", *got, md)
		}

		n, err := s.DeleteLazyTable(ctx, "out", "reports")
		if err != nil {
			t.Fatalf("DeleteLazyTable() error = %v", err)
		}
		if n != 1 {
			t.Errorf("DeleteLazyTable() = %d, want 1", n)
		}
		if _, err := s.RetrieveLazyTable(ctx, "out", "abc"); !errors.Is(err, pipeline.ErrCacheMiss) {
			t.Errorf("RetrieveLazyTable() after delete error = %v, want ErrCacheMiss", err)
		}
	})
}

func TestStore_ResetWorking(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		if err := s.StoreTask(ctx, sampleTask("raw", "k1")); err != nil {
			t.Fatal(err)
		}
		if err := s.StoreLazyTable(ctx, LazyTableMetadata{Name: "t", Schema: "raw", CacheKey: "l1"}); err != nil {
			t.Fatal(err)
		}

		// When: an aborted run is reset
		if err := s.ResetWorking(ctx, "raw"); err != nil {
			t.Fatalf("ResetWorking() error = %v", err)
		}
		if err := s.Swap(ctx, "raw"); err != nil {
			t.Fatal(err)
		}

		// Then: nothing was promoted
		tasks, err := s.ListTasks(ctx, "raw", false)
		if err != nil {
			t.Fatal(err)
		}
		if len(tasks) != 0 {
			t.Errorf("ListTasks() = %d records, want 0", len(tasks))
		}
		lazy, err := s.ListLazyTables(ctx, "raw", false)
		if err != nil {
			t.Fatal(err)
		}
		if len(lazy) != 0 {
			t.Errorf("ListLazyTables() = %d records, want 0", len(lazy))
		}
	})
}

func TestStore_SchemasAreIsolated(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		if err := s.StoreTask(ctx, sampleTask("raw", "k1")); err != nil {
			t.Fatal(err)
		}
		if err := s.StoreTask(ctx, sampleTask("out", "k1")); err != nil {
			t.Fatal(err)
		}
		if err := s.Swap(ctx, "raw"); err != nil {
			t.Fatal(err)
		}

		if _, err := s.RetrieveTask(ctx, "out", "1.0", "k1"); !errors.Is(err, pipeline.ErrCacheMiss) {
			t.Errorf("RetrieveTask(out) error = %v, want ErrCacheMiss", err)
		}

		sums, err := s.ListSchemas(ctx)
		if err != nil {
			t.Fatalf("ListSchemas() error = %v", err)
		}
		if len(sums) != 2 {
			t.Fatalf("ListSchemas() = %d, want 2", len(sums))
		}
		if sums[0].Name != "out" || sums[0].WorkingTasks != 1 || sums[0].Tasks != 0 {
			t.Errorf("sums[0] = %+v", sums[0])
		}
		if sums[1].Name != "raw" || sums[1].Tasks != 1 || sums[1].WorkingTasks != 0 {
			t.Errorf("sums[1] = %+v", sums[1])
		}
	})
}

func TestSQLiteStore_InMemory(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	defer s.Close()

	if err := s.StoreTask(context.Background(), sampleTask("raw", "k1")); err != nil {
		t.Fatalf("StoreTask() error = %v", err)
	}
}

func TestSQLiteStore_ReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "metadata.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.StoreTask(ctx, sampleTask("raw", "k1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Swap(ctx, "raw"); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s.Close()

	if _, err := s.RetrieveTask(ctx, "raw", "1.0", "k1"); err != nil {
		t.Errorf("RetrieveTask() after reopen error = %v", err)
	}
}
