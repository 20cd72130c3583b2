package storage

import (
	"errors"
	"reflect"
	"testing"
)

func record(id, parent string) CheckpointRecord {
	metadata := map[string]string{"run_id": "run-7"}
	if parent != "" {
		metadata[ParentCheckpointIDKey] = parent
	}
	return CheckpointRecord{ID: id, Metadata: metadata}
}

func TestResolveCheckpointLineagePath(t *testing.T) {
	records := []CheckpointRecord{
		record("leaf", "mid"),
		record("root", ""),
		record("mid", "root"),
		record("other-root", ""),
		record("branch", "root"),
	}

	path, err := ResolveCheckpointLineagePath(records, "leaf")
	if err != nil {
		t.Fatalf("ResolveCheckpointLineagePath: %v", err)
	}
	if !reflect.DeepEqual(path, []string{"root", "mid", "leaf"}) {
		t.Fatalf("path = %v", path)
	}

	path, err = ResolveCheckpointLineagePath(records, "root")
	if err != nil || !reflect.DeepEqual(path, []string{"root"}) {
		t.Fatalf("root path = %v, %v", path, err)
	}

	again, err := ResolveCheckpointLineagePath(records, "branch")
	if err != nil || !reflect.DeepEqual(again, []string{"root", "branch"}) {
		t.Fatalf("branch path = %v, %v", again, err)
	}
}

func TestResolveCheckpointLineageEmptyParentIsRoot(t *testing.T) {
	records := []CheckpointRecord{
		{ID: "a", Metadata: map[string]string{ParentCheckpointIDKey: ""}},
		{ID: "b", Metadata: map[string]string{ParentCheckpointIDKey: "a"}},
		{ID: "c", Metadata: nil},
	}
	path, err := ResolveCheckpointLineagePath(records, "b")
	if err != nil || !reflect.DeepEqual(path, []string{"a", "b"}) {
		t.Fatalf("path = %v, %v", path, err)
	}
	path, err = ResolveCheckpointLineagePath(records, "c")
	if err != nil || !reflect.DeepEqual(path, []string{"c"}) {
		t.Fatalf("nil metadata path = %v, %v", path, err)
	}
}

func TestResolveCheckpointLineageFailures(t *testing.T) {
	cases := []struct {
		name    string
		records []CheckpointRecord
		leaf    string
		kind    LineageErrorKind
		id      string
		message string
	}{
		{
			name:    "duplicate id",
			records: []CheckpointRecord{record("root", ""), record("x", "root"), record("x", "")},
			leaf:    "root",
			kind:    LineageDuplicateID,
			id:      "x",
			message: "lineage: duplicate checkpoint id 'x'",
		},
		{
			name:    "unknown leaf",
			records: []CheckpointRecord{record("root", "")},
			leaf:    "ghost",
			kind:    LineageUnknownLeaf,
			id:      "ghost",
			message: "lineage: unknown leaf checkpoint id 'ghost'",
		},
		{
			name:    "missing parent",
			records: []CheckpointRecord{record("leaf", "mid"), record("mid", "gone")},
			leaf:    "leaf",
			kind:    LineageMissingParent,
			id:      "gone",
			message: "lineage: checkpoint 'mid' references missing parent 'gone'",
		},
		{
			name:    "two node cycle",
			records: []CheckpointRecord{record("a", "b"), record("b", "a")},
			leaf:    "a",
			kind:    LineageCycle,
			id:      "a",
			message: "lineage: cycle detected at checkpoint id 'a'",
		},
		{
			name:    "self parent",
			records: []CheckpointRecord{record("self", "self")},
			leaf:    "self",
			kind:    LineageCycle,
			id:      "self",
		},
		{
			name:    "cycle above leaf",
			records: []CheckpointRecord{record("leaf", "a"), record("a", "b"), record("b", "a")},
			leaf:    "leaf",
			kind:    LineageCycle,
			id:      "a",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path, err := ResolveCheckpointLineagePath(tc.records, tc.leaf)
			if path != nil {
				t.Fatalf("expected no path, got %v", path)
			}
			var lineageErr *LineageError
			if !errors.As(err, &lineageErr) || lineageErr.Kind != tc.kind || lineageErr.ID != tc.id {
				t.Fatalf("expected %s on %q, got %v", tc.kind, tc.id, err)
			}
			if tc.message != "" && err.Error() != tc.message {
				t.Fatalf("message = %q, want %q", err.Error(), tc.message)
			}
		})
	}
}
