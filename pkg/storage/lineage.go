package storage

import "slices"

// ParentCheckpointIDKey is the metadata key linking a checkpoint to its parent
const ParentCheckpointIDKey = "parent_checkpoint_id"

// CheckpointRecord is the lineage view of one checkpoint
type CheckpointRecord struct {
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata"`
}

// ParentID returns the parent checkpoint id, or "" for a root
func (r CheckpointRecord) ParentID() string {
	return r.Metadata[ParentCheckpointIDKey]
}

// ResolveCheckpointLineagePath returns the ids from the root of leafID's tree
// down to leafID. The record set is validated as a whole first, so a duplicate
// id anywhere fails the call even if it is not on the leaf's path.
func ResolveCheckpointLineagePath(records []CheckpointRecord, leafID string) ([]string, error) {
	byID := make(map[string]CheckpointRecord, len(records))
	for _, record := range records {
		if _, exists := byID[record.ID]; exists {
			return nil, &LineageError{Kind: LineageDuplicateID, ID: record.ID}
		}
		byID[record.ID] = record
	}

	current, ok := byID[leafID]
	if !ok {
		return nil, &LineageError{Kind: LineageUnknownLeaf, ID: leafID}
	}

	visited := make(map[string]struct{})
	var path []string
	for {
		if _, seen := visited[current.ID]; seen {
			return nil, &LineageError{Kind: LineageCycle, ID: current.ID}
		}
		visited[current.ID] = struct{}{}
		path = append(path, current.ID)

		parentID := current.ParentID()
		if parentID == "" {
			break
		}
		parent, ok := byID[parentID]
		if !ok {
			return nil, &LineageError{Kind: LineageMissingParent, ID: parentID, Child: current.ID}
		}
		current = parent
	}

	slices.Reverse(path)
	return path, nil
}
