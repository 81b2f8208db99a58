package archive

import (
	"context"
	"maps"
	"sort"
)

// Metadata returns the archive-level metadata.
func (a *Archive) Metadata(ctx context.Context) (map[string]any, error) {
	if err := a.active(); err != nil {
		return nil, err
	}
	record, err := a.m.history.GetArchive(ctx, a.record.Name)
	if err != nil {
		return nil, err
	}
	a.record = *record
	if record.Metadata == nil {
		return map[string]any{}, nil
	}
	return record.Metadata, nil
}

// UpdateMetadata merges metadata into the archive-level metadata. A nil
// value removes a key; required keys cannot be removed.
func (a *Archive) UpdateMetadata(ctx context.Context, metadata map[string]any) error {
	if err := a.active(); err != nil {
		return err
	}
	current, err := a.Metadata(ctx)
	if err != nil {
		return err
	}
	merged := make(map[string]any, len(current)+len(metadata))
	maps.Copy(merged, current)
	maps.Copy(merged, metadata)
	if err := a.m.checkRequired(merged); err != nil {
		return err
	}
	return a.m.history.UpdateArchiveMetadata(ctx, a.record.Name, metadata)
}

// Tags returns the archive tags, sorted.
func (a *Archive) Tags(ctx context.Context) ([]string, error) {
	if err := a.active(); err != nil {
		return nil, err
	}
	record, err := a.m.history.GetArchive(ctx, a.record.Name)
	if err != nil {
		return nil, err
	}
	a.record = *record
	tags := normalizeTags(record.Tags...).ToSlice()
	sort.Strings(tags)
	return tags, nil
}

// AddTags adds tags to the archive. Tags are case-insensitive.
func (a *Archive) AddTags(ctx context.Context, tags ...string) error {
	return a.editTags(ctx, func(current []string) []string {
		set := normalizeTags(current...)
		set.Append(normalizeTags(tags...).ToSlice()...)
		return set.ToSlice()
	})
}

// RemoveTags removes tags from the archive. Absent tags are ignored.
func (a *Archive) RemoveTags(ctx context.Context, tags ...string) error {
	return a.editTags(ctx, func(current []string) []string {
		return normalizeTags(current...).Difference(normalizeTags(tags...)).ToSlice()
	})
}

func (a *Archive) editTags(ctx context.Context, edit func(current []string) []string) error {
	current, err := a.Tags(ctx)
	if err != nil {
		return err
	}
	next := edit(current)
	sort.Strings(next)
	if err := a.m.history.SetTags(ctx, a.record.Name, next); err != nil {
		return err
	}
	a.record.Tags = next
	return nil
}
