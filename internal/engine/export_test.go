package engine

import "context"

// WithBeforeSave returns a copy of e that calls f before each entry write.
func WithBeforeSave(e Engine, f func(ctx context.Context, entryID string)) Engine {
	e.beforeSave = f
	return e
}
