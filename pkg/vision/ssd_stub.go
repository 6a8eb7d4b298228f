//go:build !gocv

package vision

import (
	"context"
	"fmt"
)

// NewSSDLoader returns a loader that always fails: this binary was built
// without the gocv tag, so no inference backend is linked in.
func NewSSDLoader(cfg SSDConfig) Loader {
	return func(context.Context) (Model, error) {
		return nil, fmt.Errorf("load %s: built without gocv: %w", cfg.Model, ErrModelUnavailable)
	}
}
