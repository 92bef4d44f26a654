package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/example/ride-dispatch/internal/models"
)

// Writer stores profiles. Both MemoryDirectory and MongoDirectory are Writers.
type Writer interface {
	Put(ctx context.Context, p models.Profile) error
}

// Seed loads a JSON array of profiles into w and returns how many were stored.
func Seed(ctx context.Context, w Writer, r io.Reader) (int, error) {
	var profiles []models.Profile
	if err := json.NewDecoder(r).Decode(&profiles); err != nil {
		return 0, fmt.Errorf("%w: decode profiles: %v", models.ErrInvalidArgument, err)
	}
	for i, p := range profiles {
		if err := w.Put(ctx, p); err != nil {
			return i, fmt.Errorf("profile %d: %w", i, err)
		}
	}
	return len(profiles), nil
}

func SeedFile(ctx context.Context, w Writer, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return Seed(ctx, w, f)
}
