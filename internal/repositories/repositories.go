// package repositories provides the sqlite persistence layer for users,
// artists, and releases.
//
// Every entity is keyed by its remote id (never a surrogate), and writes are
// idempotent upserts so re-running a sync leaves the store unchanged.
package repositories

import (
	"encoding/json"
	"fmt"

	"github.com/newdrop/newdrop/internal/models"
)

// encodeImages serializes an image list for a TEXT column.
func encodeImages(images []models.Image) (string, error) {
	if images == nil {
		images = []models.Image{}
	}
	data, err := json.Marshal(images)
	if err != nil {
		return "", fmt.Errorf("failed to encode images: %w", err)
	}
	return string(data), nil
}

// decodeImages deserializes an image list from a TEXT column.
func decodeImages(data string) ([]models.Image, error) {
	if data == "" {
		return []models.Image{}, nil
	}
	var images []models.Image
	if err := json.Unmarshal([]byte(data), &images); err != nil {
		return nil, fmt.Errorf("failed to decode images: %w", err)
	}
	return images, nil
}
