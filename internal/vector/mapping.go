package vector

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/renameio"
)

// mappingFile is the persisted id↔slot mapping. Field names are part of the
// on-disk contract; readers tolerate extra fields.
type mappingFile struct {
	IDToPosition     map[string]int `json:"idToPosition"`
	PositionToID     map[int]string `json:"positionToId"`
	DeletedPositions []int          `json:"deletedPositions"`
	NextPosition     int            `json:"nextPosition"`
	Dimension        int            `json:"dimension"`
	CreatedAt        string         `json:"created_at"`
	UpdatedAt        string         `json:"updated_at"`
}

// loadMapping reads mapping.json. A missing file returns (nil, nil).
func loadMapping(path string) (*mappingFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read mapping: %w", err)
	}

	var mf mappingFile
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("parse mapping: %w", err)
	}
	if mf.IDToPosition == nil {
		mf.IDToPosition = make(map[string]int)
	}
	if mf.PositionToID == nil {
		mf.PositionToID = make(map[int]string)
	}
	return &mf, nil
}

// saveMapping writes mapping.json atomically (write temp, rename).
func saveMapping(path string, mf *mappingFile) error {
	mf.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	if mf.CreatedAt == "" {
		mf.CreatedAt = mf.UpdatedAt
	}

	data, err := json.MarshalIndent(mf, "", "  ")
	if err != nil {
		return fmt.Errorf("encode mapping: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write mapping: %w", err)
	}
	return nil
}
