package storage

import (
	"os"
	"path/filepath"
)

// PathManager resolves where threadbridge keeps its local state
type PathManager struct {
	homeDir string
	dataDir string
}

// NewPathManager creates a path manager rooted at ~/.threadbridge
func NewPathManager() *PathManager {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home dir is not available
		homeDir = "."
	}

	return &PathManager{
		homeDir: homeDir,
		dataDir: filepath.Join(homeDir, ".threadbridge"),
	}
}

// GetDataDir returns the main data directory, creating it if needed
func (pm *PathManager) GetDataDir() (string, error) {
	if err := os.MkdirAll(pm.dataDir, 0755); err != nil {
		return "", err
	}
	return pm.dataDir, nil
}

// GetRelationDatabasePath returns the path of the default sqlite relation database
func (pm *PathManager) GetRelationDatabasePath() (string, error) {
	dir, err := pm.GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "relations.db"), nil
}
