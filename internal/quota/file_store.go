package quota

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// FileStore persists counters as JSON, so daily budgets survive process
// restarts.
type FileStore struct {
	path string
}

// NewFileStore creates the parent directory eagerly so the first Save
// cannot fail on a missing path.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return &FileStore{path: path}, nil
}

type fileState struct {
	Version  string         `json:"version"`
	Counters map[string]int `json:"counters"`
}

func (f *FileStore) Load() (map[string]int, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return make(map[string]int), nil
	}
	if err != nil {
		return nil, err
	}

	var st fileState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	if st.Counters == nil {
		st.Counters = make(map[string]int)
	}
	return st.Counters, nil
}

func (f *FileStore) Save(counters map[string]int) error {
	data, err := json.MarshalIndent(fileState{Version: "1.0", Counters: counters}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, data, 0644)
}
