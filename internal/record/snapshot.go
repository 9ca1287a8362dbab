package record

import "time"

// Snapshot is the JSON-serialisable projection of a Record, used by the
// store when persisting the registry to disk and when replaying it at
// startup. Unlike Record it carries no locks and is safe to marshal
// directly.
type Snapshot struct {
	ID               int64             `json:"id"`
	URL              string            `json:"url"`
	Referer          string            `json:"referer,omitempty"`
	Headers          map[string]string `json:"headers,omitempty"`
	Filename         string            `json:"filename"`
	SavePath         string            `json:"save_path"`
	Category         string            `json:"category,omitempty"`
	Status           Status            `json:"status"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	Mirrors          []string          `json:"mirrors,omitempty"`
	IsExternalHelper bool              `json:"is_external_helper,omitempty"`
	TotalSize        int64             `json:"total_size"`
	Chunks           []Chunk           `json:"chunks,omitempty"`
	RetryCount       int               `json:"retry_count"`
	MaxRetries       int               `json:"max_retries"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// ToSnapshot captures the Record's current state for persistence. The
// status is captured as-is; the remap of Downloading to Paused happens on
// load (FromSnapshot), since nothing is in flight in a freshly loaded
// registry.
func (r *Record) ToSnapshot() Snapshot {
	status := r.Status()
	return Snapshot{
		ID:               r.ID,
		URL:              r.URL(),
		Referer:          r.Referer(),
		Headers:          r.Headers(),
		Filename:         r.Filename(),
		SavePath:         r.SavePath(),
		Category:         r.Category(),
		Status:           status,
		ErrorMessage:     r.ErrorMessage(),
		Mirrors:          r.Mirrors(),
		IsExternalHelper: r.IsExternalHelper(),
		TotalSize:        r.TotalSize(),
		Chunks:           r.Chunks(),
		RetryCount:       r.RetryCount(),
		MaxRetries:       r.MaxRetries(),
		CreatedAt:        r.CreatedAt(),
		UpdatedAt:        r.UpdatedAt(),
	}
}

// FromSnapshot reconstructs a live Record from a persisted snapshot. Any
// Downloading status is remapped to Paused, since nothing can be in
// flight for a record that is only now being loaded.
func FromSnapshot(s Snapshot) *Record {
	r := New(s.ID, s.URL, s.Filename, s.SavePath, s.MaxRetries)
	r.SetReferer(s.Referer)
	r.SetHeaders(s.Headers)
	r.SetCategory(s.Category)
	r.SetMirrors(s.Mirrors)
	r.SetExternalHelper(s.IsExternalHelper)
	r.SetErrorMessage(s.ErrorMessage)
	r.SetChunks(s.Chunks, s.TotalSize)

	status := s.Status
	if status == StatusDownloading {
		status = StatusPaused
	}
	r.SetStatus(status)

	r.retryMu.Lock()
	r.retryCount = s.RetryCount
	r.retryMu.Unlock()

	r.mu.Lock()
	r.createdAt = s.CreatedAt
	r.updatedAt = s.UpdatedAt
	r.mu.Unlock()

	return r
}
