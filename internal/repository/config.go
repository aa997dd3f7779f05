package repository

// ConfigRepository abstracts relay config persistence
type ConfigRepository interface {
	Load() ([]byte, error)
	Save(data []byte) error
	// Path is where the config lives, or "" when it is not file-backed.
	Path() string
}
