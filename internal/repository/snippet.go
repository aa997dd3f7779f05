package repository

// Snippet is a saved line and who said it
type Snippet struct {
	Author string `json:"author"`
	Text   string `json:"text"`
}

// SnippetRepository abstracts keyed snippets owned by one plugin instance
type SnippetRepository interface {
	Get(key string) (Snippet, bool)
	Set(key string, snippet Snippet) error
	Delete(key string) (bool, error)
	Keys() []string
}
