package model

// AppError is the only error payload returned to API clients.
// Every typed error in this module embeds one so the HTTP layer can map it
// without string matching.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stage   string `json:"stage"`

	URL     string `json:"url,omitempty"`
	Line    int    `json:"line,omitempty"`    // 1-based; 0 means "not set"
	Snippet string `json:"snippet,omitempty"` // <= 200 chars
	Hint    string `json:"hint,omitempty"`
}

type ErrorResponse struct {
	Error AppError `json:"error"`
}

// Diagnostic is a non-fatal finding produced while compiling. The dependent
// optional feature has already been omitted or replaced by a default.
type Diagnostic struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	Server  string `json:"server,omitempty"`
}
