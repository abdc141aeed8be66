package types

// Common response types

type ErrorResponse struct {
	Error string `json:"error"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}

// Request bodies

type CreateSessionRequest struct {
	Metadata map[string]any `json:"metadata"`
}

type CreateMessageRequest struct {
	Content  string         `json:"content" binding:"required"`
	Role     string         `json:"role"`
	Metadata map[string]any `json:"metadata"`
}

// Health

type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

type ComponentHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Count  *int   `json:"count,omitempty"`
}

type DetailedHealthResponse struct {
	Status     string                     `json:"status"`
	Service    string                     `json:"service"`
	Components map[string]ComponentHealth `json:"components"`
}
