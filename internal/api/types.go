package api

// SubmitCommandRequest is the API-level command submission body. The
// assessment id comes from the URL path.
type SubmitCommandRequest struct {
	Command        string `json:"command"`
	Phase          string `json:"phase,omitempty"`
	ContainerName  string `json:"container_name,omitempty"`
	TimeoutSeconds *int   `json:"timeout_seconds,omitempty"`
}

// ResolveRequest carries the approver/rejecter identity and, for rejections,
// the reason.
type ResolveRequest struct {
	ResolvedBy string `json:"resolved_by"`
	Reason     string `json:"reason,omitempty"`
}

// KeywordRequest adds one filter keyword.
type KeywordRequest struct {
	Keyword string `json:"keyword"`
}

// CountResponse wraps a bare count.
type CountResponse struct {
	Count int `json:"count"`
}

// StartResponse reports a container start attempt.
type StartResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// ToolResponse reports an advisory tool-availability check.
type ToolResponse struct {
	Container string `json:"container"`
	Tool      string `json:"tool"`
	Available bool   `json:"available"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Database bool   `json:"database"`
	Runtime  bool   `json:"runtime"`
	Uptime   string `json:"uptime"`
}
