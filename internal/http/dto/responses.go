package dto

type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

type SuccessResponse struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
}

type SendTestResponse struct {
	Delivered   bool   `json:"delivered"`
	Description string `json:"description,omitempty"`
}
