package dto

type ErrorResponse struct {
	Error   bool   `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

type HealthResponse struct {
	Status        string `json:"status"`
	Timestamp     string `json:"timestamp"`
	DB            string `json:"db"`
	ConfigVersion uint64 `json:"config_version"`
	Provider      string `json:"provider"`
	TestMode      bool   `json:"test_mode"`
}
