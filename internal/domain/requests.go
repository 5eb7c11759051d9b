package domain

// RegisterRequest is the body of POST /v1/tunnels/register. A
// non-empty Password makes the http tunnel require Basic auth from
// public visitors for this session.
type RegisterRequest struct {
	Type          ConnectionType `json:"type"`
	Subdomain     string         `json:"subdomain,omitempty"`
	Password      string         `json:"password,omitempty"`
	ClientVersion string         `json:"client_version,omitempty"`
}

// RegisterResponse is returned on successful registration. Token is a
// single-use credential for the follow-up control channel dial.
type RegisterResponse struct {
	ConnectionID  string         `json:"connection_id"`
	Type          ConnectionType `json:"type"`
	Subdomain     string         `json:"subdomain,omitempty"`
	Port          uint32         `json:"port,omitempty"`
	PublicURL     string         `json:"public_url"`
	ConnectURL    string         `json:"connect_url"`
	Token         string         `json:"token"`
	ServerVersion string         `json:"server_version,omitempty"`
}

// ErrorResponse is the JSON error envelope for all API endpoints.
type ErrorResponse struct {
	Error string `json:"error"`
}
