package models

// AuthType enumerates the supported outbound authentication schemes.
type AuthType string

const (
	AuthBearer AuthType = "bearer"
	AuthBasic  AuthType = "basic"
	AuthAPIKey AuthType = "apikey"
)

// AuthConfig carries credentials for an outbound call. Only the fields of
// the selected Type are read.
type AuthConfig struct {
	Type     AuthType `json:"type"                mapstructure:"type"`
	Token    string   `json:"token,omitempty"     mapstructure:"token"`
	Username string   `json:"username,omitempty"  mapstructure:"username"`
	Password string   `json:"password,omitempty"  mapstructure:"password"`
	KeyName  string   `json:"keyName,omitempty"   mapstructure:"keyName"`
	KeyValue string   `json:"keyValue,omitempty"  mapstructure:"keyValue"`
}

// Endpoint is the catalog definition of an HTTP API call.
type Endpoint struct {
	URL     string         `json:"url"               mapstructure:"url"`
	Method  string         `json:"method"            mapstructure:"method"`
	Headers map[string]any `json:"headers,omitempty" mapstructure:"headers"`
	Body    map[string]any `json:"body,omitempty"    mapstructure:"body"`
}

// UserEndpoint binds a catalog endpoint to a user's own headers, body and credentials.
type UserEndpoint struct {
	Headers    map[string]any `json:"headers,omitempty"    mapstructure:"headers"`
	Body       map[string]any `json:"body,omitempty"       mapstructure:"body"`
	AuthConfig map[string]any `json:"authConfig,omitempty" mapstructure:"authConfig"`
	Endpoint   Endpoint       `json:"endpoint"             mapstructure:"endpoint"`
}

// ActionOverrides are node-level values that win over the endpoint defaults.
type ActionOverrides struct {
	Headers    map[string]any `json:"headers,omitempty"    mapstructure:"headers"`
	Body       map[string]any `json:"body,omitempty"       mapstructure:"body"`
	AuthConfig map[string]any `json:"authConfig,omitempty" mapstructure:"authConfig"`
}

// ActionConfig is everything the action processor needs to build a request.
type ActionConfig struct {
	WorkflowNodeID int64           `json:"workflow_node_id" mapstructure:"workflow_node_id"`
	UserEndpointID int64           `json:"user_endpoint_id" mapstructure:"user_endpoint_id"`
	UserEndpoint   UserEndpoint    `json:"user_endpoint"    mapstructure:"user_endpoint"`
	Overrides      ActionOverrides `json:"overrides"        mapstructure:"overrides"`
}
