// Package api embeds the OpenAPI document served at /openapi.yaml.
package api

import _ "embed"

// OpenAPISpec holds the OpenAPI 3.1 YAML describing the coordination API.
//
//go:embed openapi.yaml
var OpenAPISpec []byte
