// Package cloudigrade embeds the documents shipped with every binary.
package cloudigrade

import _ "embed"

// OpenAPIDocument is the Swagger 2.0 description of the HTTP API.
//
//go:embed openapi.json
var OpenAPIDocument []byte

// ClowdJobInvocationTemplate is the default deployment template rendered by
// cloudigrade-admin cji.
//
//go:embed deploy/clowdjobinvocation.yaml
var ClowdJobInvocationTemplate []byte
