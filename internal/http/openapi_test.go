package httpx

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudigrade/cloudigrade"
)

func TestValidateOpenAPI_EmbeddedDocument(t *testing.T) {
	require.NoError(t, ValidateOpenAPI(cloudigrade.OpenAPIDocument))
}

func TestValidateOpenAPI_Rejects(t *testing.T) {
	require.Error(t, ValidateOpenAPI([]byte(`not json`)))
	require.Error(t, ValidateOpenAPI([]byte(`{"swagger":"2.0","info":{"title":"x","version":"1"},
		"paths":{"/a/{id}":{"get":{"responses":{"200":{"description":"ok"}}}}}}`)))
}
