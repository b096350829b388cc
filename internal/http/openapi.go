package httpx

import (
	"fmt"

	"github.com/go-openapi/loads"
	"github.com/go-openapi/strfmt"
	"github.com/go-openapi/validate"
)

// ValidateOpenAPI checks that doc is a valid Swagger 2.0 document.
func ValidateOpenAPI(doc []byte) error {
	analyzed, err := loads.Analyzed(doc, "2.0")
	if err != nil {
		return fmt.Errorf("load openapi document: %w", err)
	}
	if err := validate.Spec(analyzed, strfmt.Default); err != nil {
		return fmt.Errorf("openapi document: %w", err)
	}
	return nil
}
