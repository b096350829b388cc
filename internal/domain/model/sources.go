package model

// SourcesApplication is an application object of the sources API.
type SourcesApplication struct {
	ID                string `json:"id"`
	SourceID          string `json:"source_id"`
	ApplicationTypeID string `json:"application_type_id"`
}

// SourcesAuthentication is an authentication object of the sources API. For
// cloudigrade the role ARN travels in Username.
type SourcesAuthentication struct {
	ID           string `json:"id"`
	AuthType     string `json:"authtype"`
	Username     string `json:"username"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
}
