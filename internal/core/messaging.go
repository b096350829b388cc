package core

import (
	"context"

	"github.com/cloudigrade/cloudigrade/internal/domain/model"
	"github.com/cloudigrade/cloudigrade/internal/identity"
)

// Message is one record for a Kafka topic.
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// MessageProducer publishes records to the platform Kafka.
type MessageProducer interface {
	Produce(ctx context.Context, msgs ...Message) error
}

// SourcesAPI reads objects from the platform sources service on behalf of ident.
type SourcesAPI interface {
	// GetApplication returns nil when the application does not exist.
	GetApplication(ctx context.Context, ident identity.Identity, id int64) (*model.SourcesApplication, error)
	// GetAuthentication returns nil when the authentication does not exist.
	GetAuthentication(ctx context.Context, ident identity.Identity, id int64) (*model.SourcesAuthentication, error)
	// ApplicationTypeID returns the id of the application type called name.
	ApplicationTypeID(ctx context.Context, ident identity.Identity, name string) (string, error)
}
