/*Package notify publishes mutation events to interested consumers.

The backend emits one event per successful create, update or delete.
Events carry the resource, the operation and the entity's identifier,
plus the JSON payload of the mutation where one exists.
*/
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/relata-tech/relata/core"
)

// Event is one mutation notification.
type Event struct {
	Resource   string         `json:"resource"`
	Operation  core.Operation `json:"operation"`
	ResourceID uuid.UUID      `json:"resource_id"`
	Payload    []byte         `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Notifier publishes mutation events. Implementations must be safe for
// concurrent use. Publishing happens after the database transaction has
// committed, so a failed publish must not affect the request outcome.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
	Close() error
}
