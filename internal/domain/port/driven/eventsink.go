package driven

import (
	"context"

	"github.com/ericfisherdev/keyrental/internal/domain/model"
)

// EventSink defines the driven port for outbound domain events consumed by
// the notification collaborator. Publish is fire-and-forget from the
// engine's point of view; callers log failures and carry on.
type EventSink interface {
	Publish(ctx context.Context, ev model.Event) error
}

// Cipher defines the driven port for symmetric encryption of credential
// material. Decrypt(Encrypt(x)) must return x for every byte string x.
type Cipher interface {
	Encrypt(plaintext []byte) (string, error)
	Decrypt(ciphertext string) ([]byte, error)
}
