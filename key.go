package paygate

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const keyLength = 36

// ValidateIdempotencyKey checks that key is a UUID v4 in its canonical
// 8-4-4-4-12 textual form.
func ValidateIdempotencyKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: key cannot be empty", ErrInvalidKeyFormat)
	}
	if len(key) != keyLength {
		return fmt.Errorf("%w: must be UUID v4", ErrInvalidKeyFormat)
	}
	id, err := uuid.Parse(key)
	if err != nil {
		return fmt.Errorf("%w: must be UUID v4: %v", ErrInvalidKeyFormat, err)
	}
	if id.Version() != 4 {
		return fmt.Errorf("%w: must be UUID v4, got version %d", ErrInvalidKeyFormat, id.Version())
	}
	return nil
}
