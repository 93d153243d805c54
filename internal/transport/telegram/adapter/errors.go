package adapter

import (
	"errors"
	"fmt"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "plantbot/internal/transport"
)

var unreachable = []string{
	"bot was blocked by the user",
	"user is deactivated",
	"chat not found",
	"message to edit not found",
	"message can't be edited",
	"bot can't initiate conversation",
}

// mapError classifies Bot API failures into transport errors so callers
// can decide about retries without knowing telebot.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &kit.FloodError{Err: err, After: time.Duration(flood.RetryAfter) * time.Second}
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "message is not modified") {
		return fmt.Errorf("%w: %v", kit.ErrNotModified, err)
	}
	for _, s := range unreachable {
		if strings.Contains(msg, s) {
			return fmt.Errorf("%w: %v", kit.ErrUnreachable, err)
		}
	}
	return err
}
