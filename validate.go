package backchannel

import "fmt"

// ValidateMessage checks universal constraints on a display message before it
// enters a session.
func ValidateMessage(msg DisplayMessage) error {
	switch msg.Role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return fmt.Errorf("unknown role %q: %w", msg.Role, ErrValidation)
	}
	if msg.Content == "" && len(msg.Attachments) == 0 {
		return fmt.Errorf("message has no content and no attachments: %w", ErrValidation)
	}
	for _, a := range msg.Attachments {
		if a.Hosted() {
			continue
		}
		if len(a.Data) == 0 && a.Path == "" {
			return fmt.Errorf("attachment %q has no source: %w", a.Name, ErrValidation)
		}
	}
	return nil
}
