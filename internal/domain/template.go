package domain

import (
	"fmt"
	"time"
)

// PolicyTemplate именованный набор значений по умолчанию. Installer применяет его к паре (user, agent).
type PolicyTemplate struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Active      bool      `json:"active"`
	Policy      Policy    `json:"policy"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (t PolicyTemplate) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("template name is required")
	}
	if err := t.Policy.Validate(); err != nil {
		return fmt.Errorf("template %s: %w", t.Name, err)
	}
	return nil
}
