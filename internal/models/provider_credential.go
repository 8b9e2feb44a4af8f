package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ProviderCredential stores one provider's credential fields as a single
// encrypted blob. Plaintext never touches this table.
type ProviderCredential struct {
	ID        uuid.UUID `gorm:"type:text;primary_key" json:"id"`
	Provider  Provider  `gorm:"uniqueIndex;not null" json:"provider"`
	Data      string    `gorm:"type:text;not null" json:"-"` // enc:v1:<base64> blob
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (pc *ProviderCredential) BeforeCreate(tx *gorm.DB) error {
	if pc.ID == uuid.Nil {
		pc.ID = uuid.New()
	}
	return nil
}
