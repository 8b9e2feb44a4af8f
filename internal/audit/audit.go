package audit

import (
	"encoding/json"
	"time"

	"github.com/elaas-dev/forge/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// LogAction records an audit log entry
func LogAction(db *gorm.DB, userID uuid.UUID, action, resource string, details interface{}) error {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		detailsJSON = []byte("{}")
	}

	log := models.AuditLog{
		UserID:      userID,
		Action:      action,
		Resource:    resource,
		DetailsJSON: string(detailsJSON),
		Timestamp:   time.Now().UTC(),
	}

	return db.Create(&log).Error
}

// Audit actions constants
const (
	ActionWorkshopCreate   = "workshop.create"
	ActionWorkshopDeploy   = "workshop.deploy"
	ActionWorkshopDestroy  = "workshop.destroy"
	ActionWorkshopExpire   = "workshop.expire"
	ActionDeploymentCancel = "deployment.cancel"
	ActionTemplateRegister = "template.register"
	ActionTemplatePublish  = "template.publish"
	ActionAssignRole       = "role.assign"
	ActionRevokeRole       = "role.revoke"
)
