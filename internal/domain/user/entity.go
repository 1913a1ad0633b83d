package user

import (
	"database/sql"

	"github.com/google/uuid"
)

// User is a read-only projection of the account system's users table.
// The chat core only reads display fields for sender_info snapshots.
type User struct {
	ID          uuid.UUID
	TenantID    uuid.UUID
	DisplayName string
	AvatarURL   sql.NullString
}

func (User) TableName() string {
	return "users"
}
