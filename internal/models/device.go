package models

import "time"

// Device is a charger known to the operator account
type Device struct {
	BaseModel
	IMEI          string     `json:"imei" db:"imei" validate:"required"`
	Name          string     `json:"name" db:"name"`
	Description   string     `json:"description,omitempty" db:"description"`
	PhoneNumber   string     `json:"phoneNumber,omitempty" db:"phone_number"`
	IsDisabled    bool       `json:"isDisabled" db:"is_disabled"`
	Variables     Variables  `json:"variables,omitempty" db:"variables"`
	LastCommandAt *time.Time `json:"lastCommandAt,omitempty" db:"last_command_at"`
}
