package validation

import (
	"strings"
	"testing"
)

type commandRequest struct {
	Key     string      `json:"key" validate:"required,max=32"`
	Value   interface{} `json:"value" validate:"required"`
	Timeout int         `json:"timeoutSeconds" validate:"min=0,max=600"`
}

type lifecycleRequest struct {
	State   string `json:"state" validate:"oneof=active inactive background"`
	Visible *bool  `json:"visible"`
}

type deviceRequest struct {
	IMEI string `json:"imei" validate:"required,numeric,min=8,max=17"`
}

func TestValidate(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name    string
		input   interface{}
		wantErr string
	}{
		{"valid command", &commandRequest{Key: "sos", Value: 1, Timeout: 30}, ""},
		{"missing key", &commandRequest{Value: 1}, "key: field is required"},
		{"nil value", &commandRequest{Key: "sos"}, "value: field is required"},
		{"timeout too large", &commandRequest{Key: "sos", Value: 0, Timeout: 601}, "timeoutSeconds: maximum is 600"},
		{"key too long", &commandRequest{Key: strings.Repeat("k", 33), Value: 1}, "key: maximum is 32"},
		{"empty optional oneof", &lifecycleRequest{}, ""},
		{"bad state", &lifecycleRequest{State: "sleeping"}, "state: must be one of active, inactive, background"},
		{"good state", &lifecycleRequest{State: "background"}, ""},
		{"imei digits", &deviceRequest{IMEI: "860000000000001"}, ""},
		{"imei letters", &deviceRequest{IMEI: "86000000000000x"}, "imei: must contain only digits"},
		{"imei short", &deviceRequest{IMEI: "1234"}, "imei: minimum is 8"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.input)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || err.Error() != tt.wantErr {
				t.Fatalf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}

	if err := v.Validate("not a struct"); err == nil {
		t.Fatal("expected error for non-struct")
	}
}
