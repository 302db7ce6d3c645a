package models

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
)

// RequestSpec describes a single ad load. It is treated as immutable once
// handed to a slot: the slot keeps its own copy and reuses it for automatic
// reloads.
type RequestSpec struct {
	// UnitID is the vendor ad unit identifier. It must not be blank.
	UnitID string `json:"ad_unit_id" validate:"notblank"`
	// RequestAgent identifies the integration making the request.
	RequestAgent string `json:"request_agent,omitempty"`
	// Size and Position only apply to embedded formats.
	Size     *SizeHint     `json:"ad_size,omitempty"`
	Position *PositionHint `json:"ad_position,omitempty"`
	// AdaptiveWidth and AdaptiveMaxHeight override the surface width and the
	// maximum height used for adaptive sizes. Zero means "let the renderer decide".
	AdaptiveWidth     int `json:"adaptive_width,omitempty" validate:"gte=0"`
	AdaptiveMaxHeight int `json:"adaptive_max_height,omitempty" validate:"gte=0"`
	// Keywords are forwarded in order.
	Keywords []string `json:"keywords,omitempty"`
	// VendorExtras carries per-network parameters. Values are raw so that
	// decoding from JSON never loses information; the extras registry
	// narrows them to ScalarValue and drops the rest.
	VendorExtras []VendorExtras `json:"network_extras,omitempty"`
	Consent      ConsentFields  `json:"consent"`
	// Verification is only honoured by rewarded formats.
	Verification *ServerSideVerification `json:"server_side_verification,omitempty"`
}

// VendorExtras is one network_extras entry.
type VendorExtras struct {
	Network string         `json:"network"`
	Params  map[string]any `json:"extras"`
}

// ConsentFields holds the tri-state privacy signals. A nil field means the
// caller expressed no preference and handlers must leave that signal alone.
type ConsentFields struct {
	GDPRConsent     *bool `json:"has_gdpr_consent,omitempty"`
	CCPASaleConsent *bool `json:"has_ccpa_sale_consent,omitempty"`
	AgeRestricted   *bool `json:"is_age_restricted_user,omitempty"`
}

// IsEmpty reports whether no consent signal is set.
func (c ConsentFields) IsEmpty() bool {
	return c.GDPRConsent == nil && c.CCPASaleConsent == nil && c.AgeRestricted == nil
}

// ServerSideVerification is forwarded to rewarded formats so the vendor can
// call back the publisher's server when a reward is granted.
type ServerSideVerification struct {
	UserID     string `json:"user_id,omitempty"`
	CustomData string `json:"custom_data,omitempty"`
}

// Bool returns a pointer to b, for building ConsentFields literals.
func Bool(b bool) *bool { return &b }

// FieldError describes one invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every invalid field of a RequestSpec.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return strings.Join(parts, "; ")
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		if err := validate.RegisterValidation("notblank", validators.NotBlank); err != nil {
			panic(fmt.Sprintf("register notblank validation: %v", err))
		}
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "" || name == "-" {
				return fld.Name
			}
			return name
		})
	})
	return validate
}

// Validate checks the request. A blank unit id, a negative adaptive
// dimension or an unknown size/position name yields a *ValidationError.
func (r RequestSpec) Validate() error {
	var fields []FieldError

	if err := getValidator().Struct(r); err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return &ValidationError{Fields: []FieldError{{Field: "request", Message: err.Error()}}}
		}
		for _, fe := range verrs {
			fields = append(fields, FieldError{Field: fe.Field(), Message: validationMessage(fe)})
		}
	}

	if r.Size != nil {
		if _, err := ParseSizeHint(string(*r.Size)); err != nil {
			fields = append(fields, FieldError{Field: "ad_size", Message: err.Error()})
		}
	}
	if r.Position != nil {
		if _, err := ParsePositionHint(string(*r.Position)); err != nil {
			fields = append(fields, FieldError{Field: "ad_position", Message: err.Error()})
		}
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "notblank", "required":
		return "is required"
	case "gte":
		return "must be at least " + fe.Param()
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}

// GenerateAdID builds the slot identifier for the n-th slot created for this
// unit, e.g. "ca-app-pub-123/456-3".
func (r RequestSpec) GenerateAdID(sequence int) string {
	return fmt.Sprintf("%s-%d", strings.TrimSpace(r.UnitID), sequence)
}
