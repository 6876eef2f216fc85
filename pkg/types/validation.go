package types

import (
	"errors"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

var (
	userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	validate   *validator.Validate
	translator ut.Translator
)

const (
	messageTypeTag  = "message_type"
	messageTypeText = "{0} must be one of general, suggestion, question, academic, report_card"
	roleTag         = "school_role"
	roleText        = "{0} must be one of super_admin, admin, teacher, student, parent"
	requiredText    = "this field is required"
)

func init() {
	validate = validator.New()
	english := en.New()
	translator, _ = ut.New(english, english).GetTranslator("en")
	_ = en_translations.RegisterDefaultTranslations(validate, translator)

	// Use JSON tag names for errors instead of Go struct names.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = validate.RegisterValidation(messageTypeTag, func(fl validator.FieldLevel) bool {
		return IsValidMessageType(fl.Field().String())
	})
	_ = validate.RegisterValidation(roleTag, func(fl validator.FieldLevel) bool {
		return IsValidRole(fl.Field().String())
	})
	registerTranslation(messageTypeTag, messageTypeText, false)
	registerTranslation(roleTag, roleText, false)
	registerTranslation("required", requiredText, true)
}

func registerTranslation(tag, text string, override bool) {
	_ = validate.RegisterTranslation(
		tag, translator,
		func(t ut.Translator) error { return t.Add(tag, text, override) },
		func(t ut.Translator, fe validator.FieldError) string {
			s, _ := t.T(tag, fe.Field())
			return s
		},
	)
}

// ValidateStruct runs the struct tags of v and returns a ValidationError with per-field details
func ValidateStruct(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return NewValidationError(err.Error())
	}
	fields := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, FieldError{Field: fe.Field(), Error: fe.Translate(translator)})
	}
	return NewValidationError("validation failed", fields...)
}

// Normalize applies router defaults and validates the intent.
// Missing receiver and empty content map to the dedicated sentinel errors.
func (m *MessageIntent) Normalize() error {
	m.ReceiverID = strings.TrimSpace(m.ReceiverID)
	if m.ReceiverID == "" {
		return ErrMissingReceiver
	}
	if strings.TrimSpace(m.Content) == "" {
		return ErrMissingContent
	}
	if strings.TrimSpace(m.Subject) == "" {
		m.Subject = DefaultSubject
	}
	if m.Type == "" {
		m.Type = MessageTypeGeneral
	}
	return ValidateStruct(m)
}

// IsValidUserID checks if a user ID meets format requirements
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 64 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// IsValidMessageType checks if the message type is one of the allowed types
func IsValidMessageType(msgType string) bool {
	switch msgType {
	case MessageTypeGeneral,
		MessageTypeSuggestion,
		MessageTypeQuestion,
		MessageTypeAcademic,
		MessageTypeReportCard:
		return true
	default:
		return false
	}
}

// IsValidRole checks the directory role set
func IsValidRole(role string) bool {
	switch role {
	case RoleSuperAdmin, RoleAdmin, RoleTeacher, RoleStudent, RoleParent:
		return true
	default:
		return false
	}
}

func IsAdminRole(role string) bool {
	return role == RoleAdmin || role == RoleSuperAdmin
}
