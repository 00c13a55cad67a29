package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidInput базовая ошибка валидации пользовательского ввода
var ErrInvalidInput = errors.New("invalid input")

var (
	// TagPattern формат тега актива после нормализации:
	// латинские буквы, цифры и дефис, 2-32 символа
	TagPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9-]{1,31}$`)

	// SitePattern код площадки: 2-16 заглавных букв или цифр
	SitePattern = regexp.MustCompile(`^[A-Z0-9]{2,16}$`)

	// TechnicianPattern имя техника: буквы, цифры, точка, дефис и подчеркивание, 2-64 символа
	TechnicianPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{2,64}$`)
)

// DefaultTagPrefix признак тега актива; остальные идентификаторы считаются серийными номерами
const DefaultTagPrefix = "GF-"

// NormalizeTag trims and upper-cases an asset tag
func NormalizeTag(tag string) string {
	return strings.ToUpper(strings.TrimSpace(tag))
}

// NormalizeSite trims and upper-cases a site code
func NormalizeSite(site string) string {
	return strings.ToUpper(strings.TrimSpace(site))
}

// ValidateTag проверяет нормализованный тег актива
func ValidateTag(tag string) error {
	if tag == "" {
		return fmt.Errorf("%w: asset tag cannot be empty", ErrInvalidInput)
	}
	if !TagPattern.MatchString(tag) {
		return fmt.Errorf("%w: asset tag %q can only contain letters, numbers and dashes (2-32 characters)", ErrInvalidInput, tag)
	}
	return nil
}

// ValidateSite проверяет код площадки
func ValidateSite(site string) error {
	if site == "" {
		return fmt.Errorf("%w: site cannot be empty", ErrInvalidInput)
	}
	if !SitePattern.MatchString(site) {
		return fmt.Errorf("%w: site %q must be 2-16 letters or numbers", ErrInvalidInput, site)
	}
	return nil
}

// ValidateTechnician проверяет имя техника
func ValidateTechnician(name string) error {
	if name == "" {
		return fmt.Errorf("%w: technician cannot be empty", ErrInvalidInput)
	}
	if !TechnicianPattern.MatchString(name) {
		return fmt.Errorf("%w: technician %q can only contain letters, numbers, dots, dashes and underscores (2-64 characters)", ErrInvalidInput, name)
	}
	return nil
}

// ValidateNotes limits free-form text attached to events and annotations
func ValidateNotes(notes string) error {
	const maxNotesLen = 2000

	if len(notes) > maxNotesLen {
		return fmt.Errorf("%w: notes must not exceed %d characters", ErrInvalidInput, maxNotesLen)
	}
	return nil
}

// IsAssetTag reports whether a scanned identifier is an asset tag rather
// than a serial number
func IsAssetTag(identifier, prefix string) bool {
	if prefix == "" {
		prefix = DefaultTagPrefix
	}
	return strings.HasPrefix(NormalizeTag(identifier), strings.ToUpper(prefix))
}
