package validator

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"
)

var (
	sanitizer = bluemonday.StrictPolicy()
	spaces    = regexp.MustCompile(`\s+`)
	phone     = regexp.MustCompile(`^\+?[0-9 ()-]{6,20}$`)
)

// Init registers the custom binding tags on gin's validator.
func Init() {
	if engine, ok := binding.Validator.Engine().(*validator.Validate); ok {
		registerCustomValidations(engine)
	}
}

func registerCustomValidations(v *validator.Validate) {
	v.RegisterValidation("no_html", validateNoHTML)
	v.RegisterValidation("phone", validatePhone)
}

// SanitizeText strips markup and collapses whitespace.
func SanitizeText(s string) string {
	return NormalizeSpaces(strings.TrimSpace(sanitizer.Sanitize(s)))
}

// NormalizeText returns s in Unicode NFC with markup removed.
func NormalizeText(s string) string {
	return norm.NFC.String(SanitizeText(s))
}

func NormalizeSpaces(s string) string {
	return spaces.ReplaceAllString(s, " ")
}

func ValidateHTTPSURL(raw string) bool {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return parsed.Scheme == "https" && parsed.Host != ""
}

func validateNoHTML(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	return !strings.Contains(value, "<") && !strings.Contains(value, ">")
}

func validatePhone(fl validator.FieldLevel) bool {
	return phone.MatchString(fl.Field().String())
}
