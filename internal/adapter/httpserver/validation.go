package httpserver

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/pixtools/pixtools/internal/domain"
)

var (
	structValidator     *validator.Validate
	structValidatorOnce sync.Once
)

func getStructValidator() *validator.Validate {
	structValidatorOnce.Do(func() { structValidator = validator.New() })
	return structValidator
}

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult represents the result of validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

func invalid(field, code, msg string) ValidationResult {
	return ValidationResult{Valid: false, Errors: []ValidationError{{Field: field, Code: code, Message: msg}}}
}

var validJobID = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateJobID validates a job ID path parameter.
func ValidateJobID(jobID string) ValidationResult {
	if jobID == "" {
		return invalid("id", "REQUIRED", "job id is required")
	}
	if len(jobID) > 100 {
		return invalid("id", "TOO_LONG", "job id is too long (max 100 characters)")
	}
	if !validJobID.MatchString(jobID) {
		return invalid("id", "INVALID_FORMAT", "job id contains invalid characters")
	}
	return ValidationResult{Valid: true}
}

var extToFormat = map[string]domain.Operation{
	".jpg":  domain.OpConvertJPG,
	".jpeg": domain.OpConvertJPG,
	".png":  domain.OpConvertPNG,
	".webp": domain.OpConvertWebP,
	".avif": domain.OpConvertAVIF,
}

// ValidateOperations validates the requested operations list against the
// source image's inferred format: every conversion operation must target a
// format different from the source (a same-format conversion is a no-op the
// client should simply not request), denoise and metadata are always
// allowed, and every operation name must be one pixtools knows how to run.
func ValidateOperations(operations []string, originalFilename string) ValidationResult {
	if len(operations) == 0 {
		return invalid("operations", "REQUIRED", "operations must be a non-empty array")
	}

	ext := strings.ToLower(extOf(originalFilename))
	sourceFormat, hasSourceFormat := extToFormat[ext]

	seen := make(map[string]bool, len(operations))
	for _, raw := range operations {
		op := strings.ToLower(strings.TrimSpace(raw))
		if !domain.IsValidOperation(op) {
			return invalid("operations", "INVALID_VALUE", fmt.Sprintf("unsupported operation %q", raw))
		}
		if seen[op] {
			return invalid("operations", "DUPLICATE", fmt.Sprintf("operation %q requested more than once", raw))
		}
		seen[op] = true

		if domain.ConversionFormats[domain.Operation(op)] && op != string(domain.OpDenoise) && hasSourceFormat && domain.Operation(op) == sourceFormat {
			return invalid("operations", "SAME_FORMAT", fmt.Sprintf("operation %q matches the source image format", op))
		}
	}
	return ValidationResult{Valid: true}
}

func extOf(filename string) string {
	if i := strings.LastIndex(filename, "."); i >= 0 {
		return filename[i:]
	}
	return ""
}

// ValidateOperationParams checks the decoded operation_params object. Field
// ranges (quality 1-100, non-negative resize dimensions) are enforced by
// struct tags via the shared validator.Validate instance; the cross-field
// rules a struct tag can't express (quality only for jpg/webp, resize only
// for codec-backed operations, "at least one resize dimension") are checked
// here.
func ValidateOperationParams(params map[string]domain.OperationParams) ValidationResult {
	v := getStructValidator()
	for op, p := range params {
		if !domain.ConversionFormats[domain.Operation(op)] {
			return invalid("operation_params", "INVALID_VALUE", fmt.Sprintf("operation_params has no effect on %q", op))
		}
		if err := v.Struct(p); err != nil {
			return invalid("operation_params", "OUT_OF_RANGE", fmt.Sprintf("operation_params for %q failed validation: %v", op, err))
		}
		if p.Resize != nil {
			if err := v.Struct(p.Resize); err != nil {
				return invalid("operation_params", "OUT_OF_RANGE", fmt.Sprintf("resize params for %q failed validation: %v", op, err))
			}
		}
		if p.Quality != 0 && op != string(domain.OpConvertJPG) && op != string(domain.OpConvertWebP) {
			return invalid("operation_params", "INVALID_VALUE", fmt.Sprintf("quality is not accepted for operation %q", op))
		}
		if p.Resize != nil && p.Resize.Width == 0 && p.Resize.Height == 0 {
			return invalid("operation_params", "INVALID_VALUE", fmt.Sprintf("resize for %q must set width and/or height", op))
		}
	}
	return ValidationResult{Valid: true}
}

// ValidateWebhookURL validates that a webhook URL, if provided, uses http(s)
// and has a non-empty host. An empty webhookURL is allowed: the finalizer
// simply skips delivery.
func ValidateWebhookURL(webhookURL string) ValidationResult {
	if webhookURL == "" {
		return ValidationResult{Valid: true}
	}
	u, err := url.Parse(webhookURL)
	if err != nil {
		return invalid("webhook_url", "INVALID_FORMAT", "webhook_url is not a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return invalid("webhook_url", "INVALID_SCHEME", "webhook_url must use http or https")
	}
	if u.Host == "" {
		return invalid("webhook_url", "INVALID_FORMAT", "webhook_url must include a host")
	}
	return ValidationResult{Valid: true}
}
