package middleware

import (
	"errors"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/erp/compliance/internal/infrastructure/logger"
	"github.com/erp/compliance/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

var setupValidator sync.Once

// SetupValidator makes gin's validator report fields by their json name, or
// by their form name for query structs. Safe to call more than once.
func SetupValidator() {
	setupValidator.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(wireName)
	})
}

func wireName(f reflect.StructField) string {
	for _, tag := range []string{"json", "form"} {
		name, _, _ := strings.Cut(f.Tag.Get(tag), ",")
		switch name {
		case "-":
			return ""
		case "":
			continue
		default:
			return name
		}
	}
	return ""
}

// HandleValidationError answers 400 with one detail per rejected field.
// Errors that are not field validations, such as malformed JSON, get none.
func HandleValidationError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, dto.NewValidationErrorResponse(
		"Request validation failed",
		logger.GetRequestID(c.Request.Context()),
		validationDetails(err),
	))
}

func validationDetails(err error) []dto.ValidationDetail {
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) {
		return nil
	}
	details := make([]dto.ValidationDetail, 0, len(fields))
	for _, fe := range fields {
		details = append(details, dto.ValidationDetail{Field: fe.Field(), Message: describe(fe)})
	}
	return details
}

// fieldMessages maps a validator tag to its message. A trailing space means
// the tag parameter is appended.
var fieldMessages = map[string]string{
	"required": "This field is required",
	"uuid":     "Invalid UUID format",
	"oneof":    "Must be one of: ",
	"gte":      "Must be greater than or equal to ",
	"lte":      "Must be less than or equal to ",
	"gt":       "Must be greater than ",
	"lt":       "Must be less than ",
	"numeric":  "Must be numeric",
	"alphanum": "Must be alphanumeric",
	"iso4217":  "Must be an ISO 4217 currency code",
	"dive":     "Invalid list entry",
}

func describe(fe validator.FieldError) string {
	switch tag := fe.Tag(); tag {
	case "min", "max":
		bound := "at least "
		if tag == "max" {
			bound = "at most "
		}
		if fe.Kind() == reflect.String {
			return "Must be " + bound + fe.Param() + " characters"
		}
		return "Must be " + bound + fe.Param()
	case "len":
		return "Must be exactly " + fe.Param() + " characters"
	case "datetime":
		return "Must be a date in " + fe.Param() + " format"
	default:
		msg, ok := fieldMessages[tag]
		if !ok {
			return "Invalid value"
		}
		if strings.HasSuffix(msg, " ") {
			return msg + fe.Param()
		}
		return msg
	}
}
