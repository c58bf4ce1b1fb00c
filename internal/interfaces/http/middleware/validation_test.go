package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/erp/compliance/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type submitInput struct {
	InvoiceID     string `json:"invoiceId" binding:"required,uuid"`
	InvoiceNumber string `json:"invoiceNumber" binding:"required,max=10"`
	Currency      string `json:"currency" binding:"omitempty,iso4217"`
}

func TestSetupValidator(t *testing.T) {
	SetupValidator()

	v, ok := binding.Validator.Engine().(*validator.Validate)
	assert.True(t, ok)
	assert.NotNil(t, v)
}

func TestHandleValidationError(t *testing.T) {
	SetupValidator()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.POST("/test", func(c *gin.Context) {
		var req submitInput
		if err := c.ShouldBindJSON(&req); err != nil {
			HandleValidationError(c, err)
			return
		}
		c.Status(http.StatusOK)
	})

	t.Run("reports each failing field by its json name", func(t *testing.T) {
		body := strings.NewReader(`{"invoiceId": "nope", "invoiceNumber": "FAC-0000000001", "currency": "XXQ"}`)
		req := httptest.NewRequest(http.MethodPost, "/test", body)
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)

		var resp dto.Response
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.False(t, resp.Success)
		require.NotNil(t, resp.Error)
		assert.Equal(t, dto.ErrCodeValidation, resp.Error.Code)
		assert.Equal(t, "Request validation failed", resp.Error.Message)

		messages := make(map[string]string)
		for _, d := range resp.Error.Details {
			messages[d.Field] = d.Message
		}
		assert.Equal(t, "Invalid UUID format", messages["invoiceId"])
		assert.Equal(t, "Must be at most 10 characters", messages["invoiceNumber"])
		assert.Equal(t, "Must be an ISO 4217 currency code", messages["currency"])
	})

	t.Run("missing fields are required", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		var resp dto.Response
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.Error.Details, 2)
		for _, d := range resp.Error.Details {
			assert.Equal(t, "This field is required", d.Message)
		}
	})

	t.Run("valid input passes", func(t *testing.T) {
		body := strings.NewReader(`{"invoiceId": "2f1c7f0e-6a53-4a53-9a4c-0f8c4a1d2b3c", "invoiceNumber": "FAC-1", "currency": "EUR"}`)
		req := httptest.NewRequest(http.MethodPost, "/test", body)
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("malformed json has no field details", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(`{`))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		var resp dto.Response
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Empty(t, resp.Error.Details)
	})
}

func TestDescribe(t *testing.T) {
	type limits struct {
		Len   string `validate:"len=5"`
		OneOf string `validate:"oneof=a b c"`
		GTE   int    `validate:"gte=10"`
		Issue string `validate:"datetime=2006-01-02"`
	}

	err := validator.New().Struct(limits{Len: "ab", OneOf: "d", GTE: 1, Issue: "yesterday"})
	require.Error(t, err)

	got := make(map[string]string)
	for _, e := range err.(validator.ValidationErrors) {
		got[e.Field()] = describe(e)
	}

	assert.Equal(t, "Must be exactly 5 characters", got["Len"])
	assert.Equal(t, "Must be one of: a b c", got["OneOf"])
	assert.Equal(t, "Must be greater than or equal to 10", got["GTE"])
	assert.Equal(t, "Must be a date in 2006-01-02 format", got["Issue"])
}

func TestWireName(t *testing.T) {
	type query struct {
		Page   int    `form:"page,omitempty"`
		Tenant string `json:"tenant_id" form:"tenant"`
		Secret string `json:"-"`
		Plain  string
	}
	typ := reflect.TypeOf(query{})

	assert.Equal(t, "page", wireName(typ.Field(0)))
	assert.Equal(t, "tenant_id", wireName(typ.Field(1)))
	assert.Equal(t, "", wireName(typ.Field(2)))
	assert.Equal(t, "", wireName(typ.Field(3)))
}
