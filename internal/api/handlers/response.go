package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

const (
	// hexRule applies to path params and body fields carrying ids or addresses
	hexRule = "required,startswith=0x,hexadecimal"

	positiveDecimalTag = "positive_decimal"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	registerRules(v)
	return v
}

func registerRules(v *validator.Validate) {
	_ = v.RegisterValidation(positiveDecimalTag, isPositiveDecimal)
}

// gin binds request bodies with its own validator instance
func init() {
	if engine, ok := binding.Validator.Engine().(*validator.Validate); ok {
		registerRules(engine)
	}
}

// isPositiveDecimal accepts decimal strings greater than zero
func isPositiveDecimal(fl validator.FieldLevel) bool {
	amount, err := decimal.NewFromString(fl.Field().String())
	return err == nil && amount.IsPositive()
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
}

func failed(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
}

func ok(c *gin.Context, body gin.H) {
	body["success"] = true
	c.JSON(http.StatusOK, body)
}

// decimalOf converts a field already checked with positive_decimal
func decimalOf(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}

// optionalAmount converts an omitempty,positive_decimal field
func optionalAmount(value string) *decimal.Decimal {
	if value == "" {
		return nil
	}
	parsed := decimalOf(value)
	return &parsed
}

func hexParam(field, value string) error {
	if err := validate.Var(value, hexRule); err != nil {
		return fmt.Errorf("%s must be 0x-prefixed hex, got %q", field, value)
	}
	return nil
}
