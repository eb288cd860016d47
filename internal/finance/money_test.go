package finance

import (
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestMoneyRoundsHalfAwayFromZero(t *testing.T) {
	require.Equal(t, "10.13", Money(decimal.RequireFromString("10.125")).StringFixed(2))
	require.Equal(t, "-10.13", Money(decimal.RequireFromString("-10.125")).StringFixed(2))
}

func TestCurrenciesValidate(t *testing.T) {
	c := MustCurrencies("MYR", "JPY")
	require.Equal(t, []string{"JPY", "MYR"}, c.Codes())
	require.NoError(t, c.Validate("currency", "MYR"))

	err := c.Validate("currency", "USD")
	var v *ValidationError
	require.ErrorAs(t, err, &v)
	require.Equal(t, "currency", v.Field)

	require.True(t, IsValidation(c.Validate("currency", "ZZZ9")))

	_, err = NewCurrencies([]string{"NOPE"})
	require.Error(t, err)
}

func TestFromValidatorUsesSnakeCaseField(t *testing.T) {
	type input struct {
		CompanyID int64  `validate:"required"`
		Name      string `validate:"max=3"`
	}
	v := validator.New()

	err := FromValidator(v.Struct(input{Name: "ok"}))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "company_id", verr.Field)
	require.Equal(t, "is required", verr.Message)

	err = FromValidator(v.Struct(input{CompanyID: 1, Name: "too long"}))
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "name", verr.Field)
	require.NoError(t, FromValidator(nil))
}
