package pipeline

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"golang.org/x/text/currency"

	"github.com/HanTheDev/risk-scoring-gateway/internal/models"
)

var (
	vOnce      sync.Once
	validate   *validator.Validate
	translator ut.Translator
)

func initValidator() {
	vOnce.Do(func() {
		enLoc := en.New()
		uni := ut.New(enLoc, enLoc)
		translator, _ = uni.GetTranslator("en")

		v := validator.New(validator.WithRequiredStructEnabled())

		// report json names
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			tag := fld.Tag.Get("json")
			if tag == "-" || tag == "" {
				return fld.Name
			}
			if idx := strings.Index(tag, ","); idx >= 0 {
				tag = tag[:idx]
			}
			return tag
		})

		_ = en_translations.RegisterDefaultTranslations(v, translator)

		_ = v.RegisterValidation("currency_code", func(fl validator.FieldLevel) bool {
			code := fl.Field().String()
			if len(code) != 3 {
				return false
			}
			_, err := currency.ParseISO(code)
			return err == nil
		})
		_ = v.RegisterTranslation("currency_code", translator,
			func(ut ut.Translator) error {
				return ut.Add("currency_code", "{0} must be an ISO 4217 currency code", true)
			},
			func(ut ut.Translator, fe validator.FieldError) string {
				msg, _ := ut.T("currency_code", fe.Field())
				return msg
			},
		)

		validate = v
	})
}

// Validate checks a transaction before it enters the pipeline. Failures wrap
// ErrInvalidTransaction.
func Validate(txn *models.Transaction) error {
	if txn == nil {
		return fmt.Errorf("%w: empty transaction", ErrInvalidTransaction)
	}
	initValidator()

	if err := validate.Struct(txn); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s", ErrInvalidTransaction, verrs[0].Translate(translator))
		}
		return fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}
	if !txn.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be greater than zero", ErrInvalidTransaction)
	}
	if !txn.Amount.Round(models.AmountScale).LessThan(models.MaxAmount) {
		return fmt.Errorf("%w: amount must be less than %s", ErrInvalidTransaction, models.MaxAmount)
	}
	return nil
}
