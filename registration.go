package auth

import (
	"errors"
	"strings"
	"unicode"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/nyaruka/phonenumbers"
)

// DefaultPhoneRegion is the marketplace's home region. Phone numbers are
// only parsed against a region when one is configured, e.g. with
// WithPhoneRegion(DefaultPhoneRegion).
const DefaultPhoneRegion = "BD"

// MinPasswordLength is the shortest password the policy accepts
const MinPasswordLength = 6

// PersonalInfo holds the fields every new account fills in.
type PersonalInfo struct {
	Name            string `json:"name"`
	Email           string `json:"email"`
	Phone           string `json:"phone"`
	District        string `json:"district,omitempty"`
	Upazila         string `json:"upazila,omitempty"`
	Password        string `json:"-"`
	ConfirmPassword string `json:"-"`
	AcceptTerms     bool   `json:"acceptTerms"`
}

// RegistrationDraft is the in progress signup form. It is either a
// CustomerDraft or a MerchantDraft.
type RegistrationDraft interface {
	Role() UserRole
	Personal() PersonalInfo
	isRegistrationDraft()
}

// CustomerDraft registers a customer account.
type CustomerDraft struct {
	PersonalInfo
}

// Role implements RegistrationDraft.
func (CustomerDraft) Role() UserRole { return RoleCustomer }

// Personal implements RegistrationDraft.
func (d CustomerDraft) Personal() PersonalInfo { return d.PersonalInfo }

func (CustomerDraft) isRegistrationDraft() {}

// MerchantDraft registers a merchant account that starts pending approval.
type MerchantDraft struct {
	PersonalInfo
	Shop ShopDetails
}

// Role implements RegistrationDraft.
func (MerchantDraft) Role() UserRole { return RoleMerchant }

// Personal implements RegistrationDraft.
func (d MerchantDraft) Personal() PersonalInfo { return d.PersonalInfo }

func (MerchantDraft) isRegistrationDraft() {}

// DraftValidator checks a draft before any network call is made.
type DraftValidator struct {
	// PhoneRegion is the default region for national numbers. Empty
	// disables the phone number check.
	PhoneRegion string
}

// ValidateDraft checks d with the default validator, which requires a
// phone number but does not parse it.
func ValidateDraft(d RegistrationDraft) error {
	return DraftValidator{}.Validate(d)
}

// Validate returns the first failing rule group as a validation error.
// Groups run in order: required fields, phone (with a region only),
// password policy, password confirmation, terms and, for merchants, shop
// fields.
func (v DraftValidator) Validate(d RegistrationDraft) error {
	if d == nil {
		return NewError(KindMissingField, "registration draft is empty")
	}

	p := d.Personal()

	err := validation.ValidateStruct(&p,
		validation.Field(&p.Name, validation.Required, validation.Length(1, 200)),
		validation.Field(&p.Email, validation.Required, validation.Length(3, 254), is.Email),
		validation.Field(&p.Phone, validation.Required),
	)
	if err != nil {
		return ValidationError(KindMissingField, "required fields are missing or malformed", err)
	}

	if v.PhoneRegion != "" {
		if err := validation.Validate(p.Phone, validation.By(ValidatePhone(v.PhoneRegion))); err != nil {
			return ValidationError(KindInvalidPhone, "phone number is not valid", validation.Errors{"phone": err})
		}
	}

	if err := validation.Validate(p.Password, validation.By(ValidatePasswordPolicy)); err != nil {
		return ValidationError(KindPasswordPolicy, err.Error(), validation.Errors{"password": err})
	}

	if err := validation.Validate(p.ConfirmPassword, validation.By(ValidateStringEquals(p.Password))); err != nil {
		return ValidationError(KindMismatch, "passwords do not match", validation.Errors{"confirmPassword": err})
	}

	if !p.AcceptTerms {
		return NewError(KindTermsRequired, "terms and conditions must be accepted")
	}

	if m, ok := d.(MerchantDraft); ok {
		if err := ValidateShop(m.Shop); err != nil {
			return err
		}
	}

	return nil
}

// ValidateShop requires the shop name, number and address.
func ValidateShop(shop ShopDetails) error {
	err := validation.ValidateStruct(&shop,
		validation.Field(&shop.ShopName, validation.Required),
		validation.Field(&shop.ShopNumber, validation.Required),
		validation.Field(&shop.ShopAddress, validation.Required),
	)
	if err != nil {
		return ValidationError(KindMissingShopField, "shop details are incomplete", err)
	}
	return nil
}

// ValidatePasswordPolicy requires at least MinPasswordLength characters with
// an uppercase letter, a lowercase letter, a digit and a symbol.
func ValidatePasswordPolicy(value any) error {
	s, _ := value.(string)
	if len([]rune(s)) < MinPasswordLength {
		return errors.New("password must be at least 6 characters")
	}

	var upper, lower, digit, symbol bool
	for _, r := range s {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = true
		}
	}

	if !upper || !lower || !digit || !symbol {
		return errors.New("password must contain uppercase, lowercase, digit and symbol characters")
	}
	return nil
}

// ValidateStringEquals checks the value equals str
func ValidateStringEquals(str string) validation.RuleFunc {
	return func(value any) error {
		s, _ := value.(string)
		if s != str {
			return errors.New("values must match")
		}
		return nil
	}
}

// ValidatePhone checks the value parses as a valid number for region.
func ValidatePhone(region string) validation.RuleFunc {
	return func(value any) error {
		s, _ := value.(string)
		num, err := phonenumbers.Parse(strings.TrimSpace(s), region)
		if err != nil {
			return errors.New("phone number could not be parsed")
		}
		if !phonenumbers.IsValidNumber(num) {
			return errors.New("phone number is not valid")
		}
		return nil
	}
}

// NormalizePhone formats a valid number as E.164. Invalid input is
// returned unchanged.
func NormalizePhone(phone, region string) string {
	if region == "" {
		return phone
	}
	num, err := phonenumbers.Parse(strings.TrimSpace(phone), region)
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return phone
	}
	return phonenumbers.Format(num, phonenumbers.E164)
}

// ValidationError builds a validation error of kind, listing the failed
// fields of err under the "fields" metadata key.
func ValidationError(kind ErrorKind, message string, err error) error {
	out := NewError(kind, message)
	var fields validation.Errors
	if errors.As(err, &fields) {
		meta := map[string]any{}
		for field, ferr := range fields {
			if ferr != nil {
				meta[field] = ferr.Error()
			}
		}
		out = out.WithMetadata(map[string]any{"fields": meta})
	}
	return out
}
