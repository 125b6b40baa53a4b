package checkout

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kroypata/checkout/internal/domain"
)

var (
	emailPattern  = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	phonePattern  = regexp.MustCompile(`^[\d\s\-\+\(\)]+$`)
	couponPattern = regexp.MustCompile(`^[A-Z0-9_\-]{1,64}$`)
)

// User info field names, in the order they are checked.
const (
	FieldFirstName = "firstName"
	FieldLastName  = "lastName"
	FieldEmail     = "email"
	FieldPhone     = "phone"
	FieldStreet    = "address.street"
	FieldCity      = "address.city"
	FieldState     = "address.state"
	FieldZipCode   = "address.zipCode"
	FieldCoupon    = "couponCode"
)

// ValidateCart checks line shape before any network call. It returns nil or an *Error of kind
// KindEmptyCart or KindInvalidLine.
func ValidateCart(lines []domain.CartLine) *Error {
	if len(lines) == 0 {
		return newError(KindEmptyCart, "cart is empty")
	}
	for i, line := range lines {
		var reason string
		switch {
		case strings.TrimSpace(line.ProductID) == "":
			reason = "product id is required"
		case line.Quantity <= 0:
			reason = "quantity must be at least 1"
		case line.Quantity > domain.MaxLineQuantity:
			reason = fmt.Sprintf("quantity must not exceed %d", domain.MaxLineQuantity)
		case line.UnitPrice.Valid && line.UnitPrice.Decimal.IsNegative():
			reason = "unit price must not be negative"
		}
		if reason != "" {
			return &Error{Kind: KindInvalidLine, Index: i, Reason: reason, Message: reason}
		}
	}
	return nil
}

// ValidateUserInfo reports the first failing field in the order name, email, phone, address.
func ValidateUserInfo(info domain.UserInfo) *Error {
	checks := []struct {
		field string
		value string
		check func(string) string
	}{
		{FieldFirstName, info.FirstName, required("first name")},
		{FieldLastName, info.LastName, required("last name")},
		{FieldEmail, info.Email, matching("email", emailPattern)},
		{FieldPhone, info.Phone, matching("phone", phonePattern)},
		{FieldStreet, info.Address.Street, required("street address")},
		{FieldCity, info.Address.City, required("city")},
		{FieldState, info.Address.State, required("state")},
		{FieldZipCode, info.Address.ZipCode, required("zip code")},
	}
	for _, c := range checks {
		if msg := c.check(strings.TrimSpace(c.value)); msg != "" {
			return &Error{Kind: KindInvalidUserInfo, Field: c.field, Message: msg}
		}
	}
	return nil
}

// NormalizeCouponCode trims and upper-cases a code.
func NormalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidateCouponCode checks coupon syntax and returns the normalised code.
func ValidateCouponCode(code string) (string, *Error) {
	normalized := NormalizeCouponCode(code)
	if normalized == "" {
		return "", &Error{Kind: KindInvalidUserInfo, Field: FieldCoupon, Message: "coupon code is required"}
	}
	if !couponPattern.MatchString(normalized) {
		return "", &Error{Kind: KindInvalidUserInfo, Field: FieldCoupon, Message: "coupon code contains invalid characters"}
	}
	return normalized, nil
}

func required(label string) func(string) string {
	return func(v string) string {
		if v == "" {
			return label + " is required"
		}
		return ""
	}
}

func matching(label string, pattern *regexp.Regexp) func(string) string {
	return func(v string) string {
		if v == "" {
			return label + " is required"
		}
		if !pattern.MatchString(v) {
			return label + " is invalid"
		}
		return ""
	}
}
