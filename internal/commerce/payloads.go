package commerce

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kroypata/checkout/internal/checkout"
	"github.com/kroypata/checkout/internal/domain"
)

// amount decodes money sent as a JSON string, a JSON number, or null.
type amount struct {
	value decimal.Decimal
	valid bool
}

func (a *amount) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*a = amount{}
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		s = strings.TrimSpace(str)
		if s == "" {
			*a = amount{}
			return nil
		}
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("commerce: invalid amount %q: %w", s, err)
	}
	*a = amount{value: v, valid: true}
	return nil
}

func (a amount) dec() decimal.Decimal { return a.value }

func (a amount) nullable() decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: a.value, Valid: a.valid}
}

func (a amount) or(fallback amount) amount {
	if a.valid {
		return a
	}
	return fallback
}

// flexID decodes identifiers the backend sends as numbers, strings, or objects carrying an id.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	switch {
	case s == "null":
		*f = ""
	case strings.HasPrefix(s, `"`):
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*f = flexID(strings.TrimSpace(str))
	case strings.HasPrefix(s, "{"):
		var obj struct {
			ProductID flexID `json:"product_id"`
			ID        flexID `json:"id"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		*f = obj.ProductID
		if *f == "" {
			*f = obj.ID
		}
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		*f = flexID(n.String())
	}
	return nil
}

// flexInt decodes counts that occasionally arrive as strings.
type flexInt int

func (i *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*i = 0
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("commerce: invalid count %q: %w", s, err)
	}
	*i = flexInt(n)
	return nil
}

// idValue sends numeric identifiers as JSON numbers, everything else as strings.
func idValue(id string) any {
	id = strings.TrimSpace(id)
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}

type cartItemPayload struct {
	ProductID any              `json:"product_id"`
	Quantity  int              `json:"quantity"`
	Color     string           `json:"color,omitempty"`
	Size      string           `json:"size,omitempty"`
	Price     *decimal.Decimal `json:"price,omitempty"`
}

func toCartItems(lines []domain.CartLine) []cartItemPayload {
	items := make([]cartItemPayload, 0, len(lines))
	for _, line := range lines {
		item := cartItemPayload{
			ProductID: idValue(line.ProductID),
			Quantity:  line.Quantity,
			Color:     strings.TrimSpace(line.ColorVariant),
			Size:      strings.TrimSpace(line.SizeVariant),
		}
		if line.UnitPrice.Valid {
			price := line.UnitPrice.Decimal
			item.Price = &price
		}
		items = append(items, item)
	}
	return items
}

// envelope is the status part shared by every backend response.
type envelope struct {
	Success *bool           `json:"success"`
	Error   json.RawMessage `json:"error"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
}

func (e envelope) failed() bool {
	return e.Success != nil && !*e.Success
}

func (e envelope) apiError(status int) *APIError {
	return &APIError{
		Status:  status,
		ErrCode: strings.TrimSpace(e.Code),
		Message: firstNonEmpty(rawString(e.Error), e.Message, "request was not successful"),
	}
}

type methodPayload struct {
	ID                   flexID        `json:"id"`
	Name                 string        `json:"name"`
	Description          string        `json:"description"`
	BasePrice            amount        `json:"base_price"`
	CalculatedPrice      amount        `json:"calculated_price"`
	PreferredPricingType string        `json:"preferred_pricing_type"`
	PricingMethodUsed    string        `json:"pricing_method_used"`
	TierApplied          bool          `json:"tier_applied"`
	TierPricing          []tierPayload `json:"tier_pricing"`
	IsFreeShippingRule   bool          `json:"is_free_shipping_rule"`
}

type tierPayload struct {
	MinQuantity flexInt `json:"min_quantity"`
	MinWeight   amount  `json:"min_weight"`
	MaxWeight   amount  `json:"max_weight"`
	Price       amount  `json:"price"`
}

const freeMethodID = "free"

func (m methodPayload) toMethod() domain.ShippingMethod {
	method := domain.ShippingMethod{
		ID:                 strings.TrimSpace(string(m.ID)),
		Name:               strings.TrimSpace(m.Name),
		Description:        strings.TrimSpace(m.Description),
		BasePrice:          m.BasePrice.dec(),
		CalculatedPrice:    m.CalculatedPrice.or(m.BasePrice).dec(),
		IsFreeShippingRule: m.IsFreeShippingRule || strings.EqualFold(strings.TrimSpace(string(m.ID)), freeMethodID),
		PricingType:        strings.ToLower(firstNonEmpty(m.PricingMethodUsed, m.PreferredPricingType)),
	}
	if m.TierApplied {
		method.Tier = m.appliedTier(method)
	}
	return method
}

func (m methodPayload) appliedTier(method domain.ShippingMethod) *domain.TierInfo {
	tier := &domain.TierInfo{Kind: method.PricingType, BasePrice: method.CalculatedPrice}
	for _, t := range m.TierPricing {
		if !t.Price.valid || !t.Price.dec().Equal(method.CalculatedPrice) {
			continue
		}
		if t.MinWeight.valid {
			tier.MinValue = t.MinWeight.dec()
			tier.MaxValue = t.MaxWeight.nullable()
		} else {
			tier.MinValue = decimal.NewFromInt(int64(t.MinQuantity))
		}
		break
	}
	return tier
}

func toMethods(payloads []methodPayload) []domain.ShippingMethod {
	if len(payloads) == 0 {
		return nil
	}
	methods := make([]domain.ShippingMethod, 0, len(payloads))
	for _, p := range payloads {
		method := p.toMethod()
		if method.ID == "" {
			continue
		}
		methods = append(methods, method)
	}
	return methods
}

type freeRulePayload struct {
	ID              flexID `json:"id"`
	Name            string `json:"name"`
	ThresholdAmount amount `json:"threshold_amount"`
}

type shippingAnalysisPayload struct {
	RequiresSplitShipping bool             `json:"requires_split_shipping"`
	FreeShippingEligible  bool             `json:"free_shipping_eligible"`
	AvailableMethods      []methodPayload  `json:"available_methods"`
	QualifyingFreeRule    *freeRulePayload `json:"qualifying_free_rule"`
}

type recommendationsPayload struct {
	OptimalMethod flexID `json:"optimal_method"`
}

// analysisResponse accepts both the nested {shipping_analysis: {...}} shape and the flat one.
type analysisResponse struct {
	envelope
	shippingAnalysisPayload
	Nested          *shippingAnalysisPayload `json:"shipping_analysis"`
	Recommendations recommendationsPayload   `json:"recommendations"`
	MissingProducts []flexID                 `json:"missing_products"`
	Partial         bool                     `json:"partial"`
}

func (r analysisResponse) toAnalysis() domain.ShippingAnalysis {
	src := r.shippingAnalysisPayload
	if r.Nested != nil {
		src = *r.Nested
	}
	analysis := domain.ShippingAnalysis{
		RequiresSplitShipping: src.RequiresSplitShipping,
		FreeShippingEligible:  src.FreeShippingEligible,
		AvailableMethods:      toMethods(src.AvailableMethods),
		RecommendedMethodID:   strings.TrimSpace(string(r.Recommendations.OptimalMethod)),
		Partial:               r.Partial || len(r.MissingProducts) > 0,
		Message:               strings.TrimSpace(r.Message),
	}
	if rule := src.QualifyingFreeRule; rule != nil {
		analysis.QualifyingFreeRule = &domain.FreeShippingRule{
			ID:              strings.TrimSpace(string(rule.ID)),
			Name:            strings.TrimSpace(rule.Name),
			ThresholdAmount: rule.ThresholdAmount.dec(),
		}
	}
	for _, id := range r.MissingProducts {
		if id != "" {
			analysis.MissingProducts = append(analysis.MissingProducts, string(id))
		}
	}
	return analysis
}

type calculationRequestPayload struct {
	CartItems        []cartItemPayload    `json:"cart_items"`
	CouponCode       string               `json:"coupon_code,omitempty"`
	ShippingMethodID any                  `json:"selected_shipping_method_id,omitempty"`
	UserID           any                  `json:"user_id,omitempty"`
	UserInfo         *customerInfoPayload `json:"user_info,omitempty"`
}

type calculationSummaryPayload struct {
	CartSubtotal   amount `json:"cart_subtotal"`
	ShippingCost   amount `json:"shipping_cost"`
	DiscountAmount amount `json:"discount_amount"`
	FinalTotal     amount `json:"final_total"`
	Currency       string `json:"currency"`
}

type shippingDetailsPayload struct {
	AvailableMethods      []methodPayload `json:"available_methods"`
	SelectedMethod        *methodPayload  `json:"selected_method"`
	RequiresSplitShipping bool            `json:"requires_split_shipping"`
	FreeShippingEligible  bool            `json:"free_shipping_eligible"`
}

type couponDetailsPayload struct {
	Code             string `json:"code"`
	Type             string `json:"type"`
	DiscountPercent  amount `json:"discount_percent"`
	ProductDiscount  amount `json:"product_discount"`
	ShippingDiscount amount `json:"shipping_discount"`
	TotalDiscount    amount `json:"total_discount"`
	Message          string `json:"message"`
	Error            string `json:"error"`
	Valid            *bool  `json:"valid"`
}

func (c couponDetailsPayload) ok() bool {
	return strings.TrimSpace(c.Error) == "" && (c.Valid == nil || *c.Valid)
}

type calculationResponse struct {
	envelope
	Summary  calculationSummaryPayload `json:"calculation_summary"`
	Shipping *shippingDetailsPayload   `json:"shipping_details"`
	Coupon   *couponDetailsPayload     `json:"coupon_details"`
}

// toResult reports gross shipping and the combined discount. The backend's summary carries
// shipping already net of any shipping discount and only the product part in discount_amount.
func (r calculationResponse) toResult() checkout.CalculationResult {
	summary := r.Summary
	productDiscount := summary.DiscountAmount.dec()
	shippingDiscount := decimal.Zero
	discount := productDiscount

	result := checkout.CalculationResult{
		Subtotal:   summary.CartSubtotal.dec(),
		FinalTotal: summary.FinalTotal.nullable(),
		Currency:   strings.TrimSpace(summary.Currency),
	}

	if c := r.Coupon; c != nil {
		details := &checkout.CouponDetails{
			Code:    strings.ToUpper(strings.TrimSpace(c.Code)),
			Valid:   c.ok(),
			Message: strings.TrimSpace(c.Message),
			Error:   strings.TrimSpace(c.Error),
		}
		if details.Valid {
			if c.ProductDiscount.valid {
				productDiscount = c.ProductDiscount.dec()
			}
			shippingDiscount = c.ShippingDiscount.dec()
			discount = productDiscount.Add(shippingDiscount)
			if c.TotalDiscount.valid {
				discount = c.TotalDiscount.dec()
			}
			details.TotalDiscount = discount
			details.ProductDiscount = decimal.NewNullDecimal(productDiscount)
			details.ShippingDiscount = decimal.NewNullDecimal(shippingDiscount)
		}
		result.Coupon = details
	}
	result.Discount = discount

	shipping := summary.ShippingCost.dec().Add(shippingDiscount)
	if s := r.Shipping; s != nil && s.SelectedMethod != nil {
		method := s.SelectedMethod.toMethod()
		if s.SelectedMethod.CalculatedPrice.valid || s.SelectedMethod.BasePrice.valid {
			shipping = method.CalculatedPrice
		}
		result.Shipping = &checkout.ShippingDetails{
			MethodID: method.ID,
			Name:     method.Name,
			Cost:     shipping,
			IsFree:   method.IsFreeShippingRule || shipping.IsZero(),
		}
	}
	result.ShippingCost = shipping
	return result
}

type couponValidationRequestPayload struct {
	CouponCode string            `json:"coupon_code"`
	CartItems  []cartItemPayload `json:"cart_items"`
	CartTotal  decimal.Decimal   `json:"cart_total"`
	UserID     any               `json:"user_id,omitempty"`
}

type discountBreakdownPayload struct {
	ProductDiscount  amount `json:"product_discount"`
	ShippingDiscount amount `json:"shipping_discount"`
}

type couponValidationResponse struct {
	Valid               *bool                     `json:"valid"`
	Message             string                    `json:"message"`
	DiscountType        string                    `json:"discount_type"`
	DiscountValue       amount                    `json:"discount_value"`
	DiscountAmount      amount                    `json:"discount_amount"`
	ProductDiscount     amount                    `json:"product_discount"`
	ShippingDiscount    amount                    `json:"shipping_discount"`
	Breakdown           *discountBreakdownPayload `json:"discount_breakdown"`
	MinCartTotal        amount                    `json:"min_cart_total"`
	MinQuantityRequired flexInt                   `json:"min_quantity_required"`
	UserSpecific        bool                      `json:"user_specific"`
	UserEligible        *bool                     `json:"user_eligible"`
	FirstTimeUserOnly   bool                      `json:"first_time_user_only"`
	IsFirstTimeUser     *bool                     `json:"is_first_time_user"`
	Coupon              *couponPayload            `json:"coupon"`
}

func (r couponValidationResponse) toResult(code string) checkout.CouponResult {
	result := checkout.CouponResult{
		Valid:             r.Valid != nil && *r.Valid,
		Code:              code,
		Message:           strings.TrimSpace(r.Message),
		DiscountType:      discountType(r.DiscountType),
		DiscountValue:     r.DiscountValue.dec(),
		DiscountAmount:    r.DiscountAmount.nullable(),
		ProductDiscount:   r.ProductDiscount.nullable(),
		ShippingDiscount:  r.ShippingDiscount.nullable(),
		MinCartTotal:      r.MinCartTotal.nullable(),
		MinQuantity:       int(r.MinQuantityRequired),
		UserSpecific:      r.UserSpecific,
		UserEligible:      r.UserEligible,
		FirstTimeUserOnly: r.FirstTimeUserOnly,
		IsFirstTimeUser:   r.IsFirstTimeUser,
	}
	if b := r.Breakdown; b != nil {
		result.ProductDiscount = b.ProductDiscount.or(r.ProductDiscount).nullable()
		result.ShippingDiscount = b.ShippingDiscount.or(r.ShippingDiscount).nullable()
	}
	if c := r.Coupon; c != nil {
		if !r.DiscountValue.valid {
			result.DiscountValue = c.DiscountValue.or(c.DiscountPercent).dec()
		}
		if r.DiscountType == "" {
			result.DiscountType = c.discountType()
		}
		if !result.MinCartTotal.Valid {
			result.MinCartTotal = c.MinCartTotal.or(c.MinimumAmount).nullable()
		}
		if result.MinQuantity == 0 {
			result.MinQuantity = int(c.MinQuantityRequired)
		}
		if strings.EqualFold(c.Type, "USER_SPECIFIC") {
			result.UserSpecific = true
		}
		if strings.EqualFold(c.Type, "FIRST_TIME_USER") {
			result.FirstTimeUserOnly = true
		}
	}
	return result
}

// discountType maps backend labels ("Product Discount", "percentage", "fixed", ...) to the
// two supported kinds. Backend coupons are percentage based unless labelled fixed.
func discountType(raw string) domain.DiscountType {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if strings.Contains(raw, "fixed") || strings.Contains(raw, "amount") {
		return domain.DiscountFixed
	}
	return domain.DiscountPercentage
}

type couponPayload struct {
	ID                  flexID  `json:"id"`
	Code                string  `json:"code"`
	Type                string  `json:"type"`
	Description         string  `json:"description"`
	DiscountType        string  `json:"discount_type"`
	DiscountValue       amount  `json:"discount_value"`
	DiscountPercent     amount  `json:"discount_percent"`
	MinCartTotal        amount  `json:"min_cart_total"`
	MinimumAmount       amount  `json:"minimum_amount"`
	MinQuantityRequired flexInt `json:"min_quantity_required"`
	Active              *bool   `json:"active"`
	IsActive            *bool   `json:"is_active"`
	ValidFrom           string  `json:"valid_from"`
	ExpiresAt           string  `json:"expires_at"`
	ValidUntil          string  `json:"valid_until"`
}

func (c couponPayload) discountType() domain.DiscountType {
	if c.DiscountType == "" && c.DiscountPercent.valid {
		return domain.DiscountPercentage
	}
	return discountType(c.DiscountType)
}

func (c couponPayload) toAvailableCoupon() domain.AvailableCoupon {
	coupon := domain.AvailableCoupon{
		ID:            strings.TrimSpace(string(c.ID)),
		Code:          strings.ToUpper(strings.TrimSpace(c.Code)),
		Description:   strings.TrimSpace(c.Description),
		DiscountType:  c.discountType(),
		DiscountValue: c.DiscountValue.or(c.DiscountPercent).dec(),
		MinimumAmount: c.MinCartTotal.or(c.MinimumAmount).dec(),
		MinQuantity:   int(c.MinQuantityRequired),
		Active:        true,
		ValidFrom:     parseTime(c.ValidFrom),
		ValidUntil:    parseTime(firstNonEmpty(c.ValidUntil, c.ExpiresAt)),
	}
	switch {
	case c.Active != nil:
		coupon.Active = *c.Active
	case c.IsActive != nil:
		coupon.Active = *c.IsActive
	}
	return coupon
}

// decodeCouponList accepts a bare array or a paginated {results: [...]} object.
func decodeCouponList(raw []byte) ([]couponPayload, error) {
	trimmed := bytes.TrimSpace(raw)
	if bytes.HasPrefix(trimmed, []byte("[")) {
		var list []couponPayload
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, err
		}
		return list, nil
	}
	var page struct {
		Results []couponPayload `json:"results"`
	}
	if err := json.Unmarshal(trimmed, &page); err != nil {
		return nil, err
	}
	return page.Results, nil
}

type customerInfoPayload struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
}

type addressPayload struct {
	StreetAddress string `json:"street_address"`
	City          string `json:"city"`
	State         string `json:"state"`
	ZipCode       string `json:"zip_code"`
}

type orderItemPayload struct {
	Product  any    `json:"product"`
	Quantity int    `json:"quantity"`
	Color    string `json:"color,omitempty"`
	Size     string `json:"size,omitempty"`
}

type orderRequestPayload struct {
	Items           []orderItemPayload  `json:"items"`
	CustomerInfo    customerInfoPayload `json:"customer_info"`
	ShippingAddress addressPayload      `json:"shipping_address"`
	ShippingMethod  any                 `json:"shipping_method"`
	CouponCode      string              `json:"coupon_code,omitempty"`
	PaymentMethod   string              `json:"payment_method"`
	Notes           string              `json:"notes,omitempty"`
	UserID          any                 `json:"user_id,omitempty"`
}

type orderResponse struct {
	envelope
	OrderID     flexID `json:"order_id"`
	ID          flexID `json:"id"`
	OrderNumber string `json:"order_number"`
	Status      string `json:"status"`
	TotalAmount amount `json:"total_amount"`
	CreatedAt   string `json:"created_at"`
}

func (r orderResponse) toReceipt() domain.OrderReceipt {
	receipt := domain.OrderReceipt{
		OrderID:     firstNonEmpty(string(r.OrderID), string(r.ID)),
		OrderNumber: strings.TrimSpace(r.OrderNumber),
		Status:      defaultString(r.Status, "pending"),
		Total:       r.TotalAmount.dec(),
	}
	if receipt.OrderID == "" {
		receipt.OrderID = receipt.OrderNumber
	}
	if ts := parseTime(r.CreatedAt); ts != nil {
		receipt.CreatedAt = *ts
	}
	return receipt
}

func defaultString(val, fallback string) string {
	if strings.TrimSpace(val) == "" {
		return fallback
	}
	return strings.TrimSpace(val)
}

func parseTime(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	layouts := []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999", "2006-01-02"}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, value); err == nil {
			ts = ts.UTC()
			return &ts
		}
	}
	return nil
}
