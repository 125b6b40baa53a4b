package handlers

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/kroypata/checkout/internal/checkout"
	"github.com/kroypata/checkout/internal/domain"
	"github.com/kroypata/checkout/internal/services"
)

type sessionPayload struct {
	ID        string          `json:"id"`
	CartID    string          `json:"cartId,omitempty"`
	Guest     bool            `json:"guest"`
	Step      domain.Step     `json:"step"`
	Pending   bool            `json:"pending"`
	CreatedAt string          `json:"createdAt"`
	ExpiresAt string          `json:"expiresAt"`
	Cart      []linePayload   `json:"cart"`
	UserInfo  userInfoPayload `json:"userInfo"`
	Shipping  shippingPayload `json:"shipping"`
	Coupon    *couponPayload  `json:"coupon,omitempty"`
	Totals    *totalsPayload  `json:"totals,omitempty"`
	Error     *errorPayload   `json:"error,omitempty"`
	Receipt   *receiptPayload `json:"receipt,omitempty"`
}

type linePayload struct {
	ProductID string           `json:"productId"`
	Quantity  int              `json:"quantity"`
	Color     string           `json:"color,omitempty"`
	Size      string           `json:"size,omitempty"`
	UnitPrice *decimal.Decimal `json:"unitPrice,omitempty"`
}

type addressPayload struct {
	Street  string `json:"street"`
	City    string `json:"city"`
	State   string `json:"state"`
	ZipCode string `json:"zipCode"`
}

type userInfoPayload struct {
	FirstName string         `json:"firstName"`
	LastName  string         `json:"lastName"`
	Email     string         `json:"email"`
	Phone     string         `json:"phone"`
	Address   addressPayload `json:"address"`
	Notes     string         `json:"notes,omitempty"`
}

type methodPayload struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	Price        decimal.Decimal `json:"price"`
	BasePrice    decimal.Decimal `json:"basePrice"`
	DisplayPrice string          `json:"displayPrice"`
	IsFree       bool            `json:"isFree"`
	PricingType  string          `json:"pricingType,omitempty"`
}

type freeRulePayload struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	ThresholdAmount decimal.Decimal `json:"thresholdAmount"`
}

type shippingPayload struct {
	Methods               []methodPayload  `json:"methods"`
	SelectedMethodID      string           `json:"selectedMethodId,omitempty"`
	RecommendedMethodID   string           `json:"recommendedMethodId,omitempty"`
	RequiresSplitShipping bool             `json:"requiresSplitShipping"`
	SplitShippingBlocked  bool             `json:"splitShippingBlocked"`
	FreeShippingEligible  bool             `json:"freeShippingEligible"`
	QualifyingFreeRule    *freeRulePayload `json:"qualifyingFreeRule,omitempty"`
	MissingProducts       []string         `json:"missingProducts,omitempty"`
	Partial               bool             `json:"partial"`
	Message               string           `json:"message,omitempty"`
	AnalysisVersion       int64            `json:"analysisVersion"`
}

type couponPayload struct {
	Code             string              `json:"code"`
	DiscountType     domain.DiscountType `json:"discountType"`
	DiscountValue    decimal.Decimal     `json:"discountValue"`
	ProductDiscount  decimal.Decimal     `json:"productDiscount"`
	ShippingDiscount decimal.Decimal     `json:"shippingDiscount"`
	TotalDiscount    decimal.Decimal     `json:"totalDiscount"`
	SplitUnknown     bool                `json:"splitUnknown"`
	Message          string              `json:"message,omitempty"`
}

type totalsPayload struct {
	Subtotal           decimal.Decimal `json:"subtotal"`
	ShippingCost       decimal.Decimal `json:"shippingCost"`
	Discount           decimal.Decimal `json:"discount"`
	ProductDiscount    decimal.Decimal `json:"productDiscount"`
	ShippingDiscount   decimal.Decimal `json:"shippingDiscount"`
	Total              decimal.Decimal `json:"total"`
	Currency           string          `json:"currency"`
	SplitUnknown       bool            `json:"splitUnknown"`
	CalculationVersion int64           `json:"calculationVersion"`
}

type rejectionPayload struct {
	Reason           domain.RejectionReason `json:"reason"`
	RequiredAmount   *decimal.Decimal       `json:"requiredAmount,omitempty"`
	CurrentAmount    *decimal.Decimal       `json:"currentAmount,omitempty"`
	RequiredQuantity int                    `json:"requiredQuantity,omitempty"`
	CurrentQuantity  int                    `json:"currentQuantity,omitempty"`
	Message          string                 `json:"message,omitempty"`
}

type errorPayload struct {
	Kind      checkout.Kind       `json:"kind"`
	Message   string              `json:"message"`
	Retryable bool                `json:"retryable"`
	Field     string              `json:"field,omitempty"`
	Index     *int                `json:"index,omitempty"`
	Reason    string              `json:"reason,omitempty"`
	Rejection *rejectionPayload   `json:"rejection,omitempty"`
	Details   map[string][]string `json:"details,omitempty"`
	Methods   []methodPayload     `json:"methods,omitempty"`
}

type receiptPayload struct {
	OrderID     string          `json:"orderId"`
	OrderNumber string          `json:"orderNumber,omitempty"`
	Status      string          `json:"status,omitempty"`
	Total       decimal.Decimal `json:"total"`
	Currency    string          `json:"currency"`
	CreatedAt   string          `json:"createdAt,omitempty"`
}

type availableCouponPayload struct {
	Code          string              `json:"code"`
	Description   string              `json:"description,omitempty"`
	DiscountType  domain.DiscountType `json:"discountType"`
	DiscountValue decimal.Decimal     `json:"discountValue"`
	MinimumAmount decimal.Decimal     `json:"minimumAmount"`
	MinQuantity   int                 `json:"minQuantity,omitempty"`
	ValidUntil    string              `json:"validUntil,omitempty"`
}

func newSessionPayload(session services.CheckoutSession) sessionPayload {
	state := session.State
	payload := sessionPayload{
		ID:        session.ID,
		CartID:    session.CartID,
		Guest:     session.Guest,
		Step:      state.Step,
		Pending:   state.Pending,
		CreatedAt: formatTime(session.CreatedAt),
		ExpiresAt: formatTime(session.ExpiresAt),
		Cart:      make([]linePayload, 0, len(state.Cart)),
		UserInfo:  newUserInfoPayload(state.UserInfo),
		Shipping: shippingPayload{
			Methods:              []methodPayload{},
			SelectedMethodID:     state.SelectedShippingMethodID,
			SplitShippingBlocked: state.SplitShippingBlocked,
			AnalysisVersion:      state.LastAnalysisVersion,
		},
		Error: newErrorPayload(state.Error),
	}
	for _, line := range state.Cart {
		lp := linePayload{ProductID: line.ProductID, Quantity: line.Quantity, Color: line.ColorVariant, Size: line.SizeVariant}
		if line.UnitPrice.Valid {
			price := line.UnitPrice.Decimal
			lp.UnitPrice = &price
		}
		payload.Cart = append(payload.Cart, lp)
	}
	if analysis := state.Analysis; analysis != nil {
		payload.Shipping.Methods = newMethodPayloads(analysis.AvailableMethods)
		payload.Shipping.RecommendedMethodID = analysis.RecommendedMethodID
		payload.Shipping.RequiresSplitShipping = analysis.RequiresSplitShipping
		payload.Shipping.FreeShippingEligible = analysis.FreeShippingEligible
		payload.Shipping.MissingProducts = analysis.MissingProducts
		payload.Shipping.Partial = analysis.Partial
		payload.Shipping.Message = analysis.Message
		if rule := analysis.QualifyingFreeRule; rule != nil {
			payload.Shipping.QualifyingFreeRule = &freeRulePayload{ID: rule.ID, Name: rule.Name, ThresholdAmount: rule.ThresholdAmount}
		}
	}
	if coupon := state.AppliedCoupon; coupon != nil {
		payload.Coupon = &couponPayload{
			Code:             coupon.Code,
			DiscountType:     coupon.DiscountType,
			DiscountValue:    coupon.DiscountValue,
			ProductDiscount:  coupon.ProductDiscount,
			ShippingDiscount: coupon.ShippingDiscount,
			TotalDiscount:    coupon.TotalDiscount,
			SplitUnknown:     coupon.SplitUnknown,
			Message:          coupon.Message,
		}
	}
	if totals := state.Totals; totals != nil {
		payload.Totals = &totalsPayload{
			Subtotal:           totals.Subtotal,
			ShippingCost:       totals.ShippingCost,
			Discount:           totals.Discount,
			ProductDiscount:    totals.ProductDiscount,
			ShippingDiscount:   totals.ShippingDiscount,
			Total:              totals.Total,
			Currency:           totals.Currency,
			SplitUnknown:       totals.SplitUnknown,
			CalculationVersion: state.LastCalculationVersion,
		}
	}
	if receipt := state.Receipt; receipt != nil {
		payload.Receipt = &receiptPayload{
			OrderID:     receipt.OrderID,
			OrderNumber: receipt.OrderNumber,
			Status:      receipt.Status,
			Total:       receipt.Total,
			Currency:    receipt.Currency,
			CreatedAt:   formatTime(receipt.CreatedAt),
		}
	}
	return payload
}

func newUserInfoPayload(info domain.UserInfo) userInfoPayload {
	return userInfoPayload{
		FirstName: info.FirstName,
		LastName:  info.LastName,
		Email:     info.Email,
		Phone:     info.Phone,
		Address: addressPayload{
			Street:  info.Address.Street,
			City:    info.Address.City,
			State:   info.Address.State,
			ZipCode: info.Address.ZipCode,
		},
		Notes: info.Notes,
	}
}

func newMethodPayloads(methods []domain.ShippingMethod) []methodPayload {
	out := make([]methodPayload, 0, len(methods))
	for _, m := range methods {
		out = append(out, methodPayload{
			ID:           m.ID,
			Name:         m.Name,
			Description:  m.Description,
			Price:        m.CalculatedPrice,
			BasePrice:    m.BasePrice,
			DisplayPrice: m.DisplayPrice(),
			IsFree:       m.IsFree(),
			PricingType:  m.PricingType,
		})
	}
	return out
}

func newErrorPayload(err *checkout.Error) *errorPayload {
	if err == nil {
		return nil
	}
	payload := &errorPayload{
		Kind:      err.Kind,
		Message:   err.Message,
		Retryable: err.Retryable(),
		Field:     err.Field,
		Reason:    err.Reason,
		Details:   err.Details,
	}
	if err.Kind == checkout.KindInvalidLine {
		index := err.Index
		payload.Index = &index
	}
	if len(err.Methods) > 0 {
		payload.Methods = newMethodPayloads(err.Methods)
	}
	if r := err.Rejection; r != nil {
		rejection := &rejectionPayload{
			Reason:           r.Reason,
			RequiredQuantity: r.RequiredQuantity,
			CurrentQuantity:  r.CurrentQuantity,
			Message:          r.Message,
		}
		if !r.RequiredAmount.IsZero() {
			required, current := r.RequiredAmount, r.CurrentAmount
			rejection.RequiredAmount, rejection.CurrentAmount = &required, &current
		}
		payload.Rejection = rejection
	}
	return payload
}

func newAvailableCouponPayloads(coupons []services.AvailableCoupon) []availableCouponPayload {
	out := make([]availableCouponPayload, 0, len(coupons))
	for _, c := range coupons {
		item := availableCouponPayload{
			Code:          c.Code,
			Description:   c.Description,
			DiscountType:  c.DiscountType,
			DiscountValue: c.DiscountValue,
			MinimumAmount: c.MinimumAmount,
			MinQuantity:   c.MinQuantity,
		}
		if c.ValidUntil != nil {
			item.ValidUntil = formatTime(*c.ValidUntil)
		}
		out = append(out, item)
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
