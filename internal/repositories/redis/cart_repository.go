package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/kroypata/checkout/internal/domain"
	"github.com/kroypata/checkout/internal/repositories"
)

const guestCartKeyPattern = "%scart:%s"

// Getter is the subset of the Redis client used to read guest carts.
type Getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// GuestCartRepository reads anonymous carts stored as JSON at {prefix}cart:{id}.
type GuestCartRepository struct {
	client Getter
	prefix string
}

var _ repositories.CartReader = (*GuestCartRepository)(nil)

// NewGuestCartRepository constructs a Redis-backed guest cart reader.
func NewGuestCartRepository(client Getter, keyPrefix string) (*GuestCartRepository, error) {
	if client == nil {
		return nil, errors.New("guest cart repository requires redis client")
	}
	return &GuestCartRepository{client: client, prefix: strings.TrimSpace(keyPrefix)}, nil
}

// LoadCart returns the guest cart with the given id.
func (r *GuestCartRepository) LoadCart(ctx context.Context, cartID string) (domain.CartSnapshot, error) {
	id := strings.TrimSpace(cartID)
	if id == "" {
		return domain.CartSnapshot{}, errors.New("guest cart repository: cart id is required")
	}
	raw, err := r.client.Get(ctx, fmt.Sprintf(guestCartKeyPattern, r.prefix, id)).Bytes()
	if err != nil {
		return domain.CartSnapshot{}, wrapError("carts.guest.get", err)
	}

	var doc guestCartDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.CartSnapshot{}, fmt.Errorf("decode guest cart %s: %w", id, err)
	}
	lines := make([]domain.CartLine, 0, len(doc.Items))
	for _, item := range doc.Items {
		lines = append(lines, item.toDomain())
	}
	return domain.CartSnapshot{
		ID:        id,
		Lines:     lines,
		Currency:  strings.ToUpper(strings.TrimSpace(doc.Currency)),
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

type guestCartDocument struct {
	Items     []guestCartItem `json:"items"`
	Currency  string          `json:"currency,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type guestCartItem struct {
	ProductID string              `json:"product_id"`
	Quantity  int                 `json:"quantity"`
	Color     string              `json:"color,omitempty"`
	Size      string              `json:"size,omitempty"`
	UnitPrice decimal.NullDecimal `json:"unit_price"`
}

func (i guestCartItem) toDomain() domain.CartLine {
	return domain.CartLine{
		ProductID:    strings.TrimSpace(i.ProductID),
		Quantity:     i.Quantity,
		ColorVariant: strings.TrimSpace(i.Color),
		SizeVariant:  strings.TrimSpace(i.Size),
		UnitPrice:    i.UnitPrice,
	}
}
