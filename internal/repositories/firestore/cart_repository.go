package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"

	"github.com/kroypata/checkout/internal/domain"
	pfirestore "github.com/kroypata/checkout/internal/platform/firestore"
	"github.com/kroypata/checkout/internal/repositories"
)

// CartRepository reads signed-in carts: a header at carts/{uid} and one document per line
// under carts/{uid}/items.
type CartRepository struct {
	carts *pfirestore.Collection[cartDocument]
	items *pfirestore.Collection[cartItemDocument]
}

var _ repositories.CartReader = (*CartRepository)(nil)

func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	return &CartRepository{
		carts: pfirestore.NewCollection[cartDocument](provider, "carts"),
		items: pfirestore.NewCollection[cartItemDocument](provider, "carts/%s/items"),
	}, nil
}

// LoadCart returns the cart owned by userID with lines in document id order.
func (r *CartRepository) LoadCart(ctx context.Context, userID string) (domain.CartSnapshot, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.CartSnapshot{}, errors.New("cart repository: user id is required")
	}
	header, err := r.carts.Get(ctx, uid)
	if err != nil {
		return domain.CartSnapshot{}, err
	}
	docs, err := r.items.In(uid).List(ctx, func(q firestore.Query) firestore.Query {
		return q.OrderBy(firestore.DocumentID, firestore.Asc)
	})
	if err != nil {
		return domain.CartSnapshot{}, err
	}

	lines := make([]domain.CartLine, 0, len(docs))
	for _, doc := range docs {
		lines = append(lines, doc.Data.toDomain(doc.ID))
	}
	updatedAt := header.Data.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = header.UpdateTime
	}
	return domain.CartSnapshot{
		ID:        header.ID,
		UserID:    header.ID,
		Lines:     lines,
		Currency:  strings.ToUpper(strings.TrimSpace(header.Data.Currency)),
		UpdatedAt: updatedAt,
	}, nil
}

type cartDocument struct {
	Currency   string    `firestore:"currency"`
	ItemsCount int       `firestore:"itemsCount"`
	CreatedAt  time.Time `firestore:"createdAt"`
	UpdatedAt  time.Time `firestore:"updatedAt"`
}

type cartItemDocument struct {
	ProductID string `firestore:"productId"`
	Quantity  int    `firestore:"quantity"`
	Color     string `firestore:"color,omitempty"`
	Size      string `firestore:"size,omitempty"`
	// UnitPrice is a decimal string; floats would lose precision.
	UnitPrice string `firestore:"unitPrice,omitempty"`
}

func (d cartItemDocument) toDomain(docID string) domain.CartLine {
	line := domain.CartLine{
		ProductID:    strings.TrimSpace(d.ProductID),
		Quantity:     d.Quantity,
		ColorVariant: strings.TrimSpace(d.Color),
		SizeVariant:  strings.TrimSpace(d.Size),
	}
	if line.ProductID == "" {
		line.ProductID = docID
	}
	if price, err := decimal.NewFromString(strings.TrimSpace(d.UnitPrice)); err == nil {
		line.UnitPrice = decimal.NewNullDecimal(price)
	}
	return line
}
