package firestore

import (
	"context"
	"errors"
	"strings"

	"cloud.google.com/go/firestore"

	"github.com/kroypata/checkout/internal/domain"
	pfirestore "github.com/kroypata/checkout/internal/platform/firestore"
	"github.com/kroypata/checkout/internal/repositories"
)

// ContactRepository reads the profile and default shipping address of a signed-in user.
type ContactRepository struct {
	users     *pfirestore.Collection[userDocument]
	addresses *pfirestore.Collection[addressDocument]
}

var _ repositories.ContactReader = (*ContactRepository)(nil)

func NewContactRepository(provider *pfirestore.Provider) (*ContactRepository, error) {
	if provider == nil {
		return nil, errors.New("contact repository requires firestore provider")
	}
	return &ContactRepository{
		users:     pfirestore.NewCollection[userDocument](provider, "users"),
		addresses: pfirestore.NewCollection[addressDocument](provider, "users/%s/addresses"),
	}, nil
}

// LoadContact builds prefill user info from users/{uid} and its default shipping address.
// Without a flagged default the most recently updated address is used.
func (r *ContactRepository) LoadContact(ctx context.Context, userID string) (domain.UserInfo, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.UserInfo{}, errors.New("contact repository: user id is required")
	}
	doc, err := r.users.Get(ctx, uid)
	if err != nil {
		return domain.UserInfo{}, err
	}
	info := doc.Data.toUserInfo()

	addresses := r.addresses.In(uid)
	addr, ok, err := addresses.First(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("defaultShipping", "==", true)
	})
	if err == nil && !ok {
		addr, ok, err = addresses.First(ctx, func(q firestore.Query) firestore.Query {
			return q.OrderBy("updatedAt", firestore.Desc)
		})
	}
	if err != nil {
		return domain.UserInfo{}, err
	}
	if ok {
		info.Address = addr.Data.toDomain()
		if info.Phone == "" && addr.Data.Phone != nil {
			info.Phone = strings.TrimSpace(*addr.Data.Phone)
		}
	}
	return info, nil
}

type userDocument struct {
	DisplayName string `firestore:"displayName"`
	FirstName   string `firestore:"firstName,omitempty"`
	LastName    string `firestore:"lastName,omitempty"`
	Email       string `firestore:"email"`
	PhoneNumber string `firestore:"phoneNumber"`
}

func (d userDocument) toUserInfo() domain.UserInfo {
	first := strings.TrimSpace(d.FirstName)
	last := strings.TrimSpace(d.LastName)
	if first == "" && last == "" {
		first, last = splitDisplayName(d.DisplayName)
	}
	return domain.UserInfo{
		FirstName: first,
		LastName:  last,
		Email:     strings.TrimSpace(d.Email),
		Phone:     strings.TrimSpace(d.PhoneNumber),
	}
}

// splitDisplayName treats the last word as the family name.
func splitDisplayName(name string) (string, string) {
	fields := strings.Fields(name)
	switch len(fields) {
	case 0:
		return "", ""
	case 1:
		return fields[0], ""
	default:
		return strings.Join(fields[:len(fields)-1], " "), fields[len(fields)-1]
	}
}

type addressDocument struct {
	Line1      string  `firestore:"line1"`
	Line2      *string `firestore:"line2,omitempty"`
	City       string  `firestore:"city"`
	State      *string `firestore:"state,omitempty"`
	PostalCode string  `firestore:"postalCode"`
	Phone      *string `firestore:"phone,omitempty"`
}

func (d addressDocument) toDomain() domain.Address {
	street := strings.TrimSpace(d.Line1)
	if d.Line2 != nil && strings.TrimSpace(*d.Line2) != "" {
		street = street + ", " + strings.TrimSpace(*d.Line2)
	}
	addr := domain.Address{
		Street:  street,
		City:    strings.TrimSpace(d.City),
		ZipCode: strings.TrimSpace(d.PostalCode),
	}
	if d.State != nil {
		addr.State = strings.TrimSpace(*d.State)
	}
	return addr
}
