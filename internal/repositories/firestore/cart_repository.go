package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/ferncart/api/internal/domain"
	pfirestore "github.com/ferncart/api/internal/platform/firestore"
	"github.com/ferncart/api/internal/repositories"
)

const cartCollection = "carts"

// CartRepository persists buyer carts within Firestore, one document per buyer.
type CartRepository struct {
	base     *pfirestore.BaseRepository[cartDocument]
	provider *pfirestore.Provider
}

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	return &CartRepository{
		base:     pfirestore.NewBaseRepository[cartDocument](provider, cartCollection),
		provider: provider,
	}, nil
}

// GetCart loads the cart document keyed by the buyer's ID.
func (r *CartRepository) GetCart(ctx context.Context, buyerID string) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	buyerID = strings.TrimSpace(buyerID)
	if buyerID == "" {
		return domain.Cart{}, errors.New("cart repository: buyer id is required")
	}

	doc, err := r.base.Get(ctx, buyerID)
	if err != nil {
		return domain.Cart{}, err
	}
	return cartFromDocument(buyerID, doc.Data), nil
}

// SaveCart upserts the entire cart document under the buyer's ID.
func (r *CartRepository) SaveCart(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	buyerID := strings.TrimSpace(cart.BuyerID)
	if buyerID == "" {
		return domain.Cart{}, errors.New("cart repository: buyer id is required")
	}

	now := time.Now().UTC()
	if !cart.UpdatedAt.IsZero() {
		now = cart.UpdatedAt.UTC()
	}
	createdAt := cart.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = now
	}

	cart.Recalculate()
	doc := cartToDocument(cart, createdAt, now)

	if _, err := r.base.Set(ctx, buyerID, doc); err != nil {
		return domain.Cart{}, err
	}
	return cartFromDocument(buyerID, doc), nil
}

// ClearCart deletes the buyer's cart document. Deleting an absent cart succeeds.
func (r *CartRepository) ClearCart(ctx context.Context, buyerID string) error {
	if r == nil || r.base == nil {
		return errors.New("cart repository not initialised")
	}
	buyerID = strings.TrimSpace(buyerID)
	if buyerID == "" {
		return errors.New("cart repository: buyer id is required")
	}

	ref, err := r.base.DocumentRef(ctx, buyerID)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil {
		return pfirestore.WrapError("carts.clear", err)
	}
	return nil
}

func cartToDocument(cart domain.Cart, createdAt, updatedAt time.Time) cartDocument {
	items := make([]cartItemDocument, 0, len(cart.Items))
	for _, item := range cart.Items {
		items = append(items, cartItemDocument{
			ProductID: strings.TrimSpace(item.ProductID),
			Name:      strings.TrimSpace(item.Name),
			Image:     strings.TrimSpace(item.Image),
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
			AddedAt:   item.AddedAt.UTC(),
		})
	}
	return cartDocument{
		Items:      items,
		TotalItems: cart.TotalItems,
		TotalPrice: cart.TotalPrice,
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
	}
}

func cartFromDocument(buyerID string, doc cartDocument) domain.Cart {
	items := make([]domain.CartItem, 0, len(doc.Items))
	for _, item := range doc.Items {
		items = append(items, domain.CartItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			Image:     item.Image,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
			AddedAt:   item.AddedAt,
		})
	}
	cart := domain.Cart{
		BuyerID:    buyerID,
		Items:      items,
		TotalItems: doc.TotalItems,
		TotalPrice: doc.TotalPrice,
		CreatedAt:  doc.CreatedAt,
		UpdatedAt:  doc.UpdatedAt,
	}
	cart.Recalculate()
	return cart
}

type cartDocument struct {
	Items      []cartItemDocument `firestore:"items"`
	TotalItems int                `firestore:"totalItems"`
	TotalPrice int64              `firestore:"totalPrice"`
	CreatedAt  time.Time          `firestore:"createdAt"`
	UpdatedAt  time.Time          `firestore:"updatedAt"`
}

type cartItemDocument struct {
	ProductID string    `firestore:"productId"`
	Name      string    `firestore:"name"`
	Image     string    `firestore:"image,omitempty"`
	UnitPrice int64     `firestore:"unitPrice"`
	Quantity  int       `firestore:"quantity"`
	AddedAt   time.Time `firestore:"addedAt"`
}

var _ repositories.CartRepository = (*CartRepository)(nil)
