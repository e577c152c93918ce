package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/ferncart/api/internal/domain"
	"github.com/ferncart/api/internal/repositories"
)

const maxCartLineQuantity = 99

var (
	// ErrBuyerRequired indicates the caller did not supply a buyer identity.
	ErrBuyerRequired = errors.New("cart: buyer id is required")
	// ErrProductNotFound indicates the referenced catalog product does not exist.
	ErrProductNotFound = errors.New("cart: product not found")
	// ErrInvalidQuantity indicates a quantity outside the accepted range.
	ErrInvalidQuantity = errors.New("cart: quantity must be between 1 and 99")
	// ErrInsufficientStock indicates the catalog cannot cover the requested quantity.
	ErrInsufficientStock = errors.New("cart: insufficient stock")
	// ErrCartItemNotFound indicates the cart has no line for the product.
	ErrCartItemNotFound = errors.New("cart: item not found")
)

// CartServiceDeps wires the collaborators required by the cart service.
type CartServiceDeps struct {
	Carts    repositories.CartRepository
	Products repositories.ProductRepository
	Clock    func() time.Time
	Logger   Logger
}

type cartService struct {
	carts    repositories.CartRepository
	products repositories.ProductRepository
	now      func() time.Time
	logger   Logger
}

// NewCartService constructs a CartService validating required dependencies.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Carts == nil {
		return nil, errors.New("cart service: cart repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("cart service: product repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &cartService{
		carts:    deps.Carts,
		products: deps.Products,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *cartService) GetCart(ctx context.Context, buyerID string) (domain.Cart, error) {
	buyerID = strings.TrimSpace(buyerID)
	if buyerID == "" {
		return domain.Cart{}, ErrBuyerRequired
	}

	cart, err := s.carts.GetCart(ctx, buyerID)
	if err != nil {
		if isNotFound(err) {
			return emptyCart(buyerID, s.now()), nil
		}
		return domain.Cart{}, err
	}
	return cart, nil
}

func (s *cartService) AddItem(ctx context.Context, buyerID string, productID string, quantity int) (domain.Cart, error) {
	buyerID = strings.TrimSpace(buyerID)
	if buyerID == "" {
		return domain.Cart{}, ErrBuyerRequired
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.Cart{}, ErrProductNotFound
	}
	if quantity < 1 || quantity > maxCartLineQuantity {
		return domain.Cart{}, ErrInvalidQuantity
	}

	product, err := s.products.GetProduct(ctx, productID)
	if err != nil {
		if isNotFound(err) {
			return domain.Cart{}, ErrProductNotFound
		}
		return domain.Cart{}, err
	}

	cart, err := s.GetCart(ctx, buyerID)
	if err != nil {
		return domain.Cart{}, err
	}

	now := s.now()
	merged := false
	for i := range cart.Items {
		if cart.Items[i].ProductID != productID {
			continue
		}
		next := cart.Items[i].Quantity + quantity
		if next > maxCartLineQuantity {
			return domain.Cart{}, ErrInvalidQuantity
		}
		if next > product.Stock {
			return domain.Cart{}, fmt.Errorf("%w: product %s has %d left", ErrInsufficientStock, productID, product.Stock)
		}
		cart.Items[i].Quantity = next
		cart.Items[i].UnitPrice = product.EffectivePrice()
		merged = true
		break
	}
	if !merged {
		if quantity > product.Stock {
			return domain.Cart{}, fmt.Errorf("%w: product %s has %d left", ErrInsufficientStock, productID, product.Stock)
		}
		cart.Items = append(cart.Items, domain.CartItem{
			ProductID: product.ID,
			Name:      product.Name,
			Image:     firstImage(product.Images),
			UnitPrice: product.EffectivePrice(),
			Quantity:  quantity,
			AddedAt:   now,
		})
	}

	cart.UpdatedAt = now
	cart.Recalculate()

	saved, err := s.carts.SaveCart(ctx, cart)
	if err != nil {
		return domain.Cart{}, err
	}

	s.logger(ctx, "cart.item.added", map[string]any{
		"buyerId":   buyerID,
		"productId": productID,
		"quantity":  quantity,
	})
	return saved, nil
}

func (s *cartService) UpdateItemQuantity(ctx context.Context, buyerID string, productID string, quantity int) (domain.Cart, error) {
	buyerID = strings.TrimSpace(buyerID)
	if buyerID == "" {
		return domain.Cart{}, ErrBuyerRequired
	}
	if quantity < 0 || quantity > maxCartLineQuantity {
		return domain.Cart{}, ErrInvalidQuantity
	}
	if quantity == 0 {
		return s.RemoveItem(ctx, buyerID, productID)
	}

	cart, err := s.GetCart(ctx, buyerID)
	if err != nil {
		return domain.Cart{}, err
	}

	productID = strings.TrimSpace(productID)
	index := -1
	for i := range cart.Items {
		if cart.Items[i].ProductID == productID {
			index = i
			break
		}
	}
	if index < 0 {
		return domain.Cart{}, ErrCartItemNotFound
	}

	product, err := s.products.GetProduct(ctx, productID)
	if err != nil {
		if isNotFound(err) {
			return domain.Cart{}, ErrProductNotFound
		}
		return domain.Cart{}, err
	}
	if quantity > product.Stock {
		return domain.Cart{}, fmt.Errorf("%w: product %s has %d left", ErrInsufficientStock, productID, product.Stock)
	}

	cart.Items[index].Quantity = quantity
	cart.Items[index].UnitPrice = product.EffectivePrice()
	cart.UpdatedAt = s.now()
	cart.Recalculate()

	return s.carts.SaveCart(ctx, cart)
}

func (s *cartService) RemoveItem(ctx context.Context, buyerID string, productID string) (domain.Cart, error) {
	buyerID = strings.TrimSpace(buyerID)
	if buyerID == "" {
		return domain.Cart{}, ErrBuyerRequired
	}

	cart, err := s.GetCart(ctx, buyerID)
	if err != nil {
		return domain.Cart{}, err
	}

	productID = strings.TrimSpace(productID)
	filtered := cart.Items[:0]
	removed := false
	for _, item := range cart.Items {
		if item.ProductID == productID {
			removed = true
			continue
		}
		filtered = append(filtered, item)
	}
	if !removed {
		return domain.Cart{}, ErrCartItemNotFound
	}

	cart.Items = filtered
	cart.UpdatedAt = s.now()
	cart.Recalculate()

	if len(cart.Items) == 0 {
		if err := s.carts.ClearCart(ctx, buyerID); err != nil {
			return domain.Cart{}, err
		}
		return emptyCart(buyerID, cart.UpdatedAt), nil
	}
	return s.carts.SaveCart(ctx, cart)
}

func (s *cartService) ClearCart(ctx context.Context, buyerID string) error {
	buyerID = strings.TrimSpace(buyerID)
	if buyerID == "" {
		return ErrBuyerRequired
	}
	return s.carts.ClearCart(ctx, buyerID)
}

func emptyCart(buyerID string, at time.Time) domain.Cart {
	return domain.Cart{
		BuyerID:   buyerID,
		Items:     []domain.CartItem{},
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func firstImage(images []string) string {
	if len(images) == 0 {
		return ""
	}
	return images[0]
}

// isNotFound reports whether err carries repository not-found semantics.
func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// isConflict reports whether err carries repository conflict semantics.
func isConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}
