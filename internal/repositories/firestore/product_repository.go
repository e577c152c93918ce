package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/ferncart/api/internal/domain"
	pfirestore "github.com/ferncart/api/internal/platform/firestore"
	"github.com/ferncart/api/internal/repositories"
)

const (
	productCollection  = "products"
	productListLimit   = 200
	productStockField  = "stock"
	productUpdateField = "updatedAt"
)

// ProductRepository reads catalog documents from Firestore.
type ProductRepository struct {
	base     *pfirestore.BaseRepository[productDocument]
	provider *pfirestore.Provider
}

// NewProductRepository constructs a Firestore-backed product repository.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	return &ProductRepository{
		base:     pfirestore.NewBaseRepository[productDocument](provider, productCollection),
		provider: provider,
	}, nil
}

// GetProduct loads a single catalog document by ID.
func (r *ProductRepository) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	if r == nil || r.base == nil {
		return domain.Product{}, errors.New("product repository not initialised")
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.Product{}, errors.New("product repository: product id is required")
	}

	doc, err := r.base.Get(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	return productFromDocument(doc.ID, doc.Data), nil
}

// ListProducts returns catalog documents ordered by name.
func (r *ProductRepository) ListProducts(ctx context.Context) ([]domain.Product, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("product repository not initialised")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.OrderBy("name", firestore.Asc).Limit(productListLimit)
	})
	if err != nil {
		return nil, err
	}

	products := make([]domain.Product, 0, len(docs))
	for _, doc := range docs {
		products = append(products, productFromDocument(doc.ID, doc.Data))
	}
	return products, nil
}

func productFromDocument(id string, doc productDocument) domain.Product {
	return domain.Product{
		ID:            id,
		Name:          doc.Name,
		Images:        append([]string(nil), doc.Images...),
		Price:         doc.Price,
		DiscountPrice: doc.DiscountPrice,
		Stock:         doc.Stock,
		UpdatedAt:     doc.UpdatedAt,
	}
}

type productDocument struct {
	Name          string    `firestore:"name"`
	Images        []string  `firestore:"images,omitempty"`
	Price         int64     `firestore:"price"`
	DiscountPrice int64     `firestore:"discountPrice,omitempty"`
	Stock         int       `firestore:"stock"`
	UpdatedAt     time.Time `firestore:"updatedAt"`
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)
