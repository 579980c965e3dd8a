package market

import (
	"context"
	"errors"
	"testing"
	"time"

	xerrors "OpenSouk-Chain/internal/errors"
)

func TestMemoryStoreListProductsWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Minute)

	products := []*Product{
		{ID: "p1", SKU: "SKU-1", Name: "Ajwa Dates", Brand: "Madinah Harvest", Category: "food", PriceAmount: 2500, Stock: 5, Seller: "seller-1"},
		{ID: "p2", SKU: "SKU-2", Name: "Prayer Mat", Brand: "Al Noor", Category: "home", PriceAmount: 8000, Stock: 2, Seller: "seller-2", CertificationID: "cert-1"},
		{ID: "p3", SKU: "SKU-3", Name: "Zamzam Water", Brand: "Madinah Harvest", Category: "food", PriceAmount: 1500, Stock: 9, Seller: "seller-1"},
	}
	for _, product := range products {
		if err := store.CreateProduct(ctx, product); err != nil {
			t.Fatalf("create product %s: %v", product.ID, err)
		}
	}

	store.mu.Lock()
	store.products["p1"].UpdatedAt = base.Unix()
	store.products["p2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.products["p3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()

	all, err := store.ListProducts(ctx, buildListOptions(nil))
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 products, got %d", len(all))
	}
	if all[0].ID != "p3" {
		t.Fatalf("expected newest product first, got %s", all[0].ID)
	}

	oldestFirst, err := store.ListProducts(ctx, buildListOptions([]ListOption{WithSortOrder(SortByUpdatedAsc)}))
	if err != nil {
		t.Fatalf("list oldest first: %v", err)
	}
	if oldestFirst[0].ID != "p1" {
		t.Fatalf("expected oldest product first, got %s", oldestFirst[0].ID)
	}

	food, err := store.ListProducts(ctx, buildListOptions([]ListOption{WithCategory("food")}))
	if err != nil {
		t.Fatalf("list food: %v", err)
	}
	if len(food) != 2 {
		t.Fatalf("expected 2 food products, got %d", len(food))
	}

	certified, err := store.ListProducts(ctx, buildListOptions([]ListOption{WithCertified(true)}))
	if err != nil {
		t.Fatalf("list certified: %v", err)
	}
	if len(certified) != 1 || certified[0].ID != "p2" {
		t.Fatalf("unexpected certified list: %+v", certified)
	}

	bySeller, err := store.ListProducts(ctx, buildListOptions([]ListOption{WithSeller("seller-1")}))
	if err != nil {
		t.Fatalf("list by seller: %v", err)
	}
	if len(bySeller) != 2 {
		t.Fatalf("expected 2 products for seller-1, got %d", len(bySeller))
	}

	byQuery, err := store.ListProducts(ctx, buildListOptions([]ListOption{WithQuery("zamzam")}))
	if err != nil {
		t.Fatalf("list by query: %v", err)
	}
	if len(byQuery) != 1 || byQuery[0].ID != "p3" {
		t.Fatalf("unexpected query list: %+v", byQuery)
	}

	paged, err := store.ListProducts(ctx, buildListOptions([]ListOption{WithLimit(1), WithOffset(1)}))
	if err != nil {
		t.Fatalf("list paged: %v", err)
	}
	if len(paged) != 1 || paged[0].ID != "p2" {
		t.Fatalf("unexpected page: %+v", paged)
	}
}

func TestMemoryStoreUpdateProductVersioning(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	product := &Product{ID: "p1", SKU: "SKU-1", Name: "Ajwa Dates", PriceAmount: 2500, Stock: 5, Seller: "seller-1"}
	if err := store.CreateProduct(ctx, product); err != nil {
		t.Fatalf("create: %v", err)
	}
	if product.Version != 1 {
		t.Fatalf("expected version 1 after create, got %d", product.Version)
	}

	fresh, err := store.GetProduct(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	stale, err := store.GetProduct(ctx, "p1")
	if err != nil {
		t.Fatalf("get stale copy: %v", err)
	}

	fresh.Stock = 4
	if err := store.UpdateProduct(ctx, fresh); err != nil {
		t.Fatalf("update: %v", err)
	}
	if fresh.Version != 2 {
		t.Fatalf("expected version bump to 2, got %d", fresh.Version)
	}

	stale.Stock = 3
	if err := store.UpdateProduct(ctx, stale); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	// 冲突不应覆盖已提交的库存。
	current, err := store.GetProduct(ctx, "p1")
	if err != nil {
		t.Fatalf("get current: %v", err)
	}
	if current.Stock != 4 {
		t.Fatalf("stale update leaked: stock %d", current.Stock)
	}
}

func TestMemoryStoreOrders(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	orders := []*Order{
		{ID: "o1", ProductID: "p1", Buyer: "buyer-1", Quantity: 1, AmountPaid: 2500, Currency: "MYR", Status: OrderStatusPaid},
		{ID: "o2", ProductID: "p1", Buyer: "buyer-2", Quantity: 2, AmountPaid: 5000, Currency: "MYR", Status: OrderStatusPaid},
		{ID: "o3", ProductID: "p2", Buyer: "buyer-1", Quantity: 1, AmountPaid: 8000, Currency: "MYR", Status: OrderStatusPaid},
	}
	for _, order := range orders {
		if err := store.CreateOrder(ctx, order); err != nil {
			t.Fatalf("create order %s: %v", order.ID, err)
		}
	}
	if err := store.CreateOrder(ctx, &Order{ID: "o1", ProductID: "p9", Buyer: "buyer-9"}); xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("expected conflict on duplicate order, got %v", err)
	}

	byProduct, err := store.ListOrders(ctx, OrderListOptions{ProductID: "p1"})
	if err != nil {
		t.Fatalf("list by product: %v", err)
	}
	if len(byProduct) != 2 {
		t.Fatalf("expected 2 orders for p1, got %d", len(byProduct))
	}

	byBuyer, err := store.ListOrders(ctx, OrderListOptions{Buyer: "buyer-1"})
	if err != nil {
		t.Fatalf("list by buyer: %v", err)
	}
	if len(byBuyer) != 2 {
		t.Fatalf("expected 2 orders for buyer-1, got %d", len(byBuyer))
	}

	got, err := store.GetOrder(ctx, "o2")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	got.AmountPaid = 1
	reread, err := store.GetOrder(ctx, "o2")
	if err != nil {
		t.Fatalf("reread order: %v", err)
	}
	if reread.AmountPaid != 5000 {
		t.Fatalf("store handed out shared order state: %d", reread.AmountPaid)
	}

	if _, err := store.GetOrder(ctx, "missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}
