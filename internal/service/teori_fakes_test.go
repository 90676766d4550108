package service

import (
	"bytes"
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"drivingschool-backend/internal/models"
	"drivingschool-backend/internal/payments/teori"
	"drivingschool-backend/internal/repository"
	"drivingschool-backend/pkg/cache"
)

var _ repository.TeoriOrderRepository = (*memoryTeoriOrderRepository)(nil)

type memoryTeoriOrderRepository struct {
	mu        sync.Mutex
	orders    []*models.TeoriOrder
	createErr error
	updateErr error
	updates   int
}

func newMemoryTeoriOrderRepository() *memoryTeoriOrderRepository {
	return &memoryTeoriOrderRepository{}
}

func (r *memoryTeoriOrderRepository) Create(ctx context.Context, order *models.TeoriOrder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	stored := *order
	r.orders = append(r.orders, &stored)
	return nil
}

func (r *memoryTeoriOrderRepository) find(match func(*models.TeoriOrder) bool) (*models.TeoriOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.orders) - 1; i >= 0; i-- {
		if match(r.orders[i]) {
			clone := *r.orders[i]
			return &clone, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memoryTeoriOrderRepository) GetByExternalBookingID(ctx context.Context, id string) (*models.TeoriOrder, error) {
	return r.find(func(o *models.TeoriOrder) bool { return o.ExternalBookingID != nil && *o.ExternalBookingID == id })
}

func (r *memoryTeoriOrderRepository) GetByMerchantReference(ctx context.Context, ref string) (*models.TeoriOrder, error) {
	return r.find(func(o *models.TeoriOrder) bool { return o.MerchantReference == ref })
}

func (r *memoryTeoriOrderRepository) GetByProviderOrderID(ctx context.Context, id string) (*models.TeoriOrder, error) {
	return r.find(func(o *models.TeoriOrder) bool { return o.ProviderOrderID == id })
}

func (r *memoryTeoriOrderRepository) UpdateStatusAndLink(ctx context.Context, id string, update models.TeoriOrderUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}
	for _, order := range r.orders {
		if order.ID.String() != id {
			continue
		}
		r.updates++
		if update.Status != "" {
			order.Status = update.Status
		}
		if update.PaymentLink != nil {
			link := *update.PaymentLink
			order.PaymentLink = &link
		}
		if len(update.Payload) > 0 {
			order.LastPayload = update.Payload
		}
		checked := update.CheckedAt
		order.LastStatusCheck = &checked
		return nil
	}
	return gorm.ErrRecordNotFound
}

func (r *memoryTeoriOrderRepository) ListStale(ctx context.Context, environment string, before time.Time, finalStatuses []string, limit int) ([]models.TeoriOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	final := make(map[string]bool, len(finalStatuses))
	for _, status := range finalStatuses {
		final[status] = true
	}

	var out []models.TeoriOrder
	for _, order := range r.orders {
		if order.Environment != environment || final[order.Status] {
			continue
		}
		if order.LastStatusCheck != nil && !order.LastStatusCheck.Before(before) {
			continue
		}
		out = append(out, *order)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].LastStatusCheck == nil {
			return out[j].LastStatusCheck != nil
		}
		return out[j].LastStatusCheck != nil && out[i].LastStatusCheck.Before(*out[j].LastStatusCheck)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryTeoriOrderRepository) all() []models.TeoriOrder {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.TeoriOrder, 0, len(r.orders))
	for _, order := range r.orders {
		out = append(out, *order)
	}
	return out
}

type staticResolver struct {
	settings *teori.Settings
	err      error
}

func (r *staticResolver) Resolve(ctx context.Context, forceReload bool) (*teori.Settings, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.settings, nil
}

// fakeOrderClient plays the provider: it keeps orders by id and by merchant reference.
type fakeOrderClient struct {
	mu          sync.Mutex
	nextID      int
	orders      map[string]*teori.Order
	byReference map[string]string
	created     []*teori.CreateOrderRequest
	gets        []string
	createErr   error
	getErr      error
	getFailures int
	conflictOn  map[string]bool
}

func newFakeOrderClient() *fakeOrderClient {
	return &fakeOrderClient{
		nextID:      1000,
		orders:      map[string]*teori.Order{},
		byReference: map[string]string{},
		conflictOn:  map[string]bool{},
	}
}

func (c *fakeOrderClient) CreateOrder(ctx context.Context, settings *teori.Settings, order *teori.CreateOrderRequest) (*teori.CreateOrderResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.created = append(c.created, order)
	if c.createErr != nil {
		return nil, c.createErr
	}
	if _, exists := c.byReference[order.MerchantReference]; exists || c.conflictOn[order.MerchantReference] {
		return nil, &teori.ProviderAPIError{
			Kind:    teori.KindHTTPStatus,
			Message: "Unexpected response status",
			Status:  400,
			Body:    `{"ErrorCode":"ORDER_ALREADY_EXISTS"}`,
		}
	}

	c.nextID++
	id := teori.OrderID(strconv.Itoa(c.nextID))
	link := "https://pay.example/" + id.String()
	c.orders[id.String()] = &teori.Order{OrderID: id, MerchantReference: order.MerchantReference, PaymentLink: link, CustomerCheckoutStatus: "InProcess"}
	c.byReference[order.MerchantReference] = id.String()
	return &teori.CreateOrderResponse{OrderID: id, PaymentLink: link}, nil
}

func (c *fakeOrderClient) GetOrder(ctx context.Context, settings *teori.Settings, orderID string) (*teori.Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets = append(c.gets, orderID)
	if c.getErr != nil {
		return nil, c.getErr
	}
	if c.getFailures > 0 {
		c.getFailures--
		return nil, &teori.ProviderAPIError{Kind: teori.KindTimeout, Message: "Request timeout"}
	}
	order, ok := c.orders[orderID]
	if !ok {
		return nil, &teori.ProviderAPIError{Kind: teori.KindHTTPStatus, Message: "Unexpected response status", Status: 404}
	}
	clone := *order
	clone.Raw = []byte(`{"OrderId":"` + orderID + `"}`)
	return &clone, nil
}

func (c *fakeOrderClient) setLive(order *teori.Order) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orders[order.OrderID.String()] = order
	if order.MerchantReference != "" {
		c.byReference[order.MerchantReference] = order.OrderID.String()
	}
}

func (c *fakeOrderClient) createCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.created)
}

type fakeLocker struct {
	mu       sync.Mutex
	locked   []string
	ttls     []time.Duration
	unlocked []string
	err      error
}

func (l *fakeLocker) Lock(ctx context.Context, key string, ttl, wait time.Duration) (*cache.Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.locked = append(l.locked, key)
	l.ttls = append(l.ttls, ttl)
	return &cache.Lock{Key: key}, nil
}

func (l *fakeLocker) Unlock(ctx context.Context, lock *cache.Lock) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unlocked = append(l.unlocked, lock.Key)
	return nil
}

type staticVerifier bool

func (v staticVerifier) Verify(ctx context.Context, signature string, body []byte) bool {
	return bool(v)
}

func fixedRandom() *bytes.Reader {
	return bytes.NewReader(bytes.Repeat([]byte{0x42}, 4096))
}
