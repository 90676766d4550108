package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"drivingschool-backend/internal/models"
	"drivingschool-backend/internal/payments"
	"drivingschool-backend/internal/payments/teori"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testTeoriSettings() *teori.Settings {
	return &teori.Settings{
		Enabled:       true,
		APIKey:        "merchant-key",
		APISecret:     "secret",
		APIURL:        "https://api.example",
		PublicURL:     "https://school.example",
		Environment:   payments.EnvironmentSandbox,
		RetryAttempts: 3,
	}
}

func newTestCheckoutService(t *testing.T) (*TeoriCheckoutService, *memoryTeoriOrderRepository, *fakeOrderClient) {
	t.Helper()
	repo := newMemoryTeoriOrderRepository()
	client := newFakeOrderClient()
	svc := NewTeoriCheckoutService(&staticResolver{settings: testTeoriSettings()}, client, repo, TeoriCheckoutConfig{})
	svc.SetClock(func() time.Time { return testNow })
	svc.SetRandomSource(fixedRandom())
	return svc, repo, client
}

func stringPtr(value string) *string {
	return &value
}

func checkoutRequest(reference string) models.TeoriCheckoutRequest {
	return models.TeoriCheckoutRequest{
		Amount:      decimal.RequireFromString("500.00"),
		Reference:   reference,
		Description: "Körlektion 60 min",
	}
}

func TestTeoriCheckout_CreatesOrderAndMirror(t *testing.T) {
	svc, repo, client := newTestCheckoutService(t)

	req := checkoutRequest("booking_1")
	req.ExternalBookingID = stringPtr("b-1")
	req.CustomerEmail = "anna@example.com"

	checkout, err := svc.GetOrCreateCheckout(context.Background(), req)
	if err != nil {
		t.Fatalf("GetOrCreateCheckout returned error: %v", err)
	}
	if checkout.IsExisting {
		t.Fatalf("expected a new checkout")
	}
	if checkout.CheckoutID != "1001" || checkout.CheckoutURL != "https://pay.example/1001" {
		t.Fatalf("unexpected checkout %+v", checkout)
	}
	if checkout.MerchantReference != "booking_1" {
		t.Fatalf("expected merchant reference booking_1, got %q", checkout.MerchantReference)
	}

	if len(client.created) != 1 {
		t.Fatalf("expected one create call, got %d", len(client.created))
	}
	item := client.created[0].OrderItems[0]
	if item.PricePerItemIncVat != json.Number("500") || item.PricePerItemExVat != json.Number("400.00") || item.VatRate != 25 {
		t.Fatalf("unexpected line item pricing %+v", item)
	}
	if client.created[0].Customer == nil || client.created[0].Customer.Email != "anna@example.com" {
		t.Fatalf("expected customer block to be sent")
	}

	mirrors := repo.all()
	if len(mirrors) != 1 {
		t.Fatalf("expected one mirror, got %d", len(mirrors))
	}
	mirror := mirrors[0]
	if mirror.ProviderOrderID != "1001" || mirror.MerchantReference != "booking_1" {
		t.Fatalf("unexpected mirror %+v", mirror)
	}
	if mirror.ExternalBookingID == nil || *mirror.ExternalBookingID != "b-1" {
		t.Fatalf("expected external booking id on mirror")
	}
	if !mirror.Amount.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("expected amount 500, got %s", mirror.Amount)
	}
	if mirror.Environment != "sandbox" {
		t.Fatalf("expected sandbox environment, got %q", mirror.Environment)
	}

	wantToken := base64.RawURLEncoding.EncodeToString([]byte(strings.Repeat("\x42", 32)))
	if mirror.CallbackToken == nil || *mirror.CallbackToken != wantToken {
		t.Fatalf("expected callback token %q, got %v", wantToken, mirror.CallbackToken)
	}
	if mirror.CallbackTokenExpiresAt == nil || !mirror.CallbackTokenExpiresAt.Equal(testNow.Add(24*time.Hour)) {
		t.Fatalf("expected token to expire after 24h, got %v", mirror.CallbackTokenExpiresAt)
	}
	if !strings.HasSuffix(client.created[0].MerchantCheckoutStatusPushUrl, "?token="+wantToken) {
		t.Fatalf("expected push url to carry the callback token, got %q", client.created[0].MerchantCheckoutStatusPushUrl)
	}
}

func TestTeoriCheckout_IdempotentByExternalBookingID(t *testing.T) {
	svc, _, client := newTestCheckoutService(t)
	ctx := context.Background()

	req := checkoutRequest("booking_1")
	req.ExternalBookingID = stringPtr("b-1")

	first, err := svc.GetOrCreateCheckout(ctx, req)
	if err != nil {
		t.Fatalf("first call failed: %v", err)
	}

	req.Reference = "booking_1_retry"
	second, err := svc.GetOrCreateCheckout(ctx, req)
	if err != nil {
		t.Fatalf("second call failed: %v", err)
	}

	if !second.IsExisting {
		t.Fatalf("expected second call to reuse the order")
	}
	if second.CheckoutID != first.CheckoutID {
		t.Fatalf("expected same checkout id, got %q and %q", first.CheckoutID, second.CheckoutID)
	}
	if client.createCount() != 1 {
		t.Fatalf("expected a single provider order, got %d", client.createCount())
	}
}

func TestTeoriCheckout_IdempotentByReference(t *testing.T) {
	svc, _, client := newTestCheckoutService(t)
	ctx := context.Background()

	first, err := svc.GetOrCreateCheckout(ctx, checkoutRequest("booking_1"))
	if err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	second, err := svc.GetOrCreateCheckout(ctx, checkoutRequest("booking_1"))
	if err != nil {
		t.Fatalf("second call failed: %v", err)
	}

	if !second.IsExisting || second.CheckoutID != first.CheckoutID {
		t.Fatalf("expected reuse of %q, got %+v", first.CheckoutID, second)
	}
	if client.createCount() != 1 {
		t.Fatalf("expected a single provider order, got %d", client.createCount())
	}
}

func TestTeoriCheckout_RecoversFromAlreadyExists(t *testing.T) {
	svc, _, client := newTestCheckoutService(t)
	ctx := context.Background()

	first, err := svc.GetOrCreateCheckout(ctx, checkoutRequest("booking_1"))
	if err != nil {
		t.Fatalf("first call failed: %v", err)
	}

	// The reference lookup cannot confirm the order, so creation is attempted
	// and the provider answers with a conflict.
	client.getFailures = 1
	second, err := svc.GetOrCreateCheckout(ctx, checkoutRequest("booking_1"))
	if err != nil {
		t.Fatalf("expected conflict to be recovered, got %v", err)
	}
	if !second.IsExisting || second.CheckoutID != first.CheckoutID {
		t.Fatalf("expected recovered checkout %q, got %+v", first.CheckoutID, second)
	}
	if client.createCount() != 2 {
		t.Fatalf("expected a second create attempt, got %d", client.createCount())
	}
}

func TestTeoriCheckout_UnrecoverableConflictReturnsOriginalError(t *testing.T) {
	svc, _, client := newTestCheckoutService(t)
	client.conflictOn["booking_1"] = true

	_, err := svc.GetOrCreateCheckout(context.Background(), checkoutRequest("booking_1"))
	if !teori.IsOrderAlreadyExists(err) {
		t.Fatalf("expected original conflict error, got %v", err)
	}
}

func TestTeoriCheckout_OtherCreateErrorsPropagate(t *testing.T) {
	svc, repo, client := newTestCheckoutService(t)
	client.createErr = &teori.ProviderAPIError{Kind: teori.KindHTTPStatus, Status: 500, Message: "Unexpected response status"}

	_, err := svc.GetOrCreateCheckout(context.Background(), checkoutRequest("booking_1"))
	var apiErr *teori.ProviderAPIError
	if !errors.As(err, &apiErr) || apiErr.Status != 500 {
		t.Fatalf("expected provider error, got %v", err)
	}
	if len(repo.all()) != 0 {
		t.Fatalf("expected no mirror after failed create")
	}
}

func TestTeoriCheckout_UpdatesStalePaymentLink(t *testing.T) {
	svc, repo, client := newTestCheckoutService(t)
	ctx := context.Background()

	if err := repo.Create(ctx, &models.TeoriOrder{
		ExternalBookingID: stringPtr("b-9"),
		ProviderOrderID:   "555",
		MerchantReference: "booking_9",
		Amount:            decimal.NewFromInt(500),
		PaymentLink:       stringPtr("https://old"),
		Status:            "InProcess",
	}); err != nil {
		t.Fatalf("seed mirror: %v", err)
	}
	client.setLive(&teori.Order{OrderID: "555", MerchantReference: "booking_9", PaymentLink: "https://new", CustomerCheckoutStatus: "InProcess"})

	req := checkoutRequest("booking_9")
	req.ExternalBookingID = stringPtr("b-9")
	checkout, err := svc.GetOrCreateCheckout(ctx, req)
	if err != nil {
		t.Fatalf("GetOrCreateCheckout returned error: %v", err)
	}

	if checkout.CheckoutURL != "https://new" || !checkout.IsExisting {
		t.Fatalf("expected existing checkout with new link, got %+v", checkout)
	}
	mirror := repo.all()[0]
	if mirror.PaymentLink == nil || *mirror.PaymentLink != "https://new" {
		t.Fatalf("expected mirror link updated, got %v", mirror.PaymentLink)
	}
	if mirror.LastStatusCheck == nil || !mirror.LastStatusCheck.Equal(testNow) {
		t.Fatalf("expected last status check recorded")
	}
}

func TestTeoriCheckout_UnchangedMirrorIsNotWritten(t *testing.T) {
	svc, repo, client := newTestCheckoutService(t)
	ctx := context.Background()

	if _, err := svc.GetOrCreateCheckout(ctx, checkoutRequest("booking_1")); err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	client.setLive(&teori.Order{OrderID: "1001", MerchantReference: "booking_1", PaymentLink: "https://pay.example/1001", CustomerCheckoutStatus: "Created"})

	if _, err := svc.GetOrCreateCheckout(ctx, checkoutRequest("booking_1")); err != nil {
		t.Fatalf("second call failed: %v", err)
	}
	if repo.updates != 0 {
		t.Fatalf("expected no mirror writes, got %d", repo.updates)
	}
}

func TestTeoriCheckout_FailedLiveFetchFallsThroughToCreate(t *testing.T) {
	svc, repo, client := newTestCheckoutService(t)
	ctx := context.Background()

	if err := repo.Create(ctx, &models.TeoriOrder{
		ExternalBookingID: stringPtr("b-2"),
		ProviderOrderID:   "404",
		MerchantReference: "booking_old",
		Amount:            decimal.NewFromInt(500),
		PaymentLink:       stringPtr("https://stale"),
	}); err != nil {
		t.Fatalf("seed mirror: %v", err)
	}

	req := checkoutRequest("booking_2")
	req.ExternalBookingID = stringPtr("b-2")
	checkout, err := svc.GetOrCreateCheckout(ctx, req)
	if err != nil {
		t.Fatalf("GetOrCreateCheckout returned error: %v", err)
	}
	if checkout.IsExisting || checkout.CheckoutID != "1001" {
		t.Fatalf("expected a newly created order, got %+v", checkout)
	}
	if client.createCount() != 1 {
		t.Fatalf("expected one create call, got %d", client.createCount())
	}
}

func TestTeoriCheckout_MirrorPersistenceFailureIsNotFatal(t *testing.T) {
	svc, repo, _ := newTestCheckoutService(t)
	repo.createErr = errors.New("insert failed")

	checkout, err := svc.GetOrCreateCheckout(context.Background(), checkoutRequest("booking_1"))
	if err != nil {
		t.Fatalf("expected checkout despite persistence failure, got %v", err)
	}
	if checkout.CheckoutURL == "" || checkout.IsExisting {
		t.Fatalf("unexpected checkout %+v", checkout)
	}
}

func TestTeoriCheckout_DisabledAndMisconfigured(t *testing.T) {
	repo := newMemoryTeoriOrderRepository()
	client := newFakeOrderClient()

	disabled := testTeoriSettings()
	disabled.Enabled = false
	svc := NewTeoriCheckoutService(&staticResolver{settings: disabled}, client, repo, TeoriCheckoutConfig{})
	if _, err := svc.GetOrCreateCheckout(context.Background(), checkoutRequest("booking_1")); !errors.Is(err, teori.ErrServiceDisabled) {
		t.Fatalf("expected ErrServiceDisabled, got %v", err)
	}

	cfgErr := &teori.ConfigurationError{Reason: "missing API credentials"}
	svc = NewTeoriCheckoutService(&staticResolver{err: cfgErr}, client, repo, TeoriCheckoutConfig{})
	if _, err := svc.GetOrCreateCheckout(context.Background(), checkoutRequest("booking_1")); !teori.IsUnavailable(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}

	noPublicURL := testTeoriSettings()
	noPublicURL.PublicURL = ""
	svc = NewTeoriCheckoutService(&staticResolver{settings: noPublicURL}, client, repo, TeoriCheckoutConfig{})
	if _, err := svc.GetOrCreateCheckout(context.Background(), checkoutRequest("booking_1")); !teori.IsUnavailable(err) {
		t.Fatalf("expected configuration error without public url, got %v", err)
	}

	if client.createCount() != 0 {
		t.Fatalf("expected no provider calls")
	}
}

func TestTeoriCheckout_ValidatesInput(t *testing.T) {
	svc, _, _ := newTestCheckoutService(t)

	req := checkoutRequest("  ")
	if _, err := svc.GetOrCreateCheckout(context.Background(), req); !errors.Is(err, ErrInvalidCheckoutRequest) {
		t.Fatalf("expected ErrInvalidCheckoutRequest, got %v", err)
	}

	req = checkoutRequest("booking_1")
	req.Amount = decimal.NewFromInt(-5)
	if _, err := svc.GetOrCreateCheckout(context.Background(), req); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestTeoriCheckout_SanitizesLongReferences(t *testing.T) {
	svc, _, client := newTestCheckoutService(t)
	reference := "booking_2f1c8e7a-9b7d-4b7e-8f0e-3e1d0c5b6a77"

	checkout, err := svc.GetOrCreateCheckout(context.Background(), checkoutRequest(reference))
	if err != nil {
		t.Fatalf("GetOrCreateCheckout returned error: %v", err)
	}
	if checkout.MerchantReference != teori.SanitizeReference(reference) {
		t.Fatalf("expected sanitised reference, got %q", checkout.MerchantReference)
	}
	if client.created[0].MerchantReference != checkout.MerchantReference {
		t.Fatalf("provider received %q", client.created[0].MerchantReference)
	}
}

func TestTeoriCheckout_UsesAdvisoryLock(t *testing.T) {
	svc, _, _ := newTestCheckoutService(t)
	locker := &fakeLocker{}
	svc.SetLocker(locker)

	if _, err := svc.GetOrCreateCheckout(context.Background(), checkoutRequest("booking_1")); err != nil {
		t.Fatalf("GetOrCreateCheckout returned error: %v", err)
	}
	if len(locker.locked) != 1 || locker.locked[0] != "teori:checkout:booking_1" {
		t.Fatalf("unexpected locks %v", locker.locked)
	}
	if len(locker.unlocked) != 1 {
		t.Fatalf("expected the lock to be released, got %v", locker.unlocked)
	}
}

func TestTeoriCheckout_LockOutlivesProviderRetries(t *testing.T) {
	svc, _, _ := newTestCheckoutService(t)
	svc.SetConfig(TeoriCheckoutConfig{LockTTL: 90 * time.Second, RequestTimeout: 30 * time.Second})
	locker := &fakeLocker{}
	svc.SetLocker(locker)

	if _, err := svc.GetOrCreateCheckout(context.Background(), checkoutRequest("booking_1")); err != nil {
		t.Fatalf("GetOrCreateCheckout returned error: %v", err)
	}

	// Three calls of 3 x 30s attempts plus 1s and 2s backoff, plus the lock wait.
	want := 3*(93*time.Second) + 5*time.Second
	if len(locker.ttls) != 1 || locker.ttls[0] != want {
		t.Fatalf("expected lock ttl %s, got %v", want, locker.ttls)
	}
}

func TestTeoriCheckout_LockFailureDegrades(t *testing.T) {
	svc, _, _ := newTestCheckoutService(t)
	svc.SetLocker(&fakeLocker{err: errors.New("redis down")})

	if _, err := svc.GetOrCreateCheckout(context.Background(), checkoutRequest("booking_1")); err != nil {
		t.Fatalf("expected checkout without lock, got %v", err)
	}
}

func TestTeoriCheckout_RefreshOrder(t *testing.T) {
	svc, _, client := newTestCheckoutService(t)
	ctx := context.Background()

	if _, err := svc.RefreshOrder(ctx, "missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}

	checkout, err := svc.GetOrCreateCheckout(ctx, checkoutRequest("booking_1"))
	if err != nil {
		t.Fatalf("GetOrCreateCheckout returned error: %v", err)
	}
	client.setLive(&teori.Order{OrderID: teori.OrderID(checkout.CheckoutID), PaymentLink: checkout.CheckoutURL, CustomerCheckoutStatus: "Completed"})

	mirror, err := svc.RefreshOrder(ctx, checkout.CheckoutID)
	if err != nil {
		t.Fatalf("RefreshOrder returned error: %v", err)
	}
	if mirror.Status != "Completed" {
		t.Fatalf("expected status Completed, got %q", mirror.Status)
	}
	if mirror.LastStatusCheck == nil {
		t.Fatalf("expected last status check to be set")
	}
	if len(mirror.LastPayload) == 0 {
		t.Fatalf("expected raw payload to be stored")
	}
}

func TestTeoriCheckout_SyncStaleOrders(t *testing.T) {
	svc, repo, client := newTestCheckoutService(t)
	ctx := context.Background()
	recent := testNow.Add(-time.Minute)

	seed := []models.TeoriOrder{
		{ProviderOrderID: "1", MerchantReference: "a", Environment: "sandbox", Status: "Completed"},
		{ProviderOrderID: "2", MerchantReference: "b", Environment: "sandbox", Status: "InProcess", LastStatusCheck: &recent},
		{ProviderOrderID: "3", MerchantReference: "c", Environment: "sandbox", Status: "InProcess"},
		{ProviderOrderID: "4", MerchantReference: "d", Environment: "sandbox", Status: "InProcess"},
	}
	for i := range seed {
		if err := repo.Create(ctx, &seed[i]); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	client.setLive(&teori.Order{OrderID: "3", CustomerCheckoutStatus: "Completed"})

	refreshed, err := svc.SyncStaleOrders(ctx, 10*time.Minute, 50)
	if err != nil {
		t.Fatalf("SyncStaleOrders returned error: %v", err)
	}
	if refreshed != 1 {
		t.Fatalf("expected one refreshed order, got %d", refreshed)
	}

	gets := strings.Join(client.gets, ",")
	if gets != "3,4" {
		t.Fatalf("expected only stale non-final orders to be fetched, got %q", gets)
	}
	for _, order := range repo.all() {
		if order.ProviderOrderID == "3" && order.Status != "Completed" {
			t.Fatalf("expected order 3 to be completed, got %q", order.Status)
		}
	}
}

func TestTeoriCheckout_SyncStaleOrdersDoesNotStarveOnFailures(t *testing.T) {
	svc, repo, client := newTestCheckoutService(t)
	ctx := context.Background()

	seed := []models.TeoriOrder{
		{ProviderOrderID: "p1", MerchantReference: "p1", Environment: "sandbox", Status: "InProcess"},
		{ProviderOrderID: "p2", MerchantReference: "p2", Environment: "sandbox", Status: "InProcess"},
		{ProviderOrderID: "x1", MerchantReference: "x1", Environment: "production", Status: "InProcess"},
		{ProviderOrderID: "s3", MerchantReference: "s3", Environment: "sandbox", Status: "InProcess"},
	}
	for i := range seed {
		if err := repo.Create(ctx, &seed[i]); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	client.setLive(&teori.Order{OrderID: "s3", CustomerCheckoutStatus: "Completed"})

	total := 0
	for run := 0; run < 3; run++ {
		refreshed, err := svc.SyncStaleOrders(ctx, 10*time.Minute, 2)
		if err != nil {
			t.Fatalf("SyncStaleOrders returned error: %v", err)
		}
		total += refreshed
	}

	if total != 1 {
		t.Fatalf("expected the healthy order to be refreshed once, got %d", total)
	}
	if gets := strings.Join(client.gets, ","); gets != "p1,p2,s3" {
		t.Fatalf("expected failing orders to wait and other environments to be skipped, got %q", gets)
	}
	for _, order := range repo.all() {
		switch order.ProviderOrderID {
		case "s3":
			if order.Status != "Completed" {
				t.Fatalf("expected s3 to be completed, got %q", order.Status)
			}
		case "p1", "p2":
			if order.LastStatusCheck == nil || order.Status != "InProcess" {
				t.Fatalf("expected %s to be stamped without a status change", order.ProviderOrderID)
			}
		case "x1":
			if order.LastStatusCheck != nil {
				t.Fatalf("expected production order to be left alone")
			}
		}
	}
}
