package teori

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drivingschool-backend/internal/models"
	"drivingschool-backend/internal/payments"
)

type memorySettingsStore struct {
	mu     sync.Mutex
	values map[string]string
	reads  int
	err    error
}

func newMemorySettingsStore(values map[string]string) *memorySettingsStore {
	if values == nil {
		values = map[string]string{}
	}
	return &memorySettingsStore{values: values}
}

func (s *memorySettingsStore) All(ctx context.Context) ([]models.Setting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.err != nil {
		return nil, s.err
	}
	rows := make([]models.Setting, 0, len(s.values))
	for key, value := range s.values {
		rows = append(rows, models.Setting{Key: key, Value: value})
	}
	return rows, nil
}

func (s *memorySettingsStore) set(key, value string) {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
}

func noEnv(string) (string, bool) { return "", false }

func envMap(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestResolverDefaultsToSandbox(t *testing.T) {
	store := newMemorySettingsStore(map[string]string{
		"teori_enabled":    "true",
		"teori_api_secret": "secret",
	})
	resolver := NewResolver(store, ResolverOptions{LookupEnv: noEnv})

	settings, err := resolver.Resolve(context.Background(), false)
	require.NoError(t, err)

	assert.True(t, settings.Enabled)
	assert.Equal(t, payments.EnvironmentSandbox, settings.Environment)
	assert.Equal(t, sandboxAPIURL, settings.APIURL)
	assert.Equal(t, DefaultRetryAttempts, settings.RetryAttempts)
	assert.Equal(t, DefaultCacheTTL, settings.CacheTTL)
	assert.Empty(t, settings.APIKey)
}

func TestResolverEnvironmentPrecedence(t *testing.T) {
	cases := []struct {
		name   string
		values map[string]string
		want   payments.Environment
	}{
		{"explicit wins over flag", map[string]string{"teori_environment": "sandbox", "teori_use_prod_env": "true"}, payments.EnvironmentSandbox},
		{"explicit production", map[string]string{"teori_environment": "Production"}, payments.EnvironmentProduction},
		{"use prod flag", map[string]string{"teori_use_prod_env": "yes"}, payments.EnvironmentProduction},
		{"prod enabled flag", map[string]string{"teori_prod_enabled": "1"}, payments.EnvironmentProduction},
		{"nothing set", map[string]string{}, payments.EnvironmentSandbox},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.values["teori_api_secret"] = "secret"
			resolver := NewResolver(newMemorySettingsStore(tc.values), ResolverOptions{LookupEnv: noEnv})

			settings, err := resolver.Resolve(context.Background(), false)
			require.NoError(t, err)
			assert.Equal(t, tc.want, settings.Environment)
		})
	}
}

func TestResolverEnabledIsEitherFlag(t *testing.T) {
	store := newMemorySettingsStore(map[string]string{
		"teori_enabled":      "false",
		"teori_prod_enabled": "true",
		"teori_api_secret":   "secret",
	})
	settings, err := NewResolver(store, ResolverOptions{LookupEnv: noEnv}).Resolve(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, settings.Enabled)
}

func TestResolverCredentialPrecedence(t *testing.T) {
	env := envMap(map[string]string{
		"TEORI_API_KEY":    "env-key",
		"TEORI_API_SECRET": "env-secret",
		"TEORI_API_URL":    "https://env.example",
	})

	t.Run("environment specific keys first", func(t *testing.T) {
		store := newMemorySettingsStore(map[string]string{
			"teori_environment":     "production",
			"teori_prod_api_key":    "prod-key",
			"teori_api_key":         "generic-key",
			"teori_prod_api_secret": "prod-secret",
			"teori_api_secret":      "generic-secret",
			"teori_prod_api_url":    "https://prod.example/",
		})
		settings, err := NewResolver(store, ResolverOptions{LookupEnv: env}).Resolve(context.Background(), false)
		require.NoError(t, err)
		assert.Equal(t, "prod-key", settings.APIKey)
		assert.Equal(t, "prod-secret", settings.APISecret)
		assert.Equal(t, "https://prod.example", settings.APIURL)
	})

	t.Run("generic keys before env", func(t *testing.T) {
		store := newMemorySettingsStore(map[string]string{
			"teori_dev_api_key":   "dev-key",
			"teori_prod_api_key":  "ignored-in-sandbox",
			"teori_shared_secret": "shared",
		})
		settings, err := NewResolver(store, ResolverOptions{LookupEnv: env}).Resolve(context.Background(), false)
		require.NoError(t, err)
		assert.Equal(t, "dev-key", settings.APIKey)
		assert.Equal(t, "shared", settings.APISecret)
		assert.Equal(t, "https://env.example", settings.APIURL)
	})

	t.Run("env fallback", func(t *testing.T) {
		settings, err := NewResolver(newMemorySettingsStore(nil), ResolverOptions{LookupEnv: env}).Resolve(context.Background(), false)
		require.NoError(t, err)
		assert.Equal(t, "env-key", settings.APIKey)
		assert.Equal(t, "env-secret", settings.APISecret)
	})
}

func TestResolverMissingSecretFails(t *testing.T) {
	store := newMemorySettingsStore(map[string]string{"teori_api_key": "key-only"})
	_, err := NewResolver(store, ResolverOptions{LookupEnv: noEnv}).Resolve(context.Background(), false)

	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "missing API credentials", cfgErr.Reason)
	assert.True(t, IsUnavailable(err))
}

func TestResolverEmptyAPIKeyIsAllowed(t *testing.T) {
	store := newMemorySettingsStore(map[string]string{"teori_api_secret": "secret"})
	settings, err := NewResolver(store, ResolverOptions{LookupEnv: noEnv}).Resolve(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, settings.APIKey)
}

func TestResolverPublicURLMustBeHTTPS(t *testing.T) {
	store := newMemorySettingsStore(map[string]string{
		"teori_api_secret": "secret",
		"public_app_url":   "http://example.com",
	})
	_, err := NewResolver(store, ResolverOptions{LookupEnv: noEnv}).Resolve(context.Background(), false)

	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "requires HTTPS public URL", cfgErr.Reason)

	store.set("public_app_url", "https://example.com/")
	settings, err := NewResolver(store, ResolverOptions{LookupEnv: noEnv}).Resolve(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", settings.PublicURL)
}

func TestResolverPublicURLFromEnv(t *testing.T) {
	store := newMemorySettingsStore(map[string]string{"teori_api_secret": "secret"})
	env := envMap(map[string]string{"NEXT_PUBLIC_APP_URL": "https://app.example"})

	settings, err := NewResolver(store, ResolverOptions{LookupEnv: env}).Resolve(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "https://app.example", settings.PublicURL)
}

func TestResolverCachesUntilTTL(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	store := newMemorySettingsStore(map[string]string{
		"teori_api_secret":     "secret",
		"teori_cache_duration": "60",
	})
	resolver := NewResolver(store, ResolverOptions{LookupEnv: noEnv, Now: clock.Now})
	ctx := context.Background()

	first, err := resolver.Resolve(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, first.CacheTTL)

	store.set("teori_api_secret", "rotated")
	clock.Advance(30 * time.Second)
	cached, err := resolver.Resolve(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "secret", cached.APISecret)
	assert.Equal(t, 1, store.reads)

	clock.Advance(31 * time.Second)
	reloaded, err := resolver.Resolve(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "rotated", reloaded.APISecret)
	assert.Equal(t, 2, store.reads)
}

func TestResolverForceReload(t *testing.T) {
	store := newMemorySettingsStore(map[string]string{"teori_api_secret": "secret"})
	resolver := NewResolver(store, ResolverOptions{LookupEnv: noEnv})
	ctx := context.Background()

	_, err := resolver.Resolve(ctx, false)
	require.NoError(t, err)

	store.set("teori_api_secret", "rotated")
	settings, err := resolver.Resolve(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, "rotated", settings.APISecret)
	assert.Equal(t, 2, store.reads)
}

func TestResolverStoreErrorPropagates(t *testing.T) {
	store := newMemorySettingsStore(nil)
	store.err = errors.New("db down")

	_, err := NewResolver(store, ResolverOptions{LookupEnv: noEnv}).Resolve(context.Background(), false)
	assert.EqualError(t, err, "db down")
}

func TestResolverCustomPrefixAndOverrides(t *testing.T) {
	store := newMemorySettingsStore(map[string]string{
		"qliro_api_secret":      "secret",
		"qliro_retry_attempts":  "5",
		"qliro_payment_methods": "CARD, INVOICE ,",
		"qliro_terms_url":       "https://example.com/villkor",
	})
	settings, err := NewResolver(store, ResolverOptions{Prefix: "Qliro", LookupEnv: noEnv}).Resolve(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, 5, settings.RetryAttempts)
	assert.Equal(t, []string{"CARD", "INVOICE"}, settings.PaymentMethods)
	assert.Equal(t, "https://example.com/villkor", settings.TermsURL)
}

func TestResolverSettingKey(t *testing.T) {
	resolver := NewResolver(newMemorySettingsStore(nil), ResolverOptions{Prefix: "Korskola", LookupEnv: noEnv})

	key, ok := resolver.SettingKey(" API_Key ")
	require.True(t, ok)
	assert.Equal(t, "korskola_api_key", key)

	_, ok = resolver.SettingKey("site_name")
	assert.False(t, ok)
}

type blockingSettingsStore struct {
	*memorySettingsStore
	started chan struct{}
	release chan struct{}
}

func (s *blockingSettingsStore) All(ctx context.Context) ([]models.Setting, error) {
	close(s.started)
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.memorySettingsStore.All(ctx)
}

func TestResolverSharedReloadSurvivesCanceledCaller(t *testing.T) {
	store := &blockingSettingsStore{
		memorySettingsStore: newMemorySettingsStore(map[string]string{"teori_api_key": "k", "teori_api_secret": "s"}),
		started:             make(chan struct{}),
		release:             make(chan struct{}),
	}
	resolver := NewResolver(store, ResolverOptions{LookupEnv: noEnv})

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := resolver.Resolve(firstCtx, false)
		firstErr <- err
	}()
	<-store.started

	second := make(chan *Settings, 1)
	go func() {
		settings, err := resolver.Resolve(context.Background(), false)
		assert.NoError(t, err)
		second <- settings
	}()

	cancelFirst()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(store.release)
	settings := <-second
	require.NotNil(t, settings)
	assert.Equal(t, "k", settings.APIKey)
	assert.Equal(t, 1, store.reads)
}
