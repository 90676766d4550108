package teori

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"drivingschool-backend/internal/models"
	"drivingschool-backend/internal/payments"
	"drivingschool-backend/pkg/logger"
	"drivingschool-backend/pkg/validator"
)

const (
	DefaultCacheTTL      = 5 * time.Minute
	DefaultRetryAttempts = 3

	settingsLoadTimeout = 10 * time.Second

	productionAPIURL = "https://pay.qliro.com"
	sandboxAPIURL    = "https://pago.qit.nu"
)

// Settings is a resolved provider configuration snapshot.
type Settings struct {
	Enabled        bool
	APIKey         string
	APISecret      string
	APIURL         string
	WebhookSecret  string
	Environment    payments.Environment
	PublicURL      string
	TermsURL       string
	PaymentMethods []string
	RetryAttempts  int
	CacheTTL       time.Duration
}

// SettingsStore is the key/value source the resolver reads from.
type SettingsStore interface {
	All(ctx context.Context) ([]models.Setting, error)
}

// keySource is an ordered list of setting keys and environment variables.
// The first non-empty value wins; settings are consulted before env.
type keySource struct {
	keys []string
	env  []string
}

type ResolverOptions struct {
	Prefix    string
	LookupEnv func(string) (string, bool)
	Now       func() time.Time
}

// Resolver loads Settings from the store and caches the snapshot for CacheTTL.
type Resolver struct {
	store     SettingsStore
	prefix    string
	lookupEnv func(string) (string, bool)
	now       func() time.Time

	mu       sync.RWMutex
	snapshot *Settings
	loadedAt time.Time
	ttl      time.Duration

	group singleflight.Group
}

func NewResolver(store SettingsStore, opts ResolverOptions) *Resolver {
	prefix := strings.Trim(strings.ToLower(strings.TrimSpace(opts.Prefix)), "_")
	if prefix == "" {
		prefix = "teori"
	}
	lookupEnv := opts.LookupEnv
	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Resolver{
		store:     store,
		prefix:    prefix,
		lookupEnv: lookupEnv,
		now:       now,
		ttl:       DefaultCacheTTL,
	}
}

// Resolve returns the cached snapshot while it is younger than the cache
// TTL, otherwise it reloads from the store. Concurrent reloads share one read,
// which is detached from any single caller's cancellation.
func (r *Resolver) Resolve(ctx context.Context, forceReload bool) (*Settings, error) {
	if !forceReload {
		if cached := r.cached(); cached != nil {
			return cached, nil
		}
	}

	ch := r.group.DoChan("settings", func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settingsLoadTimeout)
		defer cancel()
		return r.load(loadCtx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Settings), nil
	}
}

// Invalidate drops the cached snapshot.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.snapshot = nil
	r.loadedAt = time.Time{}
	r.mu.Unlock()
}

// Snapshot returns the cached settings and when they were loaded, without loading.
func (r *Resolver) Snapshot() (*Settings, time.Time, time.Duration) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot, r.loadedAt, r.ttl
}

func (r *Resolver) cached() *Settings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.snapshot == nil {
		return nil
	}
	if r.now().Sub(r.loadedAt) >= r.ttl {
		return nil
	}
	return r.snapshot
}

func (r *Resolver) load(ctx context.Context) (*Settings, error) {
	logger.DebugContext(ctx, "Loading Teori settings", map[string]interface{}{"prefix": r.prefix})

	rows, err := r.store.All(ctx)
	if err != nil {
		logger.ErrorContext(ctx, err, "Failed to read Teori settings", nil)
		return nil, err
	}

	values := make(map[string]string, len(rows))
	for _, row := range rows {
		values[strings.ToLower(strings.TrimSpace(row.Key))] = strings.TrimSpace(row.Value)
	}

	settings, err := r.build(values)
	if err != nil {
		logger.ErrorContext(ctx, err, "Teori settings are invalid", map[string]interface{}{"prefix": r.prefix})
		return nil, err
	}

	r.mu.Lock()
	r.snapshot = settings
	r.loadedAt = r.now()
	r.ttl = settings.CacheTTL
	r.mu.Unlock()

	logger.InfoContext(ctx, "Teori settings resolved", map[string]interface{}{
		"enabled":        settings.Enabled,
		"environment":    settings.Environment,
		"api_url":        settings.APIURL,
		"api_key":        logger.Mask(settings.APIKey),
		"webhook_secret": settings.WebhookSecret != "",
		"public_url":     settings.PublicURL,
		"cache_ttl":      settings.CacheTTL.String(),
	})

	return settings, nil
}

func (r *Resolver) build(values map[string]string) (*Settings, error) {
	s := &Settings{
		Environment:   r.environment(values),
		RetryAttempts: DefaultRetryAttempts,
		CacheTTL:      DefaultCacheTTL,
	}
	s.Enabled = parseBool(values[r.key("enabled")]) || parseBool(values[r.key("prod_enabled")])

	envKey := "dev"
	if s.Environment.IsProduction() {
		envKey = "prod"
	}
	envPrefix := strings.ToUpper(r.prefix)

	s.APIKey = r.first(values, keySource{
		keys: []string{r.key(envKey + "_api_key"), r.key("api_key"), r.key("merchant_api_key")},
		env:  []string{envPrefix + "_API_KEY", envPrefix + "_MERCHANT_API_KEY"},
	})
	s.APISecret = r.first(values, keySource{
		keys: []string{r.key(envKey + "_api_secret"), r.key("api_secret"), r.key("secret"), r.key("shared_secret")},
		env:  []string{envPrefix + "_API_SECRET", envPrefix + "_SHARED_SECRET"},
	})
	s.APIURL = r.first(values, keySource{
		keys: []string{r.key(envKey + "_api_url"), r.key("api_url")},
		env:  []string{envPrefix + "_API_URL"},
	})
	if s.APIURL == "" {
		s.APIURL = sandboxAPIURL
		if s.Environment.IsProduction() {
			s.APIURL = productionAPIURL
		}
	}
	s.APIURL = strings.TrimRight(s.APIURL, "/")

	s.WebhookSecret = r.first(values, keySource{
		keys: []string{r.key("webhook_secret")},
		env:  []string{envPrefix + "_WEBHOOK_SECRET"},
	})

	s.PublicURL = strings.TrimRight(r.first(values, keySource{
		keys: []string{r.key("public_url"), "public_app_url", "site_public_url", "app_url"},
		env:  []string{"NEXT_PUBLIC_APP_URL", "PUBLIC_APP_URL"},
	}), "/")
	if s.PublicURL != "" && !validator.ValidateHTTPSURL(s.PublicURL) {
		return nil, &ConfigurationError{Reason: "requires HTTPS public URL"}
	}
	s.TermsURL = values[r.key("terms_url")]

	if methods := values[r.key("payment_methods")]; methods != "" {
		for _, method := range strings.Split(methods, ",") {
			if method = strings.TrimSpace(method); method != "" {
				s.PaymentMethods = append(s.PaymentMethods, method)
			}
		}
	}

	if s.APISecret == "" {
		return nil, &ConfigurationError{Reason: "missing API credentials"}
	}

	if attempts, err := strconv.Atoi(values[r.key("retry_attempts")]); err == nil && attempts > 0 {
		s.RetryAttempts = attempts
	}
	if ttl, ok := parseDuration(values[r.key("cache_duration")]); ok {
		s.CacheTTL = ttl
	}

	return s, nil
}

// environment: an explicit environment setting wins, then the production flags.
func (r *Resolver) environment(values map[string]string) payments.Environment {
	if explicit := values[r.key("environment")]; explicit != "" {
		return payments.ParseEnvironment(explicit)
	}
	for _, flag := range []string{"use_prod_env", "prod_enabled"} {
		if parseBool(values[r.key(flag)]) {
			return payments.EnvironmentProduction
		}
	}
	return payments.EnvironmentSandbox
}

func (r *Resolver) first(values map[string]string, source keySource) string {
	for _, key := range source.keys {
		if value := values[key]; value != "" {
			return value
		}
	}
	for _, name := range source.env {
		if value, ok := r.lookupEnv(name); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// settingNames are the prefixed keys the resolver reads.
var settingNames = map[string]bool{
	"enabled": true, "prod_enabled": true, "use_prod_env": true, "environment": true,
	"api_key": true, "merchant_api_key": true, "prod_api_key": true, "dev_api_key": true,
	"api_secret": true, "secret": true, "shared_secret": true, "prod_api_secret": true, "dev_api_secret": true,
	"api_url": true, "prod_api_url": true, "dev_api_url": true,
	"webhook_secret": true, "public_url": true, "terms_url": true, "payment_methods": true,
	"retry_attempts": true, "cache_duration": true,
}

// SettingKey maps a setting name such as "api_key" to its stored key. Unknown
// names report false.
func (r *Resolver) SettingKey(name string) (string, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if !settingNames[name] {
		return "", false
	}
	return r.key(name), true
}

func (r *Resolver) key(name string) string {
	return r.prefix + "_" + name
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

// parseDuration accepts Go durations or whole seconds.
func parseDuration(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d, true
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second, true
	}
	return 0, false
}
