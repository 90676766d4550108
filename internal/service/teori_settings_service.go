package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"drivingschool-backend/internal/payments/teori"
	"drivingschool-backend/pkg/logger"
)

const paymentSettingsCategory = "payments"

// TeoriSettingsKeys resolves settings and maps setting names to stored keys.
type TeoriSettingsKeys interface {
	TeoriSettingsResolver
	SettingKey(name string) (string, bool)
}

// SettingWriter persists a single setting.
type SettingWriter interface {
	Set(ctx context.Context, key, value, category string) error
}

// TeoriSettingsService updates stored provider settings and reloads the resolver.
type TeoriSettingsService struct {
	keys   TeoriSettingsKeys
	writer SettingWriter
}

func NewTeoriSettingsService(keys TeoriSettingsKeys, writer SettingWriter) *TeoriSettingsService {
	return &TeoriSettingsService{keys: keys, writer: writer}
}

// Update stores the given name/value pairs and forces a reload. Names are
// checked before anything is written. A configuration error from the reload
// is returned together with the stored values already in place.
func (s *TeoriSettingsService) Update(ctx context.Context, values map[string]string) (*teori.Settings, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: no settings given", ErrInvalidCheckoutRequest)
	}

	names := make([]string, 0, len(values))
	keys := make(map[string]string, len(values))
	for name := range values {
		key, ok := s.keys.SettingKey(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSetting, name)
		}
		names = append(names, name)
		keys[name] = key
	}
	sort.Strings(names)

	for _, name := range names {
		if err := s.writer.Set(ctx, keys[name], strings.TrimSpace(values[name]), paymentSettingsCategory); err != nil {
			return nil, fmt.Errorf("failed to store setting %s: %w", name, err)
		}
	}

	logger.InfoContext(ctx, "Teori settings updated", map[string]interface{}{"settings": names})

	return s.keys.Resolve(ctx, true)
}
