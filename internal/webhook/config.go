package webhook

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/mattjoyce/ticketd/internal/config"
)

// FromGlobalConfig resolves the webhook section of the daemon config,
// filling in the Linear header name and the default limits.
func FromGlobalConfig(wc config.WebhookConfig) (Config, error) {
	fail := func(format string, args ...any) (Config, error) {
		return Config{}, fmt.Errorf("webhook %q: "+format, append([]any{wc.Path}, args...)...)
	}

	switch {
	case strings.TrimSpace(wc.Secret) == "":
		return fail("no secret configured")
	case config.UnresolvedEnvVar(wc.Secret) != "":
		return fail("secret references unset environment variable %s", config.UnresolvedEnvVar(wc.Secret))
	}

	limit, err := parseMaxBodySize(wc.MaxBodySize)
	if err != nil {
		return fail("invalid max_body_size %q: %w", wc.MaxBodySize, err)
	}

	cfg := Config{
		Path:            wc.Path,
		Secret:          wc.Secret,
		SignatureHeader: cmp.Or(wc.SignatureHeader, "Linear-Signature"),
		MaxBodySize:     limit,
		MaxAge:          wc.MaxAge,
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	return cfg, nil
}

var sizeUnits = []struct {
	suffix string
	shift  uint
}{
	{"GB", 30},
	{"MB", 20},
	{"KB", 10},
}

// parseMaxBodySize reads a byte count with an optional KB, MB or GB suffix
// (binary multiples, case-insensitive). Empty means DefaultMaxBodySize.
func parseMaxBodySize(size string) (int64, error) {
	size = strings.ToUpper(strings.TrimSpace(size))
	if size == "" {
		return DefaultMaxBodySize, nil
	}

	var shift uint
	for _, u := range sizeUnits {
		if number, ok := strings.CutSuffix(size, u.suffix); ok {
			size, shift = strings.TrimSpace(number), u.shift
			break
		}
	}

	n, err := strconv.ParseInt(size, 10, 64)
	switch {
	case err != nil:
		return 0, fmt.Errorf("invalid size value: %w", err)
	case n <= 0:
		return 0, errors.New("size must be positive")
	case n > math.MaxInt64>>shift:
		return 0, errors.New("size too large")
	}
	return n << shift, nil
}
