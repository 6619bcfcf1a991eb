package config

import (
	"net/url"
	"strings"

	"github.com/wasilibs/go-re2"
)

// maskSecret маскирует секрет, оставляя только первые 4 и последние 4 символа
func maskSecret(secret string) string {
	if secret == "" {
		return ""
	}

	// Если секрет слишком короткий, маскируем полностью
	if len(secret) < 8 {
		return "***"
	}

	return secret[:4] + strings.Repeat("*", len(secret)-8) + secret[len(secret)-4:]
}

var dsnPasswordRe = re2.MustCompile(`(password=)(\S+)`)

// MaskDSN hides the password of a postgres URL or key=value DSN.
func MaskDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	if u, err := url.Parse(dsn); err == nil && u.Scheme != "" && u.Host != "" {
		return u.Redacted()
	}
	return dsnPasswordRe.ReplaceAllStringFunc(dsn, func(m string) string {
		parts := dsnPasswordRe.FindStringSubmatch(m)
		return parts[1] + maskSecret(parts[2])
	})
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	c.Store.DSN = MaskDSN(c.Store.DSN)
	return c
}
