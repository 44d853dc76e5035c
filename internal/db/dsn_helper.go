package db

import (
	"net/url"
	"strconv"
	"strings"
)

func isURLDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgresql://") || strings.HasPrefix(dsn, "postgres://")
}

// appendDSNParam adds key=value to a URL or key=value DSN unless key is already present.
func appendDSNParam(dsn, key, value string) string {
	if dsn == "" || strings.Contains(dsn, key+"=") {
		return dsn
	}

	if isURLDSN(dsn) {
		separator := "?"
		if strings.Contains(dsn, "?") {
			separator = "&"
		}
		return dsn + separator + key + "=" + url.QueryEscape(value)
	}

	if strings.ContainsAny(value, " '\\") {
		value = "'" + strings.ReplaceAll(strings.ReplaceAll(value, `\`, `\\`), "'", `\'`) + "'"
	}
	return dsn + " " + key + "=" + value
}

// AugmentDSNWithTimeout adds statement_timeout (milliseconds) to a DSN if not already present.
// A timeout of zero or less leaves the DSN unchanged.
func AugmentDSNWithTimeout(dsn string, timeoutMs int) string {
	if timeoutMs <= 0 {
		return dsn
	}
	return appendDSNParam(dsn, "statement_timeout", strconv.Itoa(timeoutMs))
}

// AugmentDSNWithApplicationName adds application_name to a DSN if not already present.
func AugmentDSNWithApplicationName(dsn, name string) string {
	if name == "" {
		return dsn
	}
	return appendDSNParam(dsn, "application_name", name)
}
