// SPDX-License-Identifier: Apache-2.0

package connstr

import (
	"fmt"
	"net/url"
	"strings"
)

// AppendStatementTimeoutOption takes a Postgres connection string in URL
// format and produces the same connection string with a statement_timeout
// option set, so every statement the engine issues is bounded at the
// connection level.
func AppendStatementTimeoutOption(connStr string, timeoutMs int) (string, error) {
	if timeoutMs <= 0 {
		return connStr, nil
	}

	u, err := url.Parse(connStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse connection string: %w", err)
	}

	q := u.Query()
	q.Set("options", fmt.Sprintf("-c statement_timeout=%d", timeoutMs))
	encodedQuery := q.Encode()

	// Replace '+' with '%20' to ensure proper encoding of spaces within the
	// `options` query parameter.
	encodedQuery = strings.ReplaceAll(encodedQuery, "+", "%20")

	u.RawQuery = encodedQuery

	return u.String(), nil
}
