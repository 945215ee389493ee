// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package httpsource

import (
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
)

const instrumentationName = "github.com/krimson-go/krimson/connector/httpsource"

func logger() *slog.Logger {
	return otelslog.NewLogger(instrumentationName)
}
