package exchange

import (
	"io"

	"github.com/rs/zerolog"

	"marketfabric.io/core/internal/config"
)

func discardLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func testExchangeConfig() config.ExchangeConfig {
	return config.ExchangeConfig{Name: "binance", SigningKeyType: "ed25519"}
}
