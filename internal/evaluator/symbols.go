package evaluator

import (
	"reflect"

	"github.com/traefik/yaegi/stdlib"

	"pulseTrader/internal/domain"
	"pulseTrader/internal/indicators"
)

// allowedStdlib is the subset of the standard library exposed to strategy
// code. Everything capable of I/O (os, net, io, syscall, ...) is excluded:
// strategy code can only compute over the snapshot it is handed.
var allowedStdlib = []string{
	"fmt/fmt",
	"math/math",
	// yaegi's Use compiles its bundled generic stdlib sources whenever
	// fmt is loaded, and those sources import math/bits; without these
	// symbols Use fails. math/bits is pure computation, no I/O.
	"math/bits/bits",
	"sort/sort",
	"strings/strings",
	"strconv/strconv",
	"time/time",
}

// sandboxStdlib extracts the allowed packages from yaegi's stdlib symbol table.
func sandboxStdlib() map[string]map[string]reflect.Value {
	out := make(map[string]map[string]reflect.Value, len(allowedStdlib))
	for _, key := range allowedStdlib {
		if symbols, ok := stdlib.Symbols[key]; ok {
			out[key] = symbols
		}
	}
	return out
}

// sandboxSymbols exposes the snapshot types, the decision vocabulary and the
// indicator helper library to interpreted strategy code.
func sandboxSymbols() map[string]map[string]reflect.Value {
	return map[string]map[string]reflect.Value{
		"pulseTrader/internal/domain/domain": {
			"Candle":         reflect.ValueOf((*domain.Candle)(nil)),
			"Ticker":         reflect.ValueOf((*domain.Ticker)(nil)),
			"MarketSnapshot": reflect.ValueOf((*domain.MarketSnapshot)(nil)),
			"TradeDecision":  reflect.ValueOf((*domain.TradeDecision)(nil)),
			"TakeProfit":     reflect.ValueOf((*domain.TakeProfit)(nil)),
			"DecisionKind":   reflect.ValueOf((*domain.DecisionKind)(nil)),
			"Side":           reflect.ValueOf((*domain.Side)(nil)),

			"Long":               reflect.ValueOf(domain.Long),
			"Short":              reflect.ValueOf(domain.Short),
			"DecisionNoTrade":    reflect.ValueOf(domain.DecisionNoTrade),
			"DecisionEnter":      reflect.ValueOf(domain.DecisionEnter),
			"DecisionExit":       reflect.ValueOf(domain.DecisionExit),
			"DecisionModifyRisk": reflect.ValueOf(domain.DecisionModifyRisk),
		},
		"pulseTrader/internal/indicators/indicators": {
			// Moving averages
			"SMA":       reflect.ValueOf(indicators.SMA),
			"SMASeries": reflect.ValueOf(indicators.SMASeries),
			"EMA":       reflect.ValueOf(indicators.EMA),
			"EMASeries": reflect.ValueOf(indicators.EMASeries),

			// Oscillators
			"RSI":        reflect.ValueOf(indicators.RSI),
			"MACD":       reflect.ValueOf(indicators.MACD),
			"Stochastic": reflect.ValueOf(indicators.Stochastic),

			// Bands and ranges
			"Bollinger":   reflect.ValueOf(indicators.Bollinger),
			"ATR":         reflect.ValueOf(indicators.ATR),
			"HighestHigh": reflect.ValueOf(indicators.HighestHigh),
			"LowestLow":   reflect.ValueOf(indicators.LowestLow),

			// Volume
			"AvgVolume": reflect.ValueOf(indicators.AvgVolume),
			"VWAP":      reflect.ValueOf(indicators.VWAP),

			// Patterns
			"EngulfingPattern": reflect.ValueOf(indicators.EngulfingPattern),

			"MACDResult":       reflect.ValueOf((*indicators.MACDResult)(nil)),
			"BollingerBands":   reflect.ValueOf((*indicators.BollingerBands)(nil)),
			"StochasticResult": reflect.ValueOf((*indicators.StochasticResult)(nil)),
		},
	}
}
