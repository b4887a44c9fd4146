package features

import (
	"time"

	"github.com/wangkobe88/richer-js-sub001/internal/pool"
	"github.com/wangkobe88/richer-js-sub001/internal/stats"
)

// Factor names produced by Base.
const (
	FactorAge                 = "age"
	FactorEarlyReturn         = "earlyReturn"
	FactorRiseSpeed           = "riseSpeed"
	FactorDrawdownFromHighest = "drawdownFromHighest"
	FactorHoldDuration        = "holdDuration"
	FactorProfitPercent       = "profitPercent"
	FactorCurrentPrice        = "currentPrice"
	FactorCollectionReturn    = "collectionReturn"
	FactorTVL                 = "tvl"
	FactorFDV                 = "fdv"
	FactorHolders             = "holders"
	FactorTxVolume24h         = "txVolume24h"
)

// Factor names produced by the trend and pump-dump enrichment.
const (
	FactorTrendPassed         = "trendPassed"
	FactorTrendScore          = "trendScore"
	FactorTrendCV             = "trendCV"
	FactorTrendSlope          = "trendSlope"
	FactorTrendTotalReturn    = "trendTotalReturn"
	FactorTrendRiseRatio      = "trendRiseRatio"
	FactorTrendFirstPassPoint = "trendFirstPassPoint"

	FactorPumpDumpRisk = "pumpDumpRisk"
	FactorPumpDumpPAI  = "pumpDumpPAI"
	FactorPumpDumpPCI  = "pumpDumpPCI"
	FactorPumpDumpPWI  = "pumpDumpPWI"
	FactorPumpDumpPDR  = "pumpDumpPDR"
	FactorPumpDumpBSPR = "pumpDumpBSPR"

	FactorDataPoints = "dataPoints"
)

var baseFactors = []string{
	FactorAge, FactorEarlyReturn, FactorRiseSpeed, FactorDrawdownFromHighest,
	FactorHoldDuration, FactorProfitPercent, FactorCurrentPrice,
	FactorCollectionReturn, FactorTVL, FactorFDV, FactorHolders, FactorTxVolume24h,
}

var enrichmentFactors = []string{
	FactorDataPoints,
	FactorTrendPassed, FactorTrendScore, FactorTrendCV, FactorTrendSlope,
	FactorTrendTotalReturn, FactorTrendRiseRatio, FactorTrendFirstPassPoint,
	FactorPumpDumpRisk, FactorPumpDumpPAI, FactorPumpDumpPCI, FactorPumpDumpPWI,
	FactorPumpDumpPDR, FactorPumpDumpBSPR,
}

// Base derives the snapshot factors of a token at now. It reads nothing but
// its arguments. Every value is finite; a missing input or a zero
// denominator yields 0.
func Base(tok pool.Token, now time.Time) map[string]float64 {
	f := make(map[string]float64, len(baseFactors)+len(enrichmentFactors))

	var age float64
	if !tok.CreatedAt.IsZero() {
		age = now.Sub(tok.CreatedAt).Minutes()
	}
	f[FactorAge] = age

	var early float64
	if tok.LaunchPrice > 0 {
		early = stats.PctChange(tok.LaunchPrice, tok.CurrentPrice)
	}
	f[FactorEarlyReturn] = early

	if age > 0 {
		f[FactorRiseSpeed] = early / age
	} else {
		f[FactorRiseSpeed] = 0
	}

	f[FactorDrawdownFromHighest] = stats.PctChange(tok.HighestPrice, tok.CurrentPrice)

	if bought(tok) {
		f[FactorHoldDuration] = now.Sub(tok.BuyTime).Seconds()
		f[FactorProfitPercent] = stats.PctChange(tok.BuyPrice, tok.CurrentPrice)
	} else {
		f[FactorHoldDuration] = 0
		f[FactorProfitPercent] = 0
	}

	f[FactorCurrentPrice] = tok.CurrentPrice
	f[FactorCollectionReturn] = stats.PctChange(tok.CollectionPrice, tok.CurrentPrice)
	f[FactorTVL] = tok.Market.TVL
	f[FactorFDV] = tok.Market.FDV
	f[FactorHolders] = float64(tok.Market.Holders)
	f[FactorTxVolume24h] = tok.Market.TxVolume24h

	sanitize(f)
	return f
}

func bought(tok pool.Token) bool {
	return tok.BuyPrice > 0 && !tok.BuyTime.IsZero()
}

func sanitize(f map[string]float64) {
	for k, v := range f {
		f[k] = stats.Finite(v)
	}
}
