package util

import (
	"fmt"
	"math"

	"kestrel/internal/domain"
)

// session describes how much trading time a market has in a year.
type session struct {
	daysPerYear   float64
	minutesPerDay float64
	weeksPerYear  float64
}

var sessions = map[domain.Market]session{
	domain.MarketUS:     {daysPerYear: 252, minutesPerDay: 390, weeksPerYear: 52},
	domain.MarketCN:     {daysPerYear: 242, minutesPerDay: 240, weeksPerYear: 52},
	domain.MarketFX:     {daysPerYear: 260, minutesPerDay: 1440, weeksPerYear: 52},
	domain.MarketCrypto: {daysPerYear: 365, minutesPerDay: 1440, weeksPerYear: 52},
}

// TradingCalendar provides session arithmetic for a specific market.
type TradingCalendar struct {
	market domain.Market
}

// NewTradingCalendar creates a TradingCalendar for the given market.
func NewTradingCalendar(market domain.Market) *TradingCalendar {
	return &TradingCalendar{
		market: market,
	}
}

// BarsPerYear returns how many bars of timeframe tf the market produces in a
// year. Intraday bars are counted per session, so a 390-minute US session
// holds seven 1h bars (the last one partial).
func (tc *TradingCalendar) BarsPerYear(tf domain.Timeframe) (float64, error) {
	s, ok := sessions[tc.market]
	if !ok {
		return 0, fmt.Errorf("unknown market %q", tc.market)
	}
	if !tf.Valid() {
		return 0, fmt.Errorf("unknown timeframe %q", tf)
	}

	switch tf {
	case domain.Day1:
		return s.daysPerYear, nil
	case domain.Week1:
		return s.weeksPerYear, nil
	}

	barMinutes := tf.Duration().Minutes()
	perDay := math.Ceil(s.minutesPerDay / barMinutes)
	return s.daysPerYear * perDay, nil
}
