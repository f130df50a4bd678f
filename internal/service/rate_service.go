package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ip2tor/shop/internal/config"
	"github.com/ip2tor/shop/internal/models"
)

// RateService records BTC exchange rates and averages them for invoices.
type RateService struct {
	cfg    config.RatesConfig
	rates  RateStore
	source RateSource
	now    func() time.Time
}

func NewRateService(cfg config.RatesConfig, rates RateStore, source RateSource) *RateService {
	return &RateService{cfg: cfg, rates: rates, source: source, now: time.Now}
}

// SetClock replaces the time source.
func (s *RateService) SetClock(now func() time.Time) {
	s.now = now
}

func (s *RateService) currencies() []string {
	var out []string
	for _, c := range []string{s.cfg.TaxCurrency, s.cfg.InfoCurrency} {
		c = strings.ToUpper(c)
		if c != "" && !containsString(out, c) {
			out = append(out, c)
		}
	}
	return out
}

// Fetch asks the rate source for current prices and stores them.
func (s *RateService) Fetch(ctx context.Context) error {
	if s.source == nil {
		return errors.New("no rate source configured")
	}
	prices, err := s.source.FetchBTC(ctx, s.currencies())
	if err != nil {
		return fmt.Errorf("fetch rates from %s: %w", s.source.Name(), err)
	}
	for _, fiat := range s.currencies() {
		cents, ok := prices[fiat]
		if !ok {
			logger("rates").Warn().Str("fiat", fiat).Str("source", s.source.Name()).Msg("rate missing in response")
			continue
		}
		rate := &models.FiatRate{Coin: "BTC", Fiat: fiat, RateCents: cents, Source: s.source.Name()}
		if err := s.rates.Insert(ctx, rate); err != nil {
			return fmt.Errorf("store %s rate: %w", fiat, err)
		}
	}
	return nil
}

// Current averages the rates of the configured window. Currencies without
// observations are left without a rate.
func (s *RateService) Current(ctx context.Context) (Rates, error) {
	since := s.now().Add(-s.cfg.Window)
	rates := Rates{
		TaxCurrency:  strings.ToUpper(s.cfg.TaxCurrency),
		InfoCurrency: strings.ToUpper(s.cfg.InfoCurrency),
	}
	if rates.TaxCurrency != "" {
		avg, ok, err := s.rates.Average(ctx, rates.TaxCurrency, since)
		if err != nil {
			return rates, fmt.Errorf("average %s rate: %w", rates.TaxCurrency, err)
		}
		if ok {
			rates.TaxRateCents = &avg
		}
	}
	if rates.InfoCurrency != "" {
		avg, ok, err := s.rates.Average(ctx, rates.InfoCurrency, since)
		if err != nil {
			return rates, fmt.Errorf("average %s rate: %w", rates.InfoCurrency, err)
		}
		if ok {
			rates.InfoRateCents = &avg
		}
	}
	return rates, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
